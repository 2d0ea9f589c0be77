// Package compose assembles verified retrieved context into grounding
// prompts and drives section-by-section document generation. Generation is
// grounded: the prompt embeds the verified context verbatim and forbids the
// backend from fabricating anything beyond it.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/groundgen/groundgen/internal/chunk"
	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/retrieval"
)

// Status classifies a section generation outcome.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusMissingInformation Status = "missing_information"
	StatusGenerationFailed   Status = "generation_failed"
)

// Section names one part of the generated document and the requirements
// used as the retrieval query for it.
type Section struct {
	Name         string `json:"name"`
	Requirements string `json:"requirements"`
}

// DefaultSections is the standard application outline.
func DefaultSections() []Section {
	return []Section{
		{"Organization Overview", "Provide a comprehensive overview of the organization, including mission, vision, and track record."},
		{"Implementation Model", "Detail the program implementation, including session delivery, instructor roles, and support structures."},
		{"Data Collection System", "Describe the monitoring systems for tracking student learning and program quality."},
		{"Government Engagement", "Outline the strategy for engaging with government at national, regional, and school levels."},
		{"Scaling Strategy", "Detail the path to reaching target numbers, including system assets, partnerships, and resource mobilization."},
		{"Technical Requirements", "Explain how the program will function without reliable internet and avoid high-tech tools."},
		{"Budget and Resources", "Provide a detailed budget breakdown and resource requirements."},
		{"Timeline and Milestones", "Outline the implementation timeline with specific milestones and deliverables."},
	}
}

// SectionResult is the outcome of generating one section.
type SectionResult struct {
	Section Section `json:"section"`
	Status  Status  `json:"status"`
	Content string  `json:"content"`
	Error   string  `json:"error,omitempty"`
}

// Generator is the text-generation backend.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Retriever supplies verified context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]index.Match, error)
}

const (
	defaultTopK             = 5
	defaultMaxContextTokens = 4000
)

const systemPrompt = "You are an expert grant writer. Only use information from verified sources. " +
	"Never make up or infer information."

// Composer generates grounded document sections from retrieved context.
type Composer struct {
	retriever        Retriever
	generator        Generator
	enc              chunk.Encoding
	topK             int
	maxContextTokens int
	logger           *slog.Logger
}

// New creates a Composer. topK and maxContextTokens fall back to defaults
// (5 and 4000) when non-positive.
func New(retriever Retriever, generator Generator, enc chunk.Encoding, topK, maxContextTokens int) *Composer {
	if topK <= 0 {
		topK = defaultTopK
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{
		retriever:        retriever,
		generator:        generator,
		enc:              enc,
		topK:             topK,
		maxContextTokens: maxContextTokens,
		logger:           slog.Default(),
	}
}

// GenerateSection retrieves verified context for the section requirements
// and invokes the generation backend once. No verified context yields a
// MissingInformation result, not an error: the caller's document run keeps
// going. Backend failures yield a GenerationFailed result plus the error so
// the presentation layer can retry the section manually.
func (c *Composer) GenerateSection(ctx context.Context, sec Section) (SectionResult, error) {
	result := SectionResult{Section: sec}

	matches, err := c.retriever.Retrieve(ctx, sec.Requirements, c.topK)
	if errors.Is(err, retrieval.ErrNoVerifiedMatches) {
		result.Status = StatusMissingInformation
		result.Content = fmt.Sprintf(
			"No verified information is available for this section. Register and verify a source covering: %s",
			sec.Requirements)
		return result, nil
	}
	if err != nil {
		result.Status = StatusGenerationFailed
		result.Error = err.Error()
		return result, fmt.Errorf("retrieving context for section %q: %w", sec.Name, err)
	}

	contextBlock := c.buildContext(matches)
	prompt := buildPrompt(sec, contextBlock)

	text, err := c.generator.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		result.Status = StatusGenerationFailed
		result.Error = err.Error()
		return result, fmt.Errorf("generating section %q: %w", sec.Name, err)
	}

	result.Status = StatusOK
	result.Content = text
	return result, nil
}

// buildContext joins match texts in ranked order, newline-separated, keeping
// the total within the token budget. Texts that would exceed the remaining
// budget are skipped; later, smaller texts may still fit.
func (c *Composer) buildContext(matches []index.Match) string {
	var sb strings.Builder
	remaining := c.maxContextTokens
	for _, m := range matches {
		tokens := chunk.Count(c.enc, m.Metadata.Text) + 1
		if tokens > remaining {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Metadata.Text)
		remaining -= tokens
	}
	return sb.String()
}

// buildPrompt embeds the verified context verbatim and forbids fabrication.
func buildPrompt(sec Section, contextBlock string) string {
	var sb strings.Builder
	sb.WriteString("Based on the following verified information and requirements, write a detailed section for the application.\n\n")
	fmt.Fprintf(&sb, "Section: %s\n", sec.Name)
	fmt.Fprintf(&sb, "Requirements: %s\n\n", sec.Requirements)
	sb.WriteString("Context (from verified sources):\n")
	sb.WriteString(contextBlock)
	sb.WriteString("\n\nImportant: Only use information from the provided context. Do not make up or infer any information.\n")
	sb.WriteString("If information is missing, clearly state what information is needed.")
	return sb.String()
}

// Document is a full generation run over an ordered section list.
type Document struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Results     []SectionResult `json:"results"`
}

// GenerateDocument generates every section in order, collecting all results.
// A failed or unanswerable section never aborts the run; it is recorded and
// the run continues, so the report order matches the section order exactly.
func (c *Composer) GenerateDocument(ctx context.Context, sections []Section) Document {
	doc := Document{GeneratedAt: time.Now().UTC()}
	for _, sec := range sections {
		result, err := c.GenerateSection(ctx, sec)
		if err != nil {
			c.logger.Warn("section generation failed",
				"section", sec.Name,
				"error", err,
			)
		}
		doc.Results = append(doc.Results, result)
	}
	return doc
}

// Incomplete returns the results whose status is not OK, in section order.
func (d Document) Incomplete() []SectionResult {
	var out []SectionResult
	for _, r := range d.Results {
		if r.Status != StatusOK {
			out = append(out, r)
		}
	}
	return out
}

// Markdown renders the document with its mandatory trailing summary of
// missing or failed sections.
func (d Document) Markdown() string {
	var sb strings.Builder
	sb.WriteString("# Application Draft\n\n")
	sb.WriteString("## Important Note\n\n")
	sb.WriteString("This document was generated using only verified information sources. ")
	sb.WriteString("Any missing information is clearly marked and must be provided before submission.\n\n")

	for _, r := range d.Results {
		fmt.Fprintf(&sb, "## %s\n\n", r.Section.Name)
		switch r.Status {
		case StatusOK:
			sb.WriteString(r.Content)
		case StatusMissingInformation:
			fmt.Fprintf(&sb, "MISSING INFORMATION: %s", r.Content)
		case StatusGenerationFailed:
			fmt.Fprintf(&sb, "GENERATION FAILED: %s", r.Error)
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Missing Information\n\n")
	incomplete := d.Incomplete()
	if len(incomplete) == 0 {
		sb.WriteString("All sections were generated from verified context.\n")
		return sb.String()
	}
	for _, r := range incomplete {
		detail := r.Content
		if r.Status == StatusGenerationFailed {
			detail = r.Error
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", r.Section.Name, r.Status, detail)
	}
	return sb.String()
}
