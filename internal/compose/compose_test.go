package compose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/retrieval"
)

// wordEncoding tokenizes on whitespace, one token per word.
type wordEncoding struct{}

func (wordEncoding) Encode(text string) []int {
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i := range words {
		ids[i] = i
	}
	return ids
}

func (wordEncoding) Decode(ids []int) string { return "" }

type fakeRetriever struct {
	matches map[string][]index.Match
	err     error
	calls   []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, topK int) ([]index.Match, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.matches[query], nil
}

type fakeGenerator struct {
	err     error
	prompts []string
	systems []string
}

func (f *fakeGenerator) Complete(_ context.Context, system, user string) (string, error) {
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, user)
	if f.err != nil {
		return "", f.err
	}
	return "generated text", nil
}

func verifiedMatch(text string, score float32) index.Match {
	return index.Match{
		Record: index.Record{
			ID: "src:0000",
			Metadata: index.Metadata{
				Text:     text,
				SourceID: "src",
				Verified: true,
			},
		},
		Score: score,
	}
}

func TestGenerateSectionGrounded(t *testing.T) {
	sec := Section{Name: "Budget", Requirements: "budget details"}
	ret := &fakeRetriever{matches: map[string][]index.Match{
		"budget details": {
			verifiedMatch("annual budget is 2M", 0.9),
			verifiedMatch("half goes to salaries", 0.8),
		},
	}}
	gen := &fakeGenerator{}
	c := New(ret, gen, wordEncoding{}, 5, 0)

	result, err := c.GenerateSection(context.Background(), sec)
	if err != nil {
		t.Fatalf("GenerateSection: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %q, want %q", result.Status, StatusOK)
	}
	if result.Content != "generated text" {
		t.Errorf("content = %q", result.Content)
	}
	if len(gen.prompts) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.prompts))
	}
	prompt := gen.prompts[0]
	if !strings.Contains(prompt, "annual budget is 2M\nhalf goes to salaries") {
		t.Errorf("prompt missing ranked newline-joined context:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Section: Budget") {
		t.Errorf("prompt missing section name:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Do not make up or infer any information") {
		t.Errorf("prompt missing grounding instruction:\n%s", prompt)
	}
	if !strings.Contains(gen.systems[0], "Never make up or infer information") {
		t.Errorf("system prompt missing grounding instruction: %q", gen.systems[0])
	}
}

func TestGenerateSectionMissingInformation(t *testing.T) {
	ret := &fakeRetriever{err: retrieval.ErrNoVerifiedMatches}
	gen := &fakeGenerator{}
	c := New(ret, gen, wordEncoding{}, 5, 0)

	result, err := c.GenerateSection(context.Background(), Section{Name: "Timeline", Requirements: "milestones"})
	if err != nil {
		t.Fatalf("missing information must not be an error, got %v", err)
	}
	if result.Status != StatusMissingInformation {
		t.Fatalf("status = %q, want %q", result.Status, StatusMissingInformation)
	}
	if !strings.Contains(result.Content, "milestones") {
		t.Errorf("placeholder should name the requirements: %q", result.Content)
	}
	if len(gen.prompts) != 0 {
		t.Errorf("generator called %d times without verified context", len(gen.prompts))
	}
}

func TestGenerateSectionBackendFailure(t *testing.T) {
	ret := &fakeRetriever{matches: map[string][]index.Match{
		"q": {verifiedMatch("some context", 0.5)},
	}}
	genErr := errors.New("backend down")
	gen := &fakeGenerator{err: genErr}
	c := New(ret, gen, wordEncoding{}, 5, 0)

	result, err := c.GenerateSection(context.Background(), Section{Name: "Overview", Requirements: "q"})
	if !errors.Is(err, genErr) {
		t.Fatalf("err = %v, want wrap of backend error", err)
	}
	if result.Status != StatusGenerationFailed {
		t.Errorf("status = %q, want %q", result.Status, StatusGenerationFailed)
	}
	if result.Error == "" {
		t.Error("failed result should carry the error detail")
	}
	if len(gen.prompts) != 1 {
		t.Errorf("generator called %d times, want exactly 1 (no internal retry)", len(gen.prompts))
	}
}

func TestBuildContextTokenBudget(t *testing.T) {
	long := strings.Repeat("w ", 50) // 50 tokens
	short := "tiny text here"        // 3 tokens
	c := New(nil, nil, wordEncoding{}, 5, 10)

	got := c.buildContext([]index.Match{
		verifiedMatch(long, 0.9),
		verifiedMatch(short, 0.8),
	})
	if got != short {
		t.Errorf("budget should skip oversized text but keep later fit: got %q", got)
	}
}

func TestGenerateDocumentContinuesPastFailures(t *testing.T) {
	sections := []Section{
		{Name: "A", Requirements: "qa"},
		{Name: "B", Requirements: "qb"},
		{Name: "C", Requirements: "qc"},
	}
	ret := &fakeRetriever{matches: map[string][]index.Match{
		"qa": {verifiedMatch("context a", 0.9)},
		"qc": {verifiedMatch("context c", 0.9)},
		// qb has no matches: fakeRetriever returns nil, but the real
		// retriever reports ErrNoVerifiedMatches; emulate that.
	}}
	// Wrap to surface ErrNoVerifiedMatches for empty result sets.
	c := New(noMatchAdapter{ret}, &fakeGenerator{}, wordEncoding{}, 5, 0)

	doc := c.GenerateDocument(context.Background(), sections)
	if len(doc.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(doc.Results))
	}
	wantStatus := []Status{StatusOK, StatusMissingInformation, StatusOK}
	for i, r := range doc.Results {
		if r.Section.Name != sections[i].Name {
			t.Errorf("result %d section = %q, want %q", i, r.Section.Name, sections[i].Name)
		}
		if r.Status != wantStatus[i] {
			t.Errorf("result %d status = %q, want %q", i, r.Status, wantStatus[i])
		}
	}

	incomplete := doc.Incomplete()
	if len(incomplete) != 1 || incomplete[0].Section.Name != "B" {
		t.Fatalf("Incomplete() = %+v, want just section B", incomplete)
	}
}

// noMatchAdapter maps empty result sets to ErrNoVerifiedMatches, matching
// the retrieval package contract.
type noMatchAdapter struct{ inner *fakeRetriever }

func (a noMatchAdapter) Retrieve(ctx context.Context, query string, topK int) ([]index.Match, error) {
	matches, err := a.inner.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, retrieval.ErrNoVerifiedMatches
	}
	return matches, nil
}

func TestMarkdownReport(t *testing.T) {
	doc := Document{Results: []SectionResult{
		{Section: Section{Name: "A"}, Status: StatusOK, Content: "alpha body"},
		{Section: Section{Name: "B"}, Status: StatusMissingInformation, Content: "No verified information is available"},
		{Section: Section{Name: "C"}, Status: StatusGenerationFailed, Error: "backend down"},
	}}

	md := doc.Markdown()
	for _, want := range []string{
		"# Application Draft",
		"## A\n\nalpha body",
		"MISSING INFORMATION",
		"GENERATION FAILED: backend down",
		"## Missing Information",
		"- B (missing_information)",
		"- C (generation_failed): backend down",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
	// The summary is mandatory and always trails the section bodies.
	if idx := strings.Index(md, "## Missing Information"); idx < strings.Index(md, "alpha body") {
		t.Error("summary must come after section bodies")
	}
}

func TestMarkdownReportAllComplete(t *testing.T) {
	doc := Document{Results: []SectionResult{
		{Section: Section{Name: "A"}, Status: StatusOK, Content: "alpha"},
	}}
	md := doc.Markdown()
	if !strings.Contains(md, "## Missing Information") {
		t.Error("summary section must be present even when nothing is missing")
	}
	if !strings.Contains(md, "All sections were generated from verified context.") {
		t.Errorf("complete run should say so:\n%s", md)
	}
}

func TestDefaultSections(t *testing.T) {
	sections := DefaultSections()
	if len(sections) != 8 {
		t.Fatalf("got %d default sections, want 8", len(sections))
	}
	if sections[0].Name != "Organization Overview" {
		t.Errorf("first section = %q", sections[0].Name)
	}
	for i, s := range sections {
		if s.Requirements == "" {
			t.Errorf("section %d (%s) has empty requirements", i, s.Name)
		}
	}
}
