// Package pipeline orchestrates ingestion: verify a source, extract and
// chunk its text, embed the chunks, and upsert the vectors with full
// provenance metadata. Only content that passed verification in the current
// run ever reaches the index.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/groundgen/groundgen/internal/chunk"
	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/source"
)

// IngestItem names a registered source and the structured metadata attached
// to every vector derived from it.
type IngestItem struct {
	SourceID string            `json:"source_id"`
	Section  string            `json:"section,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// IngestResult summarizes one source's trip through the pipeline.
type IngestResult struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
	Vectors  int    `json:"vectors"`
	Err      error  `json:"-"`
}

// Verifier is the slice of source.Manager the pipeline needs.
type Verifier interface {
	Verify(ctx context.Context, sourceID string) (source.VerifiedSource, error)
}

// Embedder is the slice of embed.Embedder the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, limit int) ([][]float32, error)
	Dimension() int
}

// Options bound the pipeline's index writes and embedding concurrency.
type Options struct {
	Namespace  string
	Metric     index.Metric
	BatchSize  int
	EmbedLimit int
}

// Pipeline wires verification, chunking, embedding, and indexing together.
type Pipeline struct {
	manager  Verifier
	chunker  *chunk.Chunker
	embedder Embedder
	index    index.Index
	opts     Options
	logger   *slog.Logger
}

func New(manager Verifier, chunker *chunk.Chunker, embedder Embedder, idx index.Index, opts Options) *Pipeline {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Metric == "" {
		opts.Metric = index.MetricCosine
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Pipeline{
		manager:  manager,
		chunker:  chunker,
		embedder: embedder,
		index:    idx,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// IngestSource verifies one source and indexes its content. Verification
// happens inside this call; a previously recorded verification is not
// enough. Any stage failing means nothing from this source reaches the
// index in this run (already indexed vectors from earlier runs are left
// alone, and re-ingesting overwrites them via deterministic vector ids).
func (p *Pipeline) IngestSource(ctx context.Context, item IngestItem) (IngestResult, error) {
	result := IngestResult{SourceID: item.SourceID}

	vs, err := p.manager.Verify(ctx, item.SourceID)
	if err != nil {
		return result, fmt.Errorf("verifying source %s: %w", item.SourceID, err)
	}

	text, err := source.ExtractText(vs)
	if err != nil {
		return result, fmt.Errorf("extracting text from %s: %w", item.SourceID, err)
	}

	chunks := p.chunker.Split(item.SourceID, text)
	result.Chunks = len(chunks)
	if len(chunks) == 0 {
		p.logger.Warn("source produced no chunks", "source", item.SourceID)
		return result, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts, p.opts.EmbedLimit)
	if err != nil {
		return result, fmt.Errorf("embedding chunks of %s: %w", item.SourceID, err)
	}

	records := buildRecords(vs, chunks, vectors, item)

	if err := p.index.EnsureNamespace(ctx, p.opts.Namespace, p.embedder.Dimension(), p.opts.Metric); err != nil {
		return result, fmt.Errorf("ensuring namespace %s: %w", p.opts.Namespace, err)
	}
	if err := p.index.Upsert(ctx, p.opts.Namespace, records, p.opts.BatchSize); err != nil {
		return result, fmt.Errorf("indexing source %s: %w", item.SourceID, err)
	}

	result.Vectors = len(records)
	p.logger.Info("source ingested",
		"source", item.SourceID,
		"chunks", result.Chunks,
		"vectors", result.Vectors,
	)
	return result, nil
}

// buildRecords attaches the verification record to every chunk's metadata so
// retrieval can check provenance without a storage round trip.
func buildRecords(vs source.VerifiedSource, chunks []chunk.Chunk, vectors [][]float32, item IngestItem) []index.Record {
	rec := vs.Record()
	records := make([]index.Record, len(chunks))
	for i, c := range chunks {
		records[i] = index.Record{
			ID:     index.VectorID(item.SourceID, c.Index),
			Values: vectors[i],
			Metadata: index.Metadata{
				Text:         c.Text,
				ChunkIndex:   c.Index,
				SourceID:     item.SourceID,
				Section:      item.Section,
				CapturedAt:   rec.CapturedAt,
				Verified:     true,
				Verification: rec,
				Extra:        item.Extra,
			},
		}
	}
	return records
}

// IngestAll runs every item through the pipeline, isolating failures: one
// bad source never blocks the rest. Results come back in item order with
// per-item errors recorded in IngestResult.Err.
func (p *Pipeline) IngestAll(ctx context.Context, items []IngestItem) []IngestResult {
	results := make([]IngestResult, 0, len(items))
	start := time.Now()
	var failed int
	for _, item := range items {
		result, err := p.IngestSource(ctx, item)
		if err != nil {
			result.Err = err
			failed++
			p.logger.Warn("ingest failed", "source", item.SourceID, "error", err)
		}
		results = append(results, result)
	}
	p.logger.Info("ingest run complete",
		"sources", len(items),
		"failed", failed,
		"elapsed", time.Since(start),
	)
	return results
}
