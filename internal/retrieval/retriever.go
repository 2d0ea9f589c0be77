// Package retrieval finds verified context for a query: it embeds the query,
// searches the vector index, and discards anything whose provenance is not
// marked verified.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/groundgen/groundgen/internal/index"
)

// ErrNoVerifiedMatches is returned when the index produced no match with
// verified provenance. It is a meaningful outcome, distinguishable from a
// transport failure, and callers are expected to recover from it.
var ErrNoVerifiedMatches = errors.New("no verified matches")

// QueryEmbedder embeds a query string. *embed.Embedder satisfies it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever combines embedding and index search, applying the verification
// filter that gates context into generation.
type Retriever struct {
	embedder  QueryEmbedder
	index     index.Index
	namespace string
	logger    *slog.Logger
}

// New creates a Retriever querying the given namespace.
func New(embedder QueryEmbedder, idx index.Index, namespace string) *Retriever {
	return &Retriever{
		embedder:  embedder,
		index:     idx,
		namespace: namespace,
		logger:    slog.Default(),
	}
}

// Retrieve embeds query and returns the top-K verified matches, ordered by
// descending similarity. Matches without verified provenance are dropped
// with a warning each; if nothing verified remains the result is
// ErrNoVerifiedMatches.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]index.Match, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.index.Query(ctx, r.namespace, vec, topK, nil)
	if errors.Is(err, index.ErrNamespaceNotFound) {
		// Nothing has been ingested yet.
		return nil, ErrNoVerifiedMatches
	}
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	verified := matches[:0]
	for _, m := range matches {
		if !m.Metadata.Verified || !m.Metadata.Verification.Verified {
			r.logger.Warn("discarding match with unverified provenance",
				"id", m.ID,
				"source_id", m.Metadata.SourceID,
			)
			continue
		}
		verified = append(verified, m)
	}

	if len(verified) == 0 {
		return nil, ErrNoVerifiedMatches
	}
	return verified, nil
}
