// Package index defines the namespaced vector similarity store the pipeline
// writes to and queries. Backends own persistence and concurrency control;
// the pipeline treats them as opaque transactional services.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groundgen/groundgen/internal/source"
)

// Metric names the similarity function a namespace is configured with.
type Metric string

const MetricCosine Metric = "cosine"

// ErrInvalidQuery is returned for queries with a non-positive top-k.
var ErrInvalidQuery = errors.New("invalid query")

// ErrNamespaceNotFound is returned when querying or upserting into a
// namespace that was never created.
var ErrNamespaceNotFound = errors.New("namespace not found")

// DimensionError reports a conflict between a namespace's configured
// dimension and the dimension requested or stored.
type DimensionError struct {
	Namespace string
	Want      int
	Got       int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("namespace %s: dimension mismatch: configured %d, got %d", e.Namespace, e.Want, e.Got)
}

// UpsertError reports a partially failed batched upsert. Applied batches
// stay applied; FailedBatches lists the zero-based indexes of batches that
// were rolled back.
type UpsertError struct {
	Namespace     string
	FailedBatches []int
	Applied       int
	Err           error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert into %s: %d batches applied, batches %v failed: %v",
		e.Namespace, e.Applied, e.FailedBatches, e.Err)
}

func (e *UpsertError) Unwrap() error {
	return e.Err
}

// Metadata is the fixed-schema provenance bag stored with every vector.
// Extra carries source-specific fields without weakening the typed core.
type Metadata struct {
	Text         string                    `json:"text"`
	ChunkIndex   int                       `json:"chunk_index"`
	SourceID     string                    `json:"source_id"`
	Section      string                    `json:"section"`
	CapturedAt   time.Time                 `json:"captured_at"`
	Verified     bool                      `json:"verified"`
	Verification source.VerificationRecord `json:"verification"`
	Extra        map[string]string         `json:"extra,omitempty"`
}

// Record is one stored vector with its metadata.
type Record struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is a Record plus its similarity score. Backends return matches
// ordered by descending score, ties broken by ascending id.
type Match struct {
	Record
	Score float32
}

// Filter narrows a query by metadata fields. Zero values match everything.
type Filter struct {
	SourceID string
	Section  string
}

// Index is a namespaced similarity-search store.
type Index interface {
	// EnsureNamespace creates the namespace if missing. Idempotent; returns
	// a *DimensionError if it exists with a different dimension.
	EnsureNamespace(ctx context.Context, name string, dimension int, metric Metric) error

	// Upsert writes records in batches of batchSize, each batch applied
	// atomically. A failing batch does not prevent later batches; the
	// returned *UpsertError reports which batches failed.
	Upsert(ctx context.Context, namespace string, records []Record, batchSize int) error

	// Query returns up to topK matches for vector, ordered by similarity
	// descending. Returns ErrInvalidQuery if topK <= 0.
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter *Filter) ([]Match, error)
}

// VectorID builds the deterministic id for a chunk's vector, so re-ingesting
// a source overwrites its vectors instead of duplicating them.
func VectorID(sourceID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%04d", sourceID, chunkIndex)
}

// SplitBatches partitions records into consecutive batches of at most
// batchSize.
func SplitBatches(records []Record, batchSize int) [][]Record {
	if batchSize <= 0 || len(records) == 0 {
		return nil
	}
	var batches [][]Record
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

// SortMatches orders matches by descending score, ties by ascending id, so
// equal-similarity results are deterministic.
func SortMatches(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && less(matches[j], matches[j-1]); j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func less(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return strings.Compare(a.ID, b.ID) < 0
}
