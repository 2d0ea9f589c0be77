package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/source"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

// fakeIndex implements index.Index over a canned match list.
type fakeIndex struct {
	matches []index.Match
	err     error

	gotNamespace string
	gotTopK      int
}

func (f *fakeIndex) EnsureNamespace(ctx context.Context, name string, dimension int, metric index.Metric) error {
	return nil
}

func (f *fakeIndex) Upsert(ctx context.Context, namespace string, records []index.Record, batchSize int) error {
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter *index.Filter) ([]index.Match, error) {
	f.gotNamespace = namespace
	f.gotTopK = topK
	return f.matches, f.err
}

func match(id string, score float32, verified bool) index.Match {
	return index.Match{
		Record: index.Record{
			ID: id,
			Metadata: index.Metadata{
				Text:         "text " + id,
				SourceID:     "src",
				Verified:     verified,
				Verification: source.VerificationRecord{SourceID: "src", Verified: verified},
			},
		},
		Score: score,
	}
}

func TestRetrieveFiltersUnverified(t *testing.T) {
	idx := &fakeIndex{matches: []index.Match{
		match("a", 0.9, true),
		match("b", 0.8, false),
		match("c", 0.7, true),
	}}
	r := New(&fakeEmbedder{vec: []float32{1}}, idx, "ns")

	got, err := r.Retrieve(context.Background(), "query", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("ids = %s, %s; want a, c", got[0].ID, got[1].ID)
	}
	if idx.gotNamespace != "ns" || idx.gotTopK != 3 {
		t.Errorf("query args = %s/%d", idx.gotNamespace, idx.gotTopK)
	}
}

func TestRetrieveDropsMissingVerificationRecord(t *testing.T) {
	// Top-level flag set but the attached record says otherwise: still
	// dropped.
	inconsistent := match("x", 0.9, true)
	inconsistent.Metadata.Verification.Verified = false

	idx := &fakeIndex{matches: []index.Match{inconsistent, match("y", 0.5, true)}}
	r := New(&fakeEmbedder{vec: []float32{1}}, idx, "ns")

	got, err := r.Retrieve(context.Background(), "query", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "y" {
		t.Errorf("matches = %+v, want only y", got)
	}
}

func TestRetrieveNoVerifiedMatches(t *testing.T) {
	idx := &fakeIndex{matches: []index.Match{
		match("a", 0.9, false),
		match("b", 0.8, false),
	}}
	r := New(&fakeEmbedder{vec: []float32{1}}, idx, "ns")

	_, err := r.Retrieve(context.Background(), "query", 2)
	if !errors.Is(err, ErrNoVerifiedMatches) {
		t.Errorf("error = %v, want ErrNoVerifiedMatches", err)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r := New(&fakeEmbedder{vec: []float32{1}}, &fakeIndex{}, "ns")

	_, err := r.Retrieve(context.Background(), "anything", 5)
	if !errors.Is(err, ErrNoVerifiedMatches) {
		t.Errorf("error = %v, want ErrNoVerifiedMatches", err)
	}
}

func TestRetrieveMissingNamespaceMeansNoMatches(t *testing.T) {
	r := New(&fakeEmbedder{vec: []float32{1}}, &fakeIndex{err: index.ErrNamespaceNotFound}, "ns")

	_, err := r.Retrieve(context.Background(), "anything", 5)
	if !errors.Is(err, ErrNoVerifiedMatches) {
		t.Errorf("error = %v, want ErrNoVerifiedMatches before first ingest", err)
	}
}

func TestRetrieveTransportErrorsAreNotNoMatches(t *testing.T) {
	transport := errors.New("index offline")
	r := New(&fakeEmbedder{vec: []float32{1}}, &fakeIndex{err: transport}, "ns")

	_, err := r.Retrieve(context.Background(), "query", 2)
	if errors.Is(err, ErrNoVerifiedMatches) {
		t.Error("transport failure must not look like no-verified-matches")
	}
	if !errors.Is(err, transport) {
		t.Errorf("error = %v, want wrapped transport error", err)
	}
}

func TestRetrieveEmbedError(t *testing.T) {
	embErr := errors.New("embedding down")
	r := New(&fakeEmbedder{err: embErr}, &fakeIndex{}, "ns")

	_, err := r.Retrieve(context.Background(), "query", 2)
	if !errors.Is(err, embErr) {
		t.Errorf("error = %v, want wrapped embed error", err)
	}
}

func TestRetrievePreservesRanking(t *testing.T) {
	idx := &fakeIndex{matches: []index.Match{
		match("a", 0.95, true),
		match("b", 0.90, true),
		match("c", 0.85, true),
	}}
	r := New(&fakeEmbedder{vec: []float32{1}}, idx, "ns")

	got, err := r.Retrieve(context.Background(), "query", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("ranking not preserved at %d", i)
		}
	}
}
