package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTransient = errors.New("rate limited")
var errPermanent = errors.New("invalid input")

// fakeClient counts calls and fails according to failUntil.
type fakeClient struct {
	mu        sync.Mutex
	calls     int
	failUntil int // fail the first N calls
	failWith  error
	vec       []float32
}

func (f *fakeClient) Embeddings(ctx context.Context, model, input string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, f.failWith
	}
	return f.vec, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		Base:      time.Millisecond,
		Cap:       5 * time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestEmbedRetriesTransientThenSucceeds(t *testing.T) {
	client := &fakeClient{failUntil: 2, failWith: errTransient, vec: []float32{1, 2, 3}}
	e := New(client, "model", 3, testPolicy())

	vec, err := e.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vec = %v", vec)
	}
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3", client.callCount())
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	client := &fakeClient{failUntil: 100, failWith: errTransient}
	e := New(client, "model", 3, testPolicy())

	_, err := e.Embed(context.Background(), "some text")
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want *UnavailableError", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("unavailable error should wrap the last cause, got %v", unavailable.Err)
	}
	// Exactly the attempt cap, no more.
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3", client.callCount())
	}
}

func TestEmbedDoesNotRetryPermanentFailure(t *testing.T) {
	client := &fakeClient{failUntil: 100, failWith: errPermanent}
	e := New(client, "model", 3, testPolicy())

	_, err := e.Embed(context.Background(), "some text")
	if !errors.Is(err, errPermanent) {
		t.Fatalf("error = %v, want permanent cause", err)
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		t.Error("permanent failure must not be reported as UnavailableError")
	}
	if client.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on validation failure)", client.callCount())
	}
}

func TestEmbedEmptyTextNoCall(t *testing.T) {
	client := &fakeClient{vec: []float32{1}}
	e := New(client, "model", 1, testPolicy())

	_, err := e.Embed(context.Background(), "   \n ")
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("error = %v, want ErrEmptyInput", err)
	}
	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0", client.callCount())
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	client := &fakeClient{vec: []float32{1, 2}}
	e := New(client, "model", 3, testPolicy())

	if _, err := e.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedBatchOrderPreserved(t *testing.T) {
	// Return a vector derived from the input so ordering is observable.
	client := &orderedClient{}
	e := New(client, "model", 1, testPolicy())

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}

	vecs, err := e.EmbedBatch(context.Background(), texts, 4)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 10 {
		t.Fatalf("len = %d", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, v, i)
		}
	}
}

type orderedClient struct{}

func (orderedClient) Embeddings(ctx context.Context, model, input string) ([]float32, error) {
	var n int
	fmt.Sscanf(input, "text %d", &n)
	return []float32{float32(n)}, nil
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := New(&fakeClient{}, "model", 1, testPolicy())
	vecs, err := e.EmbedBatch(context.Background(), nil, 4)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}
