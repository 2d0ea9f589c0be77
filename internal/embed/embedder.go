// Package embed maps text to fixed-dimension dense vectors, wrapping the
// remote embedding call with a bounded retry policy.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/groundgen/groundgen/internal/openai"
)

// ErrEmptyInput is returned for blank text. It is a validation failure and
// is never retried.
var ErrEmptyInput = errors.New("cannot embed empty text")

// UnavailableError is returned when every retry attempt failed with a
// transient error. It carries the last underlying cause.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("embedding unavailable after retries: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Client is the remote embedding call. *openai.Client satisfies it.
type Client interface {
	Embeddings(ctx context.Context, model, input string) ([]float32, error)
}

// RetryPolicy bounds retries of a single call: at most Attempts tries with
// exponential backoff from Base capped at Cap, retrying only errors
// Retryable reports as transient.
type RetryPolicy struct {
	Attempts  int
	Base      time.Duration
	Cap       time.Duration
	Retryable func(error) bool
}

// DefaultRetryPolicy retries up to 3 attempts with backoff from 4s capped
// at 10s, retrying rate limits, timeouts, and server errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		Base:      4 * time.Second,
		Cap:       10 * time.Second,
		Retryable: openai.IsTransient,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(uint64(p.Attempts-1), b)
}

// Do runs fn under the policy. Transient failures are retried until the
// attempt budget is spent; other failures return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if p.Retryable != nil && p.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// Embedder produces vectors of a fixed dimension declared at construction.
type Embedder struct {
	client    Client
	model     string
	dimension int
	policy    RetryPolicy
}

// New creates an Embedder for the given model and output dimension.
func New(client Client, model string, dimension int, policy RetryPolicy) *Embedder {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Embedder{client: client, model: model, dimension: dimension, policy: policy}
}

// Dimension returns the configured output dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed returns the vector for text. Transient remote failures are retried
// per the policy; exhausting it yields an UnavailableError wrapping the last
// cause. Validation failures (empty text) fail immediately without retry.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	var vec []float32
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		v, err := e.client.Embeddings(ctx, e.model, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		if e.policy.Retryable != nil && e.policy.Retryable(err) {
			return nil, &UnavailableError{Err: err}
		}
		return nil, err
	}

	if len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vec), e.dimension)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, bounded by limit parallel calls to
// respect upstream rate limits. Retry backoff is local to each call. The
// result order matches the input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, limit int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 4
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
