package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const maxFetchSize = 10 << 20 // 10MB

// Payload holds the raw bytes of a fetched source plus best-effort metadata.
type Payload struct {
	Body         []byte
	ContentType  string
	LastModified string
}

// Fetcher reads the raw bytes behind a source locator.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) (Payload, error)
}

// HTTPFetcher fetches URL-backed sources.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher wraps client for source fetching. A nil client uses
// http.DefaultClient. Each fetch is bounded by timeout (default 30s).
func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: client, timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src Source) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("building request for %s: %v: %w", src.URL, err, ErrSourceUnavailable)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("fetching %s: %v: %w", src.URL, err, ErrSourceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Payload{}, fmt.Errorf("fetching %s: status %d: %w", src.URL, resp.StatusCode, ErrSourceUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return Payload{}, fmt.Errorf("reading %s: %v: %w", src.URL, err, ErrSourceUnavailable)
	}

	return Payload{
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// FileFetcher reads path-backed sources from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Fetch(_ context.Context, src Source) (Payload, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return Payload{}, fmt.Errorf("statting %s: %v: %w", src.Path, err, ErrSourceUnavailable)
	}

	body, err := os.ReadFile(src.Path)
	if err != nil {
		return Payload{}, fmt.Errorf("reading %s: %v: %w", src.Path, err, ErrSourceUnavailable)
	}

	return Payload{
		Body:         body,
		LastModified: info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}
