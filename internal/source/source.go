// Package source defines data sources, their verification records, and the
// Verifier that gates every downstream pipeline stage. Content that has not
// passed through the Verifier cannot enter the chunking and embedding path:
// the only way to obtain a VerifiedSource is Verifier.Verify.
package source

import (
	"errors"
	"time"
)

// Kind tags what a source claims to be. The tag is recorded in vector
// metadata so retrieved context can be traced back to its origin class.
type Kind string

const (
	KindWebsite            Kind = "official_website"
	KindAnnualReport       Kind = "annual_report"
	KindGovernmentRegistry Kind = "government_registry"
	KindGuidelines         Kind = "guidelines"
	KindFile               Kind = "file"
	KindText               Kind = "text"
)

// ErrSourceUnavailable is returned when a source locator cannot be read:
// missing file, network error, or non-2xx HTTP response.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrSourceEmpty is returned when a source resolves to zero bytes.
var ErrSourceEmpty = errors.New("source has no content")

// ErrNotFound is returned when a source id is not registered.
var ErrNotFound = errors.New("source not found")

// Source identifies a registered data source. Raw bytes are fetched lazily
// during verification and are never persisted by the core.
type Source struct {
	ID        string
	Kind      Kind
	URL       string
	Path      string
	CreatedAt time.Time
}

// Locator returns the URL or path the source resolves through.
func (s Source) Locator() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// VerificationRecord is the immutable proof that a source's content was
// fetched and fingerprinted. Re-verifying a source produces a new record
// superseding this one for trust purposes; both remain in the append-only
// verification log.
type VerificationRecord struct {
	SourceID     string    `json:"source_id"`
	Hash         string    `json:"hash"`
	CapturedAt   time.Time `json:"captured_at"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Verified     bool      `json:"verified"`
}

// LogEntry is one row of the append-only verification log.
type LogEntry struct {
	Seq      int64
	SourceID string
	Record   VerificationRecord
	LoggedAt time.Time
}
