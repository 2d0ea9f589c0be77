package source

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists registered sources and the append-only verification log.
// Implemented by storage.Store.
type Store interface {
	SaveSource(src Source) error
	GetSource(id string) (Source, error)
	ListSources() ([]Source, error)
	AppendVerification(rec VerificationRecord, loggedAt time.Time) error
	VerificationsBySource(sourceID string) ([]LogEntry, error)
	ListVerifications() ([]LogEntry, error)
}

// Status is a source plus its current verification state, for listings.
type Status struct {
	Source         Source
	Verified       bool
	LastVerifiedAt time.Time
	LastHash       string
}

// Manager is the registry of sources. It owns registration, verification
// (delegated to the Verifier), and the verification log.
type Manager struct {
	store    Store
	verifier *Verifier
	now      func() time.Time
}

func NewManager(store Store, verifier *Verifier) *Manager {
	return &Manager{store: store, verifier: verifier, now: time.Now}
}

// Add registers a source. An empty ID gets a generated one. Exactly one of
// URL or Path must be set.
func (m *Manager) Add(src Source) (Source, error) {
	if src.URL == "" && src.Path == "" {
		return Source{}, fmt.Errorf("source requires a url or a path")
	}
	if src.URL != "" && src.Path != "" {
		return Source{}, fmt.Errorf("source cannot have both a url and a path")
	}
	if src.Kind == "" {
		if src.URL != "" {
			src.Kind = KindWebsite
		} else {
			src.Kind = KindFile
		}
	}
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = m.now().UTC()
	}
	if err := m.store.SaveSource(src); err != nil {
		return Source{}, fmt.Errorf("saving source %s: %w", src.ID, err)
	}
	return src, nil
}

// Verify fetches and fingerprints the registered source, appending the new
// record to the verification log. A failed verification leaves no log entry.
// Re-verifying appends a superseding record; earlier entries are retained
// for audit.
func (m *Manager) Verify(ctx context.Context, sourceID string) (VerifiedSource, error) {
	src, err := m.store.GetSource(sourceID)
	if err != nil {
		return VerifiedSource{}, err
	}

	vs, err := m.verifier.Verify(ctx, src)
	if err != nil {
		return VerifiedSource{}, err
	}

	if err := m.store.AppendVerification(vs.Record(), m.now().UTC()); err != nil {
		return VerifiedSource{}, fmt.Errorf("logging verification of %s: %w", sourceID, err)
	}
	return vs, nil
}

// List returns all registered sources with their verification status, taken
// from the latest log entry per source.
func (m *Manager) List() ([]Status, error) {
	sources, err := m.store.ListSources()
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(sources))
	for _, src := range sources {
		entries, err := m.store.VerificationsBySource(src.ID)
		if err != nil {
			return nil, fmt.Errorf("loading verifications for %s: %w", src.ID, err)
		}
		st := Status{Source: src}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			st.Verified = last.Record.Verified
			st.LastVerifiedAt = last.Record.CapturedAt
			st.LastHash = last.Record.Hash
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Log returns the verification log for one source, in insertion order.
func (m *Manager) Log(sourceID string) ([]LogEntry, error) {
	if _, err := m.store.GetSource(sourceID); err != nil {
		return nil, err
	}
	return m.store.VerificationsBySource(sourceID)
}

// LogAll returns the full verification log in insertion order.
func (m *Manager) LogAll() ([]LogEntry, error) {
	return m.store.ListVerifications()
}
