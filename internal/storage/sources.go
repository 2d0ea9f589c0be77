package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/groundgen/groundgen/internal/source"
)

// SaveSource inserts or replaces a registered source.
func (s *Store) SaveSource(src source.Source) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sources (id, kind, url, path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		src.ID, string(src.Kind), src.URL, src.Path, src.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetSource returns the source with the given id, or source.ErrNotFound.
func (s *Store) GetSource(id string) (source.Source, error) {
	row := s.db.QueryRow(`SELECT id, kind, url, path, created_at FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return source.Source{}, fmt.Errorf("source %s: %w", id, source.ErrNotFound)
	}
	return src, err
}

// ListSources returns all registered sources in registration order.
func (s *Store) ListSources() ([]source.Source, error) {
	rows, err := s.db.Query(`SELECT id, kind, url, path, created_at FROM sources ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []source.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (source.Source, error) {
	var src source.Source
	var kind, createdAt string
	if err := row.Scan(&src.ID, &kind, &src.URL, &src.Path, &createdAt); err != nil {
		return source.Source{}, err
	}
	src.Kind = source.Kind(kind)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return source.Source{}, fmt.Errorf("parsing created_at for source %s: %w", src.ID, err)
	}
	src.CreatedAt = t
	return src, nil
}

// AppendVerification appends a record to the verification log. The log is
// append-only: there is no update or delete path.
func (s *Store) AppendVerification(rec source.VerificationRecord, loggedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO verification_log (source_id, hash, captured_at, size, content_type, last_modified, verified, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceID, rec.Hash, rec.CapturedAt.UTC().Format(time.RFC3339), rec.Size,
		rec.ContentType, rec.LastModified, boolToInt(rec.Verified), loggedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending verification for %s: %w", rec.SourceID, err)
	}
	return nil
}

// VerificationsBySource returns the log entries for one source in insertion order.
func (s *Store) VerificationsBySource(sourceID string) ([]source.LogEntry, error) {
	return s.queryLog(`
		SELECT seq, source_id, hash, captured_at, size, content_type, last_modified, verified, logged_at
		FROM verification_log WHERE source_id = ? ORDER BY seq ASC`, sourceID)
}

// ListVerifications returns the full verification log in insertion order.
func (s *Store) ListVerifications() ([]source.LogEntry, error) {
	return s.queryLog(`
		SELECT seq, source_id, hash, captured_at, size, content_type, last_modified, verified, logged_at
		FROM verification_log ORDER BY seq ASC`)
}

func (s *Store) queryLog(query string, args ...any) ([]source.LogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []source.LogEntry
	for rows.Next() {
		var e source.LogEntry
		var capturedAt, loggedAt string
		var verified int
		if err := rows.Scan(&e.Seq, &e.Record.SourceID, &e.Record.Hash, &capturedAt, &e.Record.Size,
			&e.Record.ContentType, &e.Record.LastModified, &verified, &loggedAt); err != nil {
			return nil, err
		}
		e.SourceID = e.Record.SourceID
		e.Record.Verified = verified != 0
		t, err := time.Parse(time.RFC3339, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing captured_at for seq %d: %w", e.Seq, err)
		}
		e.Record.CapturedAt = t
		t, err = time.Parse(time.RFC3339, loggedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing logged_at for seq %d: %w", e.Seq, err)
		}
		e.LoggedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
