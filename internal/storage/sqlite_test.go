package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/groundgen/groundgen/internal/source"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration set is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestSourceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	src := source.Source{
		ID:        "org_website",
		Kind:      source.KindWebsite,
		URL:       "https://example.org",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.SaveSource(src); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}

	got, err := s.GetSource("org_website")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got != src {
		t.Errorf("GetSource = %+v, want %+v", got, src)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSource("missing")
	if !errors.Is(err, source.ErrNotFound) {
		t.Errorf("error = %v, want source.ErrNotFound", err)
	}
}

func TestListSourcesOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		src := source.Source{
			ID:        fmt.Sprintf("src-%d", i),
			Kind:      source.KindFile,
			Path:      fmt.Sprintf("/data/%d.txt", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveSource(src); err != nil {
			t.Fatalf("SaveSource: %v", err)
		}
	}

	sources, err := s.ListSources()
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("len = %d, want 3", len(sources))
	}
	for i, src := range sources {
		want := fmt.Sprintf("src-%d", i)
		if src.ID != want {
			t.Errorf("sources[%d].ID = %s, want %s", i, src.ID, want)
		}
	}
}

func TestVerificationLogAppendOnlyOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []source.VerificationRecord{
		{SourceID: "a", Hash: "h1", CapturedAt: base, Size: 10, Verified: true},
		{SourceID: "b", Hash: "h2", CapturedAt: base.Add(time.Minute), Size: 20, Verified: true},
		{SourceID: "a", Hash: "h3", CapturedAt: base.Add(2 * time.Minute), Size: 11, Verified: true},
	}
	for i, rec := range records {
		if err := s.AppendVerification(rec, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("AppendVerification: %v", err)
		}
	}

	all, err := s.ListVerifications()
	if err != nil {
		t.Fatalf("ListVerifications: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Errorf("log not in insertion order: seq %d after %d", all[i].Seq, all[i-1].Seq)
		}
	}
	if all[0].Record.Hash != "h1" || all[2].Record.Hash != "h3" {
		t.Errorf("unexpected ordering: %s, %s, %s", all[0].Record.Hash, all[1].Record.Hash, all[2].Record.Hash)
	}

	forA, err := s.VerificationsBySource("a")
	if err != nil {
		t.Fatalf("VerificationsBySource: %v", err)
	}
	if len(forA) != 2 {
		t.Fatalf("entries for a = %d, want 2", len(forA))
	}
	if forA[0].Record.Hash != "h1" || forA[1].Record.Hash != "h3" {
		t.Errorf("wrong entries for a: %s, %s", forA[0].Record.Hash, forA[1].Record.Hash)
	}

	// Full record fields survive the round trip.
	if forA[1].Record.CapturedAt != base.Add(2*time.Minute) {
		t.Errorf("captured_at = %v", forA[1].Record.CapturedAt)
	}
	if forA[1].Record.Size != 11 {
		t.Errorf("size = %d, want 11", forA[1].Record.Size)
	}
}
