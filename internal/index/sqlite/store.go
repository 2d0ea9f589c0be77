// Package sqlite is the default Index backend: brute-force cosine similarity
// over vectors stored in the groundgen SQLite database. Good for tens of
// thousands of vectors; swap in a remote ANN-backed Index when a corpus
// outgrows it.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/groundgen/groundgen/internal/index"
	"github.com/groundgen/groundgen/internal/source"
)

// Compile-time check that Store implements index.Index.
var _ index.Index = (*Store)(nil)

// Store provides vector storage and similarity search backed by SQLite.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB for vector operations. The namespaces and
// vectors tables must already exist (created via storage migrations).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureNamespace records the namespace configuration, or verifies it when
// the namespace already exists.
func (s *Store) EnsureNamespace(ctx context.Context, name string, dimension int, metric index.Metric) error {
	if dimension <= 0 {
		return fmt.Errorf("namespace %s: dimension must be positive, got %d", name, dimension)
	}

	existing, err := s.namespaceDimension(ctx, name)
	if err == nil {
		if existing != dimension {
			return &index.DimensionError{Namespace: name, Want: existing, Got: dimension}
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking namespace %s: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO namespaces (name, dimension, metric, created_at)
		VALUES (?, ?, ?, ?)`,
		name, dimension, string(metric), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	return nil
}

func (s *Store) namespaceDimension(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM namespaces WHERE name = ?`, name).Scan(&dim)
	return dim, err
}

// Upsert writes records in batches of batchSize. Each batch is one
// transaction: it applies fully or not at all. A failed batch is reported
// in the returned *index.UpsertError without blocking later batches.
func (s *Store) Upsert(ctx context.Context, namespace string, records []index.Record, batchSize int) error {
	dim, err := s.namespaceDimension(ctx, namespace)
	if err == sql.ErrNoRows {
		return fmt.Errorf("upsert into %s: %w", namespace, index.ErrNamespaceNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking namespace %s: %w", namespace, err)
	}

	batches := index.SplitBatches(records, batchSize)

	var failed []int
	var lastErr error
	applied := 0
	for i, batch := range batches {
		if err := s.upsertBatch(ctx, namespace, dim, batch); err != nil {
			failed = append(failed, i)
			lastErr = err
			continue
		}
		applied++
	}

	if len(failed) > 0 {
		return &index.UpsertError{Namespace: namespace, FailedBatches: failed, Applied: applied, Err: lastErr}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, namespace string, dim int, batch []index.Record) error {
	for _, r := range batch {
		if len(r.Values) != dim {
			return &index.DimensionError{Namespace: namespace, Want: dim, Got: len(r.Values)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vectors
			(namespace, id, embedding, text_chunk, chunk_index, source_id, section, captured_at, verified, verification_json, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		m := r.Metadata
		verification, err := json.Marshal(m.Verification)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshalling verification for %s: %w", r.ID, err)
		}
		extra := []byte("{}")
		if len(m.Extra) > 0 {
			extra, err = json.Marshal(m.Extra)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshalling extra metadata for %s: %w", r.ID, err)
			}
		}

		_, err = stmt.ExecContext(ctx, namespace, r.ID, encodeFloat32s(r.Values), m.Text, m.ChunkIndex,
			m.SourceID, m.Section, m.CapturedAt.UTC().Format(time.RFC3339), boolToInt(m.Verified),
			string(verification), string(extra))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the id and score during the scan phase of Query. Full
// records are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs a brute-force cosine scan over the namespace, returning the
// top-K most similar records ordered by descending score, ties broken by
// ascending id.
func (s *Store) Query(ctx context.Context, namespace string, vector []float32, topK int, filter *index.Filter) ([]index.Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k %d must be positive: %w", topK, index.ErrInvalidQuery)
	}

	dim, err := s.namespaceDimension(ctx, namespace)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("query of %s: %w", namespace, index.ErrNamespaceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checking namespace %s: %w", namespace, err)
	}
	if len(vector) != dim {
		return nil, &index.DimensionError{Namespace: namespace, Want: dim, Got: len(vector)}
	}

	query := `SELECT id, embedding FROM vectors WHERE namespace = ?`
	args := []any{namespace}
	if filter != nil {
		if filter.SourceID != "" {
			query += ` AND source_id = ?`
			args = append(args, filter.SourceID)
		}
		if filter.Section != "" {
			query += ` AND section = ?`
			args = append(args, filter.Section)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		candidate := idScore{ID: id, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, candidate)
		} else if better(candidate, (*h)[0]) {
			(*h)[0] = candidate
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float32, h.Len())
	ids := make([]any, 0, h.Len())
	placeholders := ""
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		ids = append(ids, item.ID)
		if placeholders != "" {
			placeholders += ","
		}
		placeholders += "?"
	}

	fullQuery := `SELECT id, embedding, text_chunk, chunk_index, source_id, section, captured_at, verified, verification_json, extra_json
		FROM vectors WHERE namespace = ? AND id IN (` + placeholders + `)`
	fullArgs := append([]any{namespace}, ids...)

	fullRows, err := s.db.QueryContext(ctx, fullQuery, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-k records: %w", err)
	}
	defer fullRows.Close()

	var matches []index.Match
	for fullRows.Next() {
		rec, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, index.Match{Record: rec, Score: scores[rec.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	// The IN query does not preserve ranking.
	index.SortMatches(matches)
	return matches, nil
}

func scanRecord(rows *sql.Rows) (index.Record, error) {
	var rec index.Record
	var blob []byte
	var capturedAt, verificationJSON, extraJSON string
	var verified int
	if err := rows.Scan(&rec.ID, &blob, &rec.Metadata.Text, &rec.Metadata.ChunkIndex, &rec.Metadata.SourceID,
		&rec.Metadata.Section, &capturedAt, &verified, &verificationJSON, &extraJSON); err != nil {
		return index.Record{}, fmt.Errorf("scanning record: %w", err)
	}

	values, err := decodeFloat32s(blob)
	if err != nil {
		return index.Record{}, fmt.Errorf("decoding embedding for %s: %w", rec.ID, err)
	}
	rec.Values = values
	rec.Metadata.Verified = verified != 0

	t, err := time.Parse(time.RFC3339, capturedAt)
	if err != nil {
		return index.Record{}, fmt.Errorf("parsing captured_at for %s: %w", rec.ID, err)
	}
	rec.Metadata.CapturedAt = t

	var verification source.VerificationRecord
	if err := json.Unmarshal([]byte(verificationJSON), &verification); err != nil {
		return index.Record{}, fmt.Errorf("parsing verification for %s: %w", rec.ID, err)
	}
	rec.Metadata.Verification = verification

	if extraJSON != "" && extraJSON != "{}" {
		if err := json.Unmarshal([]byte(extraJSON), &rec.Metadata.Extra); err != nil {
			return index.Record{}, fmt.Errorf("parsing extra metadata for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// Count returns the number of vectors stored in the namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE namespace = ?`, namespace).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it across
// scan rows.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// better reports whether a outranks b: higher score, or same score and
// lexicographically smaller id.
func better(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// idScoreHeap is a min-heap keeping the current worst candidate at the root
// so the scan can evict it cheaply.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
