package storage

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// SearchKeyword runs a porter-stemmed full-text query over title + content
// and returns up to limit candidates ordered best-first. The native score is
// the FTS5 bm25 rank (negative; lower = better). Soft-deleted records are
// filtered at the SQL level.
func (s *Store) SearchKeyword(ctx context.Context, query, category string, limit int) ([]Candidate, error) {
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}

	sqlQuery := `SELECT m.id, f.rank
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL`
	args := []any{match}
	if category != "" {
		sqlQuery += ` AND m.category = ?`
		args = append(args, category)
	}
	sqlQuery += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	return s.scanCandidates(ctx, sqlQuery, args...)
}

// SearchFuzzy matches OR-joined trigrams of the query against the
// trigram-tokenized index. Documents sharing more trigrams rank higher,
// which catches typos and substrings the stemmed index misses.
func (s *Store) SearchFuzzy(ctx context.Context, query, category string, limit int) ([]Candidate, error) {
	match := trigramQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlQuery := `SELECT m.id, f.rank
		FROM memories_trgm f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_trgm MATCH ? AND m.deleted_at IS NULL`
	args := []any{match}
	if category != "" {
		sqlQuery += ` AND m.category = ?`
		args = append(args, category)
	}
	sqlQuery += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	return s.scanCandidates(ctx, sqlQuery, args...)
}

// SearchVector performs brute-force cosine similarity over all active records
// that carry an embedding, returning the top candidates by descending
// similarity. Records without a vector are excluded, not scored as zero.
func (s *Store) SearchVector(ctx context.Context, vector []float32, category string, limit int) ([]Candidate, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || limit <= 0 {
		return nil, nil
	}

	sqlQuery := `SELECT id, embedding FROM memories
		WHERE deleted_at IS NULL AND embedding IS NOT NULL`
	args := []any{}
	if category != "" {
		sqlQuery += ` AND category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer avoids a decode allocation per row.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < limit {
			heap.Push(h, Candidate{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Candidate{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	// Pop off the min-heap into descending order.
	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out, nil
}

func (s *Store) scanCandidates(ctx context.Context, query string, args ...any) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("running signal query: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Score); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ftsQuote turns free text into a safe FTS5 match expression: each token is
// double-quoted so user input can't hit FTS5 query syntax (NEAR, *, -).
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// trigramQuery lowercases the input and joins its distinct trigrams with OR.
// Queries shorter than three runes can't form a trigram and return "".
func trigramQuery(query string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(query)))
	if len(runes) < 3 {
		return ""
	}
	seen := make(map[string]struct{})
	var parts []string
	for i := 0; i+3 <= len(runes); i++ {
		tri := string(runes[i : i+3])
		if _, ok := seen[tri]; ok {
			continue
		}
		seen[tri] = struct{}{}
		parts = append(parts, `"`+strings.ReplaceAll(tri, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
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
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it across rows.
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
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * |b|).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float64) float64 {
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
	return dot / (aNorm * bNorm)
}

// candidateHeap is a min-heap of Candidate ordered by Score, used to track
// the running top-K during the vector scan.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
