package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrEmptyStore is returned by searches against a store with no passages.
var ErrEmptyStore = errors.New("knowledge store is empty")

// Passage is a stored piece of text.
type Passage struct {
	ID        string
	Source    string
	Content   string
	CreatedAt time.Time
}

// ScoredPassage pairs a passage with its cosine similarity to a query.
// Higher is more relevant.
type ScoredPassage struct {
	Passage Passage
	Score   float64
}

// Store is a SQLite-backed vector store. Embeddings are kept as little-endian
// float32 blobs and compared by brute-force cosine similarity.
type Store struct {
	db       *sql.DB
	embedder Embedder
	log      *slog.Logger
	clock    func() time.Time
}

// Open creates or opens the store at path.
func Open(ctx context.Context, path string, embedder Embedder, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create knowledge dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, embedder: embedder, log: log.With(slog.String("component", "knowledge-store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS passages (
    id TEXT PRIMARY KEY,
    source TEXT,
    content TEXT NOT NULL,
    embedding BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_passages_source ON passages(source);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init knowledge schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTexts embeds texts and stores them under source. Empty texts are skipped.
func (s *Store) AddTexts(ctx context.Context, texts []string, source string) ([]string, error) {
	kept := make([]string, 0, len(texts))
	for _, text := range texts {
		if text != "" {
			kept = append(kept, text)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, kept)
	if err != nil {
		return nil, fmt.Errorf("embed texts: %w", err)
	}
	if len(vectors) != len(kept) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(kept))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO passages(id, source, content, embedding, created_at) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := s.clock().UTC().UnixNano()
	ids := make([]string, len(kept))
	for i, text := range kept {
		ids[i] = uuid.NewString()
		if _, err := stmt.ExecContext(ctx, ids[i], source, text, encodeVector(vectors[i]), now); err != nil {
			return nil, fmt.Errorf("insert passage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Count returns the number of stored passages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SimilaritySearch returns up to k passages ordered by descending score.
func (s *Store) SimilaritySearch(ctx context.Context, query string, k int) ([]ScoredPassage, error) {
	if k <= 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for query", len(vectors))
	}
	queryVec := vectors[0]

	rows, err := s.db.QueryContext(ctx, `SELECT id, source, content, embedding, created_at FROM passages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []ScoredPassage
	for rows.Next() {
		var (
			p       Passage
			source  sql.NullString
			blob    []byte
			created int64
		)
		if err := rows.Scan(&p.ID, &source, &p.Content, &blob, &created); err != nil {
			return nil, err
		}
		p.Source = source.String
		p.CreatedAt = time.Unix(0, created).UTC()
		vec, err := decodeVector(blob)
		if err != nil {
			s.log.Warn("skipping passage with corrupt embedding", slog.String("id", p.ID), slogError(err))
			continue
		}
		scored = append(scored, ScoredPassage{Passage: p, Score: cosine(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, ErrEmptyStore
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// DeleteSource removes every passage added under source.
func (s *Store) DeleteSource(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE source = ?`, source)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// cosine returns 0 for mismatched or zero vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
