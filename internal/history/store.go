package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	_ "modernc.org/sqlite"
)

// Message is one chat message recorded under a thread.
type Message struct {
	ID        int64
	ThreadID  string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store keeps per-thread chat history in SQLite. In ephemeral mode history
// lives in memory for the life of the process.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	memory map[string][]Message
	nextID int64
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, memory: make(map[string][]Message)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if err := s.clearAll(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session history: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS threads (
    thread_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) clearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads`)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records messages under threadID atomically, creating the thread on
// first use.
func (s *Store) Append(ctx context.Context, threadID string, msgs ...Message) error {
	if threadID == "" {
		return errors.New("thread id required")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := s.clock().UTC()
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, m := range msgs {
			s.nextID++
			m.ID = s.nextID
			m.ThreadID = threadID
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			s.memory[threadID] = append(s.memory[threadID], m)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO threads(thread_id, created_at, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET updated_at=excluded.updated_at`,
		threadID, now.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(thread_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			threadID, m.Role, m.Content, created.UTC().UnixNano()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// List returns every message of threadID in insertion order.
func (s *Store) List(ctx context.Context, threadID string) ([]Message, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]Message(nil), s.memory[threadID]...), nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, created_at
		 FROM messages WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Clear forgets a thread.
func (s *Store) Clear(ctx context.Context, threadID string) error {
	if s.db == nil {
		s.mu.Lock()
		delete(s.memory, threadID)
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM threads WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxThreads > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id IN (
			SELECT thread_id FROM threads ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxThreads)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
