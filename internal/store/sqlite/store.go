// Package sqlite implements store.HistoryStore on SQLite in WAL mode so
// every agent goroutine can write history concurrently.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/store"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

var _ store.HistoryStore = (*Store)(nil)

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS replies (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		agent      TEXT NOT NULL,
		rule       TEXT NOT NULL DEFAULT '',
		tier       TEXT NOT NULL,
		username   TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sends (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		agent      TEXT NOT NULL,
		text       TEXT NOT NULL,
		failed     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_replies_agent ON replies(agent, created_at);
	CREATE INDEX IF NOT EXISTS idx_replies_tier ON replies(tier);
	CREATE INDEX IF NOT EXISTS idx_sends_agent ON sends(agent, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// retryOnContention wraps retryOp with the default config. Every write goes
// through it.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) RecordReply(ctx context.Context, r store.ReplyRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	err := retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO replies (agent, rule, tier, username, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.Agent, r.Rule, r.Tier, r.User, r.Content, r.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

func (s *Store) RecordSend(ctx context.Context, r store.SendRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	failed := 0
	if r.Failed {
		failed = 1
	}
	err := retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sends (agent, text, failed, created_at) VALUES (?, ?, ?, ?)`,
			r.Agent, r.Text, failed, r.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	c := store.Counts{RepliesByTier: make(map[string]int64)}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM sends`).Scan(&c.Sends, &c.FailedSends)
	if err != nil {
		return c, fmt.Errorf("count sends: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM replies GROUP BY tier`)
	if err != nil {
		return c, fmt.Errorf("count replies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return c, fmt.Errorf("scan reply count: %w", err)
		}
		c.RepliesByTier[tier] = n
		c.Replies += n
	}
	return c, rows.Err()
}

// RecentReplies returns up to limit replies, newest first.
func (s *Store) RecentReplies(ctx context.Context, limit int) ([]store.ReplyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, rule, tier, username, content, created_at FROM replies ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	var out []store.ReplyRecord
	for rows.Next() {
		var r store.ReplyRecord
		var created string
		if err := rows.Scan(&r.Agent, &r.Rule, &r.Tier, &r.User, &r.Content, &created); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Reset(ctx context.Context) error {
	err := retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM replies`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sends`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}
