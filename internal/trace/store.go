package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a span id has no record.
var ErrNotFound = errors.New("span not found")

// Store persists spans in a local SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the span database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping trace db: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS spans (
			span_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			cmd TEXT NOT NULL,
			cwd TEXT NOT NULL,
			decision TEXT NOT NULL,
			world_id TEXT DEFAULT '',
			exit_code INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			scopes_used TEXT DEFAULT '',
			fs_diff TEXT DEFAULT '',
			replay_context TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create spans table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_spans_agent_id ON spans(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_spans_started_at ON spans(started_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Record inserts a finished span.
func (s *Store) Record(ctx context.Context, span *Span) error {
	rc, err := json.Marshal(span.Replay)
	if err != nil {
		return fmt.Errorf("marshal replay context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spans (span_id, agent_id, cmd, cwd, decision, world_id,
			exit_code, duration_ms, scopes_used, fs_diff, replay_context,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.AgentID, span.Cmd, span.Cwd, span.Decision, span.WorldID,
		span.Exit, span.DurationMS, ScopesUsedString(span.ScopesUsed),
		span.FsDiffJSON, string(rc), span.StartedAt, span.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	return nil
}

// Get returns one span by id.
func (s *Store) Get(ctx context.Context, spanID string) (*Span, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT span_id, agent_id, cmd, cwd, decision, world_id, exit_code,
			duration_ms, scopes_used, fs_diff, replay_context, started_at, finished_at
		FROM spans WHERE span_id = ?`, spanID)
	return scanSpan(row)
}

// Recent lists the latest spans for an agent, newest first.
func (s *Store) Recent(ctx context.Context, agentID string, limit int) ([]*Span, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, agent_id, cmd, cwd, decision, world_id, exit_code,
			duration_ms, scopes_used, fs_diff, replay_context, started_at, finished_at
		FROM spans WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []*Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// Prune removes spans older than the retention window.
func (s *Store) Prune(ctx context.Context, retain time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM spans WHERE started_at < ?", time.Now().Add(-retain))
	if err != nil {
		return 0, fmt.Errorf("prune spans: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*Span, error) {
	var span Span
	var scopes, rc string
	err := row.Scan(&span.ID, &span.AgentID, &span.Cmd, &span.Cwd, &span.Decision,
		&span.WorldID, &span.Exit, &span.DurationMS, &scopes, &span.FsDiffJSON,
		&rc, &span.StartedAt, &span.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan span: %w", err)
	}
	span.ScopesUsed = ScopesFromString(scopes)
	if err := json.Unmarshal([]byte(rc), &span.Replay); err != nil {
		return nil, fmt.Errorf("decode replay context: %w", err)
	}
	return &span, nil
}
