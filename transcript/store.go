// Package transcript persists finished runs in SQLite. A Store is a toolloop.RunObserver:
// register it with toolloop.WithRunObserver and every run lands in the database with its
// full conversation.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/skosovsky/toolloop"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	iterations  INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	response_id TEXT NOT NULL DEFAULT '',
	text        TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
CREATE TABLE IF NOT EXISTS items (
	run_id TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	type   TEXT NOT NULL,
	name   TEXT NOT NULL DEFAULT '',
	data   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("transcript: run not found")

// Run is the summary row of a finished run.
type Run struct {
	ID         string
	Provider   string
	Model      string
	Status     string
	Error      string
	Iterations uint32
	StartedAt  time.Time
	FinishedAt time.Time
	ResponseID string
	Text       string
	Usage      toolloop.Usage
}

// Duration is the wall-clock time of the run.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store writes and reads transcripts. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used when RunFinished cannot save a run.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// dataSource sets pragmas in the DSN so every pooled connection gets them, not just the first.
func dataSource(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)"
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dataSource(path))
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying transcript schema: %w", err)
	}
	s := &Store{db: db, logger: slog.Default(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores rec and its conversation in one transaction and returns the new run id.
func (s *Store) Save(ctx context.Context, rec toolloop.RunRecord) (string, error) {
	id := s.newID()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var errText, respID, text string
	var usage toolloop.Usage
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	if rec.Response != nil {
		respID, text, usage = rec.Response.ID, rec.Response.Text, rec.Response.Usage
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, provider, model, status, error, iterations, started_at, finished_at,
			response_id, text, prompt_tokens, completion_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Provider, rec.Model, rec.Status(), errText, rec.Iterations,
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
		respID, text, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO items (run_id, seq, type, name, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for i, item := range rec.Conversation {
		data, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("encoding item %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, id, i, string(item.Type), item.Name, string(data)); err != nil {
			return "", fmt.Errorf("inserting item %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// RunFinished saves rec, logging failures. The run's context may already be cancelled
// (timeouts are recorded too), so only its values are kept.
func (s *Store) RunFinished(ctx context.Context, rec toolloop.RunRecord) {
	ctx = context.WithoutCancel(ctx)
	id, err := s.Save(ctx, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "saving transcript", "provider", rec.Provider, "model", rec.Model, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "transcript saved", "run_id", id, "status", rec.Status())
}

const runColumns = `id, provider, model, status, error, iterations, started_at, finished_at,
	response_id, text, prompt_tokens, completion_tokens, total_tokens`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var started, finished int64
	err := row.Scan(&r.ID, &r.Provider, &r.Model, &r.Status, &r.Error, &r.Iterations, &started, &finished,
		&r.ResponseID, &r.Text, &r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.TotalTokens)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started)
	r.FinishedAt = time.Unix(0, finished)
	return r, nil
}

// Runs returns up to limit runs, newest first. limit <= 0 returns all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// Items returns the conversation of a run in its original order.
func (s *Store) Items(ctx context.Context, runID string) ([]toolloop.ConversationItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM items WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []toolloop.ConversationItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var item toolloop.ConversationItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("decoding item of run %s: %w", runID, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ToolUsage counts how often each tool was called across all runs.
func (s *Store) ToolUsage(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, COUNT(*) FROM items WHERE type = ? GROUP BY name`, string(toolloop.ItemFunctionCall))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

// Delete removes runs that started before cutoff together with their items and reports
// how many runs were removed.
func (s *Store) Delete(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ toolloop.RunObserver = (*Store)(nil)
