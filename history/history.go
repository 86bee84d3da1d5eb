// Package history archives closed calls in SQLite.
package history

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

	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/timeline"
)

// ErrNotFound is returned by Get for unknown call IDs.
var ErrNotFound = errors.New("history: call not found")

// DefaultLimit is the number of calls List returns when no limit is given.
const DefaultLimit = 100

// ResolveTimeout bounds how long Archive waits for a call's schema.
const ResolveTimeout = 5 * time.Second

// Store is an SQLite-backed archive of call views.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at path. ":memory:" opens a private
// in-memory archive.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS calls (
		id          TEXT PRIMARY KEY,
		start_time  INTEGER NOT NULL,
		authority   TEXT NOT NULL,
		method      TEXT NOT NULL,
		server_rule TEXT NOT NULL DEFAULT '',
		code        INTEGER NOT NULL,
		status_name TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL,
		inputs      INTEGER NOT NULL,
		outputs     INTEGER NOT NULL,
		rewritten   INTEGER NOT NULL,
		view        TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calls_start_time ON calls(start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_calls_method ON calls(method);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores v, replacing an earlier copy of the same call.
func (s *Store) Save(ctx context.Context, v timeline.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("history: marshal view: %w", err)
	}

	const q = `
	INSERT OR REPLACE INTO calls (
		id, start_time, authority, method, server_rule, code, status_name,
		message, duration_ns, inputs, outputs, rewritten, view
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		v.ID,
		v.StartTime.UnixNano(),
		v.Authority,
		v.Method,
		v.ServerRule,
		v.Code,
		v.StatusName,
		v.Message,
		int64(v.Duration),
		v.Inputs,
		v.Outputs,
		v.Rewritten,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("history: save %s: %w", v.ID, err)
	}
	return nil
}

// Archive waits up to ResolveTimeout for the call's schema, so message
// bodies are stored decoded when possible, and saves its view.
func (s *Store) Archive(ctx context.Context, tl *timeline.Timeline, lookup func(authority string) *schema.Reference) error {
	if lookup != nil {
		rctx, cancel := context.WithTimeout(ctx, ResolveTimeout)
		_, _ = tl.Resolve(rctx, lookup)
		cancel()
	}
	return s.Save(ctx, tl.View())
}

// Query filters List.
type Query struct {
	// Method matches method names containing it.
	Method string
	// Authority matches exactly when non-empty.
	Authority string
	// Limit caps the result; <= 0 selects DefaultLimit.
	Limit int
}

// List returns the summaries of archived calls, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]timeline.Summary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	const query = `
	SELECT id, start_time, authority, method, server_rule, code, status_name,
	       message, duration_ns, inputs, outputs, rewritten
	FROM calls
	WHERE (? = '' OR instr(method, ?) > 0)
	  AND (? = '' OR authority = ?)
	ORDER BY start_time DESC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, q.Method, q.Method, q.Authority, q.Authority, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []timeline.Summary
	for rows.Next() {
		var (
			sum      timeline.Summary
			start    int64
			duration int64
		)
		if err := rows.Scan(
			&sum.ID, &start, &sum.Authority, &sum.Method, &sum.ServerRule,
			&sum.Code, &sum.StatusName, &sum.Message, &duration,
			&sum.Inputs, &sum.Outputs, &sum.Rewritten,
		); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		sum.StartTime = time.Unix(0, start)
		sum.Duration = time.Duration(duration)
		sum.Closed = true
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Get returns the archived view of call id.
func (s *Store) Get(ctx context.Context, id string) (timeline.View, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT view FROM calls WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return timeline.View{}, fmt.Errorf("history: get %s: %w", id, err)
	}

	var v timeline.View
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return timeline.View{}, fmt.Errorf("history: decode %s: %w", id, err)
	}
	return v, nil
}

// Prune deletes all but the newest keep calls and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM calls WHERE id NOT IN (
		SELECT id FROM calls ORDER BY start_time DESC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return n, nil
}
