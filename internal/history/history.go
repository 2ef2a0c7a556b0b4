// Package history keeps a sqlite record of every run and its task results.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/shipforge/internal/task"
)

// Run status values beyond task.RunStatus.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	macro        TEXT NOT NULL,
	status       TEXT NOT NULL,
	planned      TEXT NOT NULL DEFAULT '[]',
	started_at   TEXT NOT NULL,
	ended_at     TEXT,
	duration_ns  INTEGER NOT NULL DEFAULT 0,
	failed_task  TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	hostname     TEXT NOT NULL DEFAULT '',
	pid          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	task_id     TEXT NOT NULL,
	endpoint    TEXT NOT NULL,
	command     TEXT NOT NULL,
	state       INTEGER NOT NULL,
	exit_status INTEGER NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	output      TEXT NOT NULL DEFAULT '',
	truncated   INTEGER NOT NULL DEFAULT 0,
	log_file    TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	ended_at    TEXT NOT NULL,
	duration_ns INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Run is one recorded run.
type Run struct {
	RunID       string        `json:"run_id"`
	Macro       string        `json:"macro"`
	Status      string        `json:"status"`
	Planned     []string      `json:"planned"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	FailedTask  string        `json:"failed_task,omitempty"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Results     []task.Result `json:"results,omitempty"`
}

// Store is a sqlite-backed run history. Safe for concurrent use.
type Store struct {
	db    *sql.DB
	alive func(hostname string, pid int) bool
}

// DefaultPath returns the default history database path.
func DefaultPath() string {
	return filepath.Join(".shipforge", "history.db")
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// one writer at a time; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db, alive: ownerAlive}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a run as running before its first task.
func (s *Store) Start(ctx context.Context, runID, macro string, planned []string, startedAt time.Time) error {
	plannedJSON, err := json.Marshal(nonNil(planned))
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, macro, status, planned, started_at, hostname, pid) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, planned = excluded.planned`,
		runID, macro, StatusRunning, string(plannedJSON), formatTime(startedAt), host, os.Getpid())
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// Record stores the final report and its results, replacing anything
// recorded for the same run id.
func (s *Store) Record(ctx context.Context, r *task.Report) error {
	plannedJSON, err := json.Marshal(nonNil(r.Planned))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, macro, status, planned, started_at, ended_at, duration_ns, failed_task, failure_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
			macro = excluded.macro, status = excluded.status, planned = excluded.planned,
			started_at = excluded.started_at, ended_at = excluded.ended_at,
			duration_ns = excluded.duration_ns, failed_task = excluded.failed_task,
			failure_kind = excluded.failure_kind, error = excluded.error`,
		r.RunID, r.Macro, string(r.Status), string(plannedJSON), formatTime(r.StartedAt), formatTime(r.EndedAt),
		int64(r.Duration), r.FailedTask, string(r.FailureKind), r.Error)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, r.RunID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for i, res := range r.Results {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results (run_id, seq, task_id, endpoint, command, state, exit_status, kind, error, output, truncated, log_file, started_at, ended_at, duration_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, i, res.TaskID, res.Endpoint, res.Command, int(res.State), res.ExitStatus,
			string(res.Kind), res.Error, res.Output, res.Truncated, res.LogFile,
			formatTime(res.StartedAt), formatTime(res.EndedAt), int64(res.Duration))
		if err != nil {
			return fmt.Errorf("record result %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// RecoverInterrupted marks runs left in the running state by a killed
// process on this machine as interrupted. Runs owned by a live process or
// by another machine are left alone. Returns the number of runs recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, hostname, pid FROM runs WHERE status = ?`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	var dead []string
	for rows.Next() {
		var (
			runID, hostname string
			pid             int
		)
		if err := rows.Scan(&runID, &hostname, &pid); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan run: %w", err)
		}
		if !s.alive(hostname, pid) {
			dead = append(dead, runID)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, runID := range dead {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = 'interrupted: process exited before the run finished' WHERE run_id = ? AND status = ?`,
			StatusInterrupted, runID, StatusRunning)
		if err != nil {
			return 0, fmt.Errorf("mark %s interrupted: %w", runID, err)
		}
	}
	return len(dead), nil
}

// ownerAlive reports whether the process that started a run may still be
// running. A run from another machine is assumed alive.
func ownerAlive(hostname string, pid int) bool {
	host, _ := os.Hostname()
	if hostname != "" && hostname != host {
		return true
	}
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// List returns the most recent runs first, without results. limit <= 0
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, macro, status, planned, started_at, ended_at, duration_ns, failed_task, failure_kind, error
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Get returns one run with its results.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, macro, status, planned, started_at, ended_at, duration_ns, failed_task, failure_kind, error
		 FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, endpoint, command, state, exit_status, kind, error, output, truncated, log_file, started_at, ended_at, duration_ns
		 FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			res            task.Result
			state          int
			kind           string
			started, ended string
			durationNS     int64
		)
		if err := rows.Scan(&res.TaskID, &res.Endpoint, &res.Command, &state, &res.ExitStatus, &kind,
			&res.Error, &res.Output, &res.Truncated, &res.LogFile, &started, &ended, &durationNS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.State = task.State(state)
		res.Kind = task.FailureKind(kind)
		res.StartedAt = parseTime(started)
		res.EndedAt = parseTime(ended)
		res.Duration = time.Duration(durationNS)
		r.Results = append(r.Results, res)
	}
	return r, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r          Run
		planned    string
		started    string
		ended      sql.NullString
		durationNS int64
	)
	if err := sc.Scan(&r.RunID, &r.Macro, &r.Status, &planned, &started, &ended, &durationNS,
		&r.FailedTask, &r.FailureKind, &r.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(planned), &r.Planned); err != nil {
		return nil, fmt.Errorf("parse planned tasks of %s: %w", r.RunID, err)
	}
	r.StartedAt = parseTime(started)
	if ended.Valid {
		r.EndedAt = parseTime(ended.String)
	}
	r.Duration = time.Duration(durationNS)
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
