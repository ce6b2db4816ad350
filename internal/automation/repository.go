package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TriggerSource records which dispatch path fired a rule.
type TriggerSource string

// Dispatch paths.
const (
	SourceState TriggerSource = "state"
	SourceTime  TriggerSource = "time"
)

// RunStatus is the lifecycle state of one rule execution.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped" // a condition action ended the sequence
	RunFailed    RunStatus = "failed"
)

// Run is the record of one execution of a rule's action sequence.
type Run struct {
	ID            string
	RuleKey       string
	RuleName      string
	TriggerSource TriggerSource
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        RunStatus
	CommandsSent  int
	Error         *string
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunRecorder receives run lifecycle events from the Engine. Errors are
// logged by the engine and never affect the run.
type RunRecorder interface {
	RunStarted(ctx context.Context, run *Run) error
	RunFinished(ctx context.Context, run *Run) error
}

// RunRepository persists run history.
type RunRepository interface {
	RunRecorder
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, ruleKey string, limit int) ([]Run, error)
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// timestampLayout is fixed-width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// runColumns is the SELECT column list for run queries.
const runColumns = `id, rule_key, rule_name, trigger_source, started_at, completed_at,
			status, commands_sent, error`

// SQLiteRunRepository implements RunRepository using SQLite.
type SQLiteRunRepository struct {
	db *sql.DB
}

// NewSQLiteRunRepository creates a new SQLite-backed run history.
func NewSQLiteRunRepository(db *sql.DB) *SQLiteRunRepository {
	return &SQLiteRunRepository{db: db}
}

// RunStarted inserts a new run record.
func (r *SQLiteRunRepository) RunStarted(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO rule_runs (
			id, rule_key, rule_name, trigger_source, started_at, completed_at,
			status, commands_sent, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.RuleKey,
		run.RuleName,
		string(run.TriggerSource),
		run.StartedAt.UTC().Format(timestampLayout),
		nullableTime(run.CompletedAt),
		string(run.Status),
		run.CommandsSent,
		nullableString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// RunFinished records the outcome of a run.
func (r *SQLiteRunRepository) RunFinished(ctx context.Context, run *Run) error {
	query := `
		UPDATE rule_runs SET
			completed_at = ?, status = ?, commands_sent = ?, error = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		nullableTime(run.CompletedAt),
		string(run.Status),
		run.CommandsSent,
		nullableString(run.Error),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLiteRunRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM rule_runs WHERE id = ?`

	run, err := scanRunRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first. An empty ruleKey
// lists runs of every rule.
func (r *SQLiteRunRepository) ListRuns(ctx context.Context, ruleKey string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM rule_runs
		WHERE (? = '' OR rule_key = ?)
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, ruleKey, ruleKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, scanErr := scanRunRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes finished runs that started before olderThan and returns
// how many were removed. Runs still marked running are kept.
func (r *SQLiteRunRepository) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rule_runs WHERE started_at < ? AND status != ?`,
		olderThan.UTC().Format(timestampLayout),
		string(RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(scanner rowScanner) (*Run, error) {
	var run Run
	var startedAt, source, status string
	var completedAt, runErr sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.RuleKey,
		&run.RuleName,
		&source,
		&startedAt,
		&completedAt,
		&status,
		&run.CommandsSent,
		&runErr,
	)
	if err != nil {
		return nil, err
	}

	run.TriggerSource = TriggerSource(source)
	run.Status = RunStatus(status)
	if t, parseErr := time.Parse(timestampLayout, startedAt); parseErr == nil {
		run.StartedAt = t
	}
	if completedAt.Valid {
		if t, parseErr := time.Parse(timestampLayout, completedAt.String); parseErr == nil {
			run.CompletedAt = &t
		}
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	return &run, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timestampLayout), Valid: true}
}
