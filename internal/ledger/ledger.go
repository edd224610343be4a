// Package ledger persists pipeline runs and their stage executions in
// Postgres.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/dqflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schemaSQL string

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RunRecord struct {
	RunID         string
	Tier          domain.Tier
	Pipeline      string
	Status        domain.RunStatus
	Outcome       domain.BranchOutcome
	StartedAt     time.Time
	FinishedAt    *time.Time
	FailureReason string
}

type StageRecord struct {
	ID           string
	RunID        string
	TaskID       string
	Kind         domain.TaskKind
	State        domain.TaskState
	ExitCode     *int
	Outcome      domain.BranchOutcome
	Command      string
	ErrorMessage string
	StartedAt    *time.Time
	Duration     time.Duration
}

const (
	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		tier,
		pipeline,
		status,
		started_at
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (run_id) DO NOTHING`

	finishRunQuery = `UPDATE pipeline_runs
	 SET status = $2, outcome = $3, finished_at = $4, failure_reason = $5
	 WHERE run_id = $1 AND status = 'running'`

	selectRunQuery = `SELECT run_id, tier, pipeline, status, outcome, started_at, finished_at, failure_reason
	 FROM pipeline_runs
	 WHERE run_id = $1`

	listRunsQuery = `SELECT run_id, tier, pipeline, status, outcome, started_at, finished_at, failure_reason
	 FROM pipeline_runs
	 WHERE ($1 = '' OR tier = $1)
	 ORDER BY started_at DESC, run_id ASC
	 LIMIT $2`

	insertStageQuery = `INSERT INTO stage_executions (
		stage_execution_id,
		run_id,
		task_id,
		kind,
		state,
		exit_code,
		outcome,
		command,
		error_message,
		started_at,
		duration_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (run_id, task_id) DO NOTHING
	RETURNING stage_execution_id, run_id, task_id, kind, state, exit_code, outcome, command, error_message, started_at, duration_ms`

	selectStageQuery = `SELECT stage_execution_id, run_id, task_id, kind, state, exit_code, outcome, command, error_message, started_at, duration_ms
	 FROM stage_executions
	 WHERE run_id = $1 AND task_id = $2`

	listStagesByRunQuery = `SELECT stage_execution_id, run_id, task_id, kind, state, exit_code, outcome, command, error_message, started_at, duration_ms
	 FROM stage_executions
	 WHERE run_id = $1
	 ORDER BY started_at ASC NULLS LAST, task_id ASC`
)

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (s *Store) InsertRun(ctx context.Context, record RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(string(record.Tier)) == "" {
		return fmt.Errorf("tier is required")
	}
	status := record.Status
	if status == "" {
		status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx, insertRunQuery,
		runID,
		string(record.Tier),
		strings.TrimSpace(record.Pipeline),
		string(status),
		normalizeTime(record.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

// FinishRun stores the terminal status once. A run that is unknown or
// already finished yields ErrNotFound.
func (s *Store) FinishRun(ctx context.Context, record RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	switch record.Status {
	case domain.RunStatusSucceeded, domain.RunStatusFailed:
	default:
		return fmt.Errorf("status %q is not terminal", record.Status)
	}
	finishedAt := time.Now().UTC()
	if record.FinishedAt != nil && !record.FinishedAt.IsZero() {
		finishedAt = record.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, finishRunQuery,
		runID,
		string(record.Status),
		nullIfEmpty(string(record.Outcome)),
		finishedAt,
		nullIfEmpty(record.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("finish pipeline run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish pipeline run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish pipeline run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, fmt.Errorf("ledger store not initialized")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(runID)))
}

// ListRuns returns the most recent runs, optionally for one tier.
func (s *Store) ListRuns(ctx context.Context, tier domain.Tier, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, string(tier), limit)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	records := make([]RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	return records, nil
}

// InsertStage records one task outcome. Inserting the same (run, task)
// twice returns the stored record and false.
func (s *Store) InsertStage(ctx context.Context, record StageRecord) (StageRecord, bool, error) {
	if s == nil || s.db == nil {
		return StageRecord{}, false, fmt.Errorf("ledger store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	taskID := strings.TrimSpace(record.TaskID)
	if runID == "" {
		return StageRecord{}, false, fmt.Errorf("run id is required")
	}
	if taskID == "" {
		return StageRecord{}, false, fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(string(record.State)) == "" {
		return StageRecord{}, false, fmt.Errorf("state is required")
	}

	id := record.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	var exitCode sql.NullInt64
	if record.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*record.ExitCode), Valid: true}
	}
	var startedAt sql.NullTime
	if record.StartedAt != nil && !record.StartedAt.IsZero() {
		startedAt = sql.NullTime{Time: record.StartedAt.UTC(), Valid: true}
	}

	row := s.db.QueryRowContext(ctx, insertStageQuery,
		id,
		runID,
		taskID,
		string(record.Kind),
		string(record.State),
		exitCode,
		nullIfEmpty(string(record.Outcome)),
		nullIfEmpty(record.Command),
		nullIfEmpty(record.ErrorMessage),
		startedAt,
		record.Duration.Milliseconds(),
	)
	inserted, err := scanStage(row)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return StageRecord{}, false, fmt.Errorf("insert stage execution: %w", err)
		}
		existing, err := s.getStage(ctx, runID, taskID)
		if err != nil {
			return StageRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *Store) ListStages(ctx context.Context, runID string) ([]StageRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStagesByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	defer rows.Close()

	records := make([]StageRecord, 0)
	for rows.Next() {
		record, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	return records, nil
}

func (s *Store) getStage(ctx context.Context, runID, taskID string) (StageRecord, error) {
	return scanStage(s.db.QueryRowContext(ctx, selectStageQuery, runID, taskID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		record     RunRecord
		tier       string
		status     string
		outcome    sql.NullString
		finishedAt sql.NullTime
		reason     sql.NullString
	)
	if err := row.Scan(
		&record.RunID,
		&tier,
		&record.Pipeline,
		&status,
		&outcome,
		&record.StartedAt,
		&finishedAt,
		&reason,
	); err != nil {
		return RunRecord{}, handleNotFound(err)
	}
	record.Tier = domain.Tier(tier)
	record.Status = domain.RunStatus(status)
	record.Outcome = domain.BranchOutcome(outcome.String)
	record.StartedAt = record.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}
	record.FailureReason = strings.TrimSpace(reason.String)
	return record, nil
}

func scanStage(row scanner) (StageRecord, error) {
	var (
		record     StageRecord
		kind       string
		state      string
		exitCode   sql.NullInt64
		outcome    sql.NullString
		command    sql.NullString
		errMessage sql.NullString
		startedAt  sql.NullTime
		durationMS int64
	)
	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.TaskID,
		&kind,
		&state,
		&exitCode,
		&outcome,
		&command,
		&errMessage,
		&startedAt,
		&durationMS,
	); err != nil {
		return StageRecord{}, handleNotFound(err)
	}
	record.Kind = domain.TaskKind(kind)
	record.State = domain.NormalizeTaskState(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		record.ExitCode = &code
	}
	record.Outcome = domain.BranchOutcome(outcome.String)
	record.Command = command.String
	record.ErrorMessage = strings.TrimSpace(errMessage.String)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		record.StartedAt = &t
	}
	record.Duration = time.Duration(durationMS) * time.Millisecond
	return record, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
