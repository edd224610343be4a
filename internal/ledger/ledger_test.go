package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
)

var stageColumns = []string{"stage_execution_id", "run_id", "task_id", "kind", "state", "exit_code", "outcome", "command", "error_message", "started_at", "duration_ms"}

var runColumns = []string{"run_id", "tier", "pipeline", "status", "outcome", "started_at", "finished_at", "failure_reason"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestLedgerQueriesIdempotent(t *testing.T) {
	if !strings.Contains(insertStageQuery, "ON CONFLICT (run_id, task_id) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in stage insert")
	}
	if !strings.Contains(insertRunQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in run insert")
	}
	if !strings.Contains(finishRunQuery, "status = 'running'") {
		t.Fatalf("finish must only update running runs")
	}
	if !strings.Contains(listStagesByRunQuery, "ORDER BY") {
		t.Fatalf("expected ORDER BY in stage list query")
	}
	if !strings.Contains(schemaSQL, "UNIQUE (run_id, task_id)") {
		t.Fatalf("schema must back the conflict target")
	}
}

func TestInsertStageInserted(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	code := 1

	mock.ExpectQuery(`INSERT INTO stage_executions`).
		WithArgs("st-1", "run-1", "scan_staging", "scan", "succeeded", int64(1), nil, "soda scan", nil, started, int64(1500)).
		WillReturnRows(sqlmock.NewRows(stageColumns).
			AddRow("st-1", "run-1", "scan_staging", "scan", "succeeded", int64(1), nil, "soda scan", nil, started, int64(1500)))

	rec, inserted, err := store.InsertStage(context.Background(), StageRecord{
		ID:        "st-1",
		RunID:     "run-1",
		TaskID:    "scan_staging",
		Kind:      domain.TaskKindScan,
		State:     domain.TaskStateSucceeded,
		ExitCode:  &code,
		Command:   "soda scan",
		StartedAt: &started,
		Duration:  1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected inserted=true")
	}
	if rec.ExitCode == nil || *rec.ExitCode != 1 || rec.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertStageConflictReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO stage_executions`).
		WillReturnRows(sqlmock.NewRows(stageColumns))
	mock.ExpectQuery(`FROM stage_executions WHERE run_id = \$1 AND task_id = \$2`).
		WithArgs("run-1", "end").
		WillReturnRows(sqlmock.NewRows(stageColumns).
			AddRow("st-0", "run-1", "end", "end", "skipped", nil, nil, nil, "branch not taken", nil, int64(0)))

	rec, inserted, err := store.InsertStage(context.Background(), StageRecord{
		RunID:  "run-1",
		TaskID: "end",
		Kind:   domain.TaskKindEnd,
		State:  domain.TaskStateSkipped,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected inserted=false on conflict")
	}
	if rec.ID != "st-0" || rec.State != domain.TaskStateSkipped || rec.ExitCode != nil || rec.StartedAt != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertStageValidates(t *testing.T) {
	store, _ := newMockStore(t)
	cases := []StageRecord{
		{TaskID: "a", State: domain.TaskStateFailed},
		{RunID: "r", State: domain.TaskStateFailed},
		{RunID: "r", TaskID: "a"},
	}
	for _, rec := range cases {
		if _, _, err := store.InsertStage(context.Background(), rec); err == nil {
			t.Fatalf("expected validation error for %+v", rec)
		}
	}
}

func TestFinishRun(t *testing.T) {
	store, mock := newMockStore(t)
	finished := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs("run-1", "failed", "enter-quarantine", finished, "fail_pipeline failed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs("run-1", "failed", "enter-quarantine", finished, "fail_pipeline failed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := RunRecord{
		RunID:         "run-1",
		Status:        domain.RunStatusFailed,
		Outcome:       domain.OutcomeEnterQuarantine,
		FinishedAt:    &finished,
		FailureReason: "fail_pipeline failed",
	}
	if err := store.FinishRun(context.Background(), rec); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.FinishRun(context.Background(), rec); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second finish, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	rec.Status = domain.RunStatusRunning
	if err := store.FinishRun(context.Background(), rec); err == nil {
		t.Fatalf("expected non-terminal status to be rejected")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT run_id, tier`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(runColumns))

	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	mock.ExpectQuery(`FROM pipeline_runs`).
		WithArgs("staging", 20).
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-2", "staging", "dag_ingest_scan_dq_staging", "failed", "enter-quarantine", started, finished, "fail_pipeline failed").
			AddRow("run-1", "staging", "dag_ingest_scan_dq_staging", "running", nil, started, nil, nil))

	runs, err := store.ListRuns(context.Background(), domain.TierStaging, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Outcome != domain.OutcomeEnterQuarantine || runs[0].FinishedAt == nil {
		t.Fatalf("unexpected first run: %+v", runs[0])
	}
	if runs[1].Status != domain.RunStatusRunning || runs[1].FinishedAt != nil {
		t.Fatalf("unexpected second run: %+v", runs[1])
	}
}

func TestRecorderWritesRunLifecycle(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := domain.NewPipelineRun("run-1", domain.TierStaging, started)
	rec := NewRecorder(store, "dag_ingest_scan_dq_staging")

	mock.ExpectExec(`INSERT INTO pipeline_runs`).
		WithArgs("run-1", "staging", "dag_ingest_scan_dq_staging", "running", started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO stage_executions`).
		WithArgs(sqlmock.AnyArg(), "run-1", "staging_success", "success", "skipped", nil, nil, nil, "branch not taken", nil, int64(0)).
		WillReturnRows(sqlmock.NewRows(stageColumns).
			AddRow("st-1", "run-1", "staging_success", "success", "skipped", nil, nil, nil, "branch not taken", nil, int64(0)))
	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs("run-1", "failed", "enter-quarantine", sqlmock.AnyArg(), "fail_pipeline failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := rec.RunStarted(ctx, run); err != nil {
		t.Fatalf("run started: %v", err)
	}
	err := rec.TaskFinished(ctx, run, pipeline.TaskResult{
		TaskID: "staging_success",
		Kind:   domain.TaskKindSuccess,
		State:  domain.TaskStateSkipped,
		Reason: "branch not taken",
	})
	if err != nil {
		t.Fatalf("task finished: %v", err)
	}
	if err := run.RecordOutcome(domain.OutcomeEnterQuarantine); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if err := run.Finish(domain.RunStatusFailed, "fail_pipeline failed", started.Add(time.Minute)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := rec.RunFinished(ctx, pipeline.RunResult{Run: run}); err != nil {
		t.Fatalf("run finished: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecorderFinishesCancelledRun(t *testing.T) {
	store, mock := newMockStore(t)
	defs, err := pipeline.LoadDefinitions("")
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	tier, err := defs.Tier(domain.TierStaging)
	if err != nil {
		t.Fatalf("tier: %v", err)
	}
	g, err := pipeline.BuildGraph(tier)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	noop := func(context.Context, pipeline.TaskContext) (pipeline.Output, error) { return pipeline.Output{}, nil }
	actions := pipeline.Actions{}
	for _, task := range g.Tasks {
		actions[task.Kind] = noop
	}
	actions[domain.TaskKindTransform] = func(context.Context, pipeline.TaskContext) (pipeline.Output, error) {
		cancel()
		return pipeline.Output{}, nil
	}

	mock.ExpectExec(`INSERT INTO pipeline_runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	for _, id := range g.Order() {
		mock.ExpectQuery(`INSERT INTO stage_executions`).
			WillReturnRows(sqlmock.NewRows(stageColumns).
				AddRow("st-"+id, "run-x", id, "start", "upstream_failed", nil, nil, nil, nil, nil, int64(0)))
	}
	mock.ExpectExec(`UPDATE pipeline_runs`).
		WithArgs(sqlmock.AnyArg(), "failed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	engine := pipeline.NewEngine(discardLogger(), actions, pipeline.WithRecorder(NewRecorder(store, "")))
	res, err := engine.Run(ctx, g)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s", res.Run.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
