package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/dqflow/internal/domain"
)

// Action performs one task. Returning an error fails the task.
type Action func(ctx context.Context, tc TaskContext) (Output, error)

// Actions binds task kinds to their implementation.
type Actions map[domain.TaskKind]Action

// TaskContext is what an action may see of the run.
type TaskContext struct {
	Run     *domain.PipelineRun
	Graph   Graph
	Task    Task
	Logger  *slog.Logger
	results map[string]TaskResult
}

// Result returns the result of an already finished task.
func (tc TaskContext) Result(id string) (TaskResult, bool) {
	res, ok := tc.results[id]
	return res, ok
}

// Output is what an action reports besides success or failure.
type Output struct {
	ExitCode    *int
	Invocations []domain.StageInvocation
	// Choice is set by branch actions only.
	Choice domain.BranchOutcome
}

type TaskResult struct {
	TaskID      string
	Kind        domain.TaskKind
	State       domain.TaskState
	ExitCode    *int
	Outcome     domain.BranchOutcome
	Error       string
	Reason      string
	Invocations []domain.StageInvocation
	StartedAt   time.Time
	Duration    time.Duration
}

type RunResult struct {
	Run   *domain.PipelineRun
	Graph Graph
	Tasks []TaskResult
}

func (r RunResult) Task(id string) (TaskResult, bool) {
	for _, res := range r.Tasks {
		if res.TaskID == id {
			return res, true
		}
	}
	return TaskResult{}, false
}

// Dispatched lists the tasks whose action actually ran, in order.
func (r RunResult) Dispatched() []string {
	out := make([]string, 0, len(r.Tasks))
	for _, res := range r.Tasks {
		if wasDispatched(res) {
			out = append(out, res.TaskID)
		}
	}
	return out
}

// Err is nil for a successful run and a *RunFailedError otherwise.
func (r RunResult) Err() error {
	if r.Run == nil {
		return errors.New("run did not start")
	}
	if r.Run.Status == domain.RunStatusSucceeded {
		return nil
	}
	return &RunFailedError{
		Tier:        r.Run.Tier,
		RunID:       r.Run.ID,
		Reason:      r.Run.FailureReason,
		Quarantined: r.Run.Quarantined(),
	}
}

var ErrRunFailed = errors.New("pipeline run failed")

type RunFailedError struct {
	Tier        domain.Tier
	RunID       string
	Reason      string
	Quarantined bool
}

func (e *RunFailedError) Error() string {
	state := "failed"
	if e.Quarantined {
		state = "failed after quarantine"
	}
	return fmt.Sprintf("%s run %s %s: %s", e.Tier, e.RunID, state, e.Reason)
}

func (e *RunFailedError) Unwrap() error {
	return ErrRunFailed
}

type Engine struct {
	logger   *slog.Logger
	actions  Actions
	recorder Recorder
	now      func() time.Time
	newRunID func() string
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func NewEngine(logger *slog.Logger, actions Actions, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:   logger,
		actions:  actions,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the graph once. Each task is dispatched in topological order
// after its join policy is evaluated against its predecessors. The returned
// error covers engine misuse only; a failed pipeline is reported through the
// run status and RunResult.Err.
func (e *Engine) Run(ctx context.Context, g Graph) (RunResult, error) {
	for _, task := range g.Tasks {
		if _, ok := e.actions[task.Kind]; !ok {
			return RunResult{}, fmt.Errorf("no action registered for task kind %q (task %s)", task.Kind, task.ID)
		}
	}

	run := domain.NewPipelineRun(e.newRunID(), g.Tier.Name, e.now())
	logger := e.logger.With("tier", string(run.Tier), "run_id", run.ID)
	logger.Info("pipeline run started", "pipeline", g.Tier.Pipeline)
	// Recording outlives cancellation so an aborted run still reaches its terminal row.
	recordCtx := context.WithoutCancel(ctx)
	if e.recorder != nil {
		if err := e.recorder.RunStarted(recordCtx, run); err != nil {
			logger.Warn("record run start failed", "error", err)
		}
	}

	results := make(map[string]TaskResult, len(g.Tasks))
	ordered := make([]TaskResult, 0, len(g.Tasks))
	abortCause := ""

	for _, id := range g.Order() {
		task, _ := g.Task(id)
		res, preset := results[id]
		switch {
		case preset:
		case abortCause != "":
			res = settled(task, domain.TaskStateUpstreamFailed, "aborted: "+abortCause)
		case ctx.Err() != nil:
			abortCause = "cancelled: " + ctx.Err().Error()
			res = settled(task, domain.TaskStateUpstreamFailed, abortCause)
		default:
			state, reason := evaluate(task.Policy, upstreamStates(g, id, results))
			if state == domain.TaskStatePending {
				res = e.dispatch(ctx, logger, run, g, task, results)
			} else {
				res = settled(task, state, reason)
			}
		}

		results[id] = res
		ordered = append(ordered, res)
		e.logTask(logger, res)
		if e.recorder != nil {
			if err := e.recorder.TaskFinished(recordCtx, run, res); err != nil {
				logger.Warn("record task failed", "task", id, "error", err)
			}
		}

		if task.Kind == domain.TaskKindBranch && res.State == domain.TaskStateSucceeded {
			chosen := task.Targets[res.Outcome]
			for _, next := range g.Downstream(id) {
				if next == chosen {
					continue
				}
				results[next] = settled(mustTask(g, next), domain.TaskStateSkipped, "branch not taken")
			}
		}
		if task.FailFast && res.State == domain.TaskStateFailed && abortCause == "" {
			abortCause = id + " failed"
		}
	}

	if outcome := DeriveOutcome(g, results); outcome != "" && run.Outcome == "" {
		if err := run.RecordOutcome(outcome); err != nil {
			return RunResult{}, err
		}
	}
	status, reason := DeriveRunStatus(g, results)
	if err := run.Finish(status, reason, e.now()); err != nil {
		return RunResult{}, err
	}

	result := RunResult{Run: run, Graph: g, Tasks: ordered}
	attrs := []any{"status", string(run.Status), "outcome", string(run.Outcome), "dispatched", result.Dispatched()}
	if run.Status == domain.RunStatusSucceeded {
		logger.Info("pipeline run finished", attrs...)
	} else {
		logger.Error("pipeline run finished", append(attrs, "reason", run.FailureReason)...)
	}
	if e.recorder != nil {
		if err := e.recorder.RunFinished(recordCtx, result); err != nil {
			logger.Warn("record run finish failed", "error", err)
		}
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, logger *slog.Logger, run *domain.PipelineRun, g Graph, task Task, results map[string]TaskResult) (res TaskResult) {
	res = TaskResult{TaskID: task.ID, Kind: task.Kind, StartedAt: e.now().UTC()}
	tc := TaskContext{
		Run:     run,
		Graph:   g,
		Task:    task,
		Logger:  logger.With("task", task.ID),
		results: results,
	}

	defer func() {
		if v := recover(); v != nil {
			res.State = domain.TaskStateFailed
			res.Error = fmt.Sprintf("panic: %v", v)
			res.Duration = e.now().Sub(res.StartedAt)
		}
	}()

	out, err := e.actions[task.Kind](ctx, tc)
	res.Duration = e.now().Sub(res.StartedAt)
	res.Invocations = out.Invocations
	if out.ExitCode != nil {
		code := *out.ExitCode
		res.ExitCode = &code
		if recErr := run.RecordExitCode(task.ID, code); recErr != nil {
			logger.Warn("record exit code failed", "task", task.ID, "error", recErr)
		}
	}
	if err != nil {
		res.State = domain.TaskStateFailed
		res.Error = err.Error()
		return res
	}

	if task.Kind == domain.TaskKindBranch {
		if _, ok := task.Targets[out.Choice]; !ok {
			res.State = domain.TaskStateFailed
			res.Error = fmt.Sprintf("branch chose %q which has no target", out.Choice)
			return res
		}
		if err := run.RecordOutcome(out.Choice); err != nil {
			res.State = domain.TaskStateFailed
			res.Error = err.Error()
			return res
		}
		res.Outcome = out.Choice
	}
	res.State = domain.TaskStateSucceeded
	return res
}

func (e *Engine) logTask(logger *slog.Logger, res TaskResult) {
	attrs := []any{"task", res.TaskID, "state", string(res.State)}
	if res.ExitCode != nil {
		attrs = append(attrs, "exit_code", *res.ExitCode)
	}
	if res.Outcome != "" {
		attrs = append(attrs, "outcome", string(res.Outcome))
	}
	switch res.State {
	case domain.TaskStateFailed:
		logger.Error("task finished", append(attrs, "error", res.Error)...)
	case domain.TaskStateSkipped, domain.TaskStateUpstreamFailed:
		logger.Info("task not run", append(attrs, "reason", res.Reason)...)
	default:
		logger.Info("task finished", append(attrs, "duration_ms", res.Duration.Milliseconds())...)
	}
}

// evaluate applies a join policy. Pending means the task may run.
func evaluate(policy domain.JoinPolicy, upstream []domain.TaskState) (domain.TaskState, string) {
	if len(upstream) == 0 {
		return domain.TaskStatePending, ""
	}
	var failed, skipped int
	for _, st := range upstream {
		switch {
		case st.IsFailure():
			failed++
		case st == domain.TaskStateSkipped:
			skipped++
		}
	}

	switch policy {
	case domain.JoinAnyFailed:
		if failed > 0 {
			return domain.TaskStatePending, ""
		}
		return domain.TaskStateSkipped, "no upstream failure"
	case domain.JoinAllDone:
		if skipped == len(upstream) {
			return domain.TaskStateSkipped, "all upstream skipped"
		}
		return domain.TaskStatePending, ""
	default:
		if failed > 0 {
			return domain.TaskStateUpstreamFailed, "upstream failed"
		}
		if skipped > 0 {
			return domain.TaskStateSkipped, "upstream skipped"
		}
		return domain.TaskStatePending, ""
	}
}

func upstreamStates(g Graph, id string, results map[string]TaskResult) []domain.TaskState {
	ups := g.Upstream(id)
	out := make([]domain.TaskState, 0, len(ups))
	for _, up := range ups {
		out = append(out, results[up].State)
	}
	return out
}

func settled(task Task, state domain.TaskState, reason string) TaskResult {
	return TaskResult{TaskID: task.ID, Kind: task.Kind, State: state, Reason: reason}
}

func mustTask(g Graph, id string) Task {
	task, ok := g.Task(id)
	if !ok {
		panic("unknown task " + id)
	}
	return task
}
