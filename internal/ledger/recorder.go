package ledger

import (
	"context"
	"strings"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
)

// Recorder writes engine progress into the ledger.
type Recorder struct {
	store    *Store
	pipeline string
}

func NewRecorder(store *Store, pipelineName string) *Recorder {
	return &Recorder{store: store, pipeline: pipelineName}
}

func (r *Recorder) RunStarted(ctx context.Context, run *domain.PipelineRun) error {
	name := r.pipeline
	if name == "" {
		name = string(run.Tier)
	}
	return r.store.InsertRun(ctx, RunRecord{
		RunID:     run.ID,
		Tier:      run.Tier,
		Pipeline:  name,
		Status:    domain.RunStatusRunning,
		StartedAt: run.StartedAt,
	})
}

func (r *Recorder) TaskFinished(ctx context.Context, run *domain.PipelineRun, result pipeline.TaskResult) error {
	record := StageRecord{
		RunID:        run.ID,
		TaskID:       result.TaskID,
		Kind:         result.Kind,
		State:        result.State,
		ExitCode:     result.ExitCode,
		Outcome:      result.Outcome,
		ErrorMessage: result.Error,
		Duration:     result.Duration,
	}
	if record.ErrorMessage == "" {
		record.ErrorMessage = result.Reason
	}
	if !result.StartedAt.IsZero() {
		started := result.StartedAt
		record.StartedAt = &started
	}
	if len(result.Invocations) > 0 {
		commands := make([]string, 0, len(result.Invocations))
		for _, inv := range result.Invocations {
			commands = append(commands, inv.CommandLine())
		}
		record.Command = strings.Join(commands, "; ")
	}
	_, _, err := r.store.InsertStage(ctx, record)
	return err
}

func (r *Recorder) RunFinished(ctx context.Context, result pipeline.RunResult) error {
	run := result.Run
	return r.store.FinishRun(ctx, RunRecord{
		RunID:         run.ID,
		Tier:          run.Tier,
		Status:        run.Status,
		Outcome:       run.Outcome,
		FinishedAt:    run.FinishedAt,
		FailureReason: run.FailureReason,
	})
}
