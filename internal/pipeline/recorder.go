package pipeline

import (
	"context"
	"errors"

	"github.com/animus-labs/dqflow/internal/domain"
)

// Recorder observes a run as it progresses. Recorder errors are logged by the
// engine and never change the outcome of a run.
type Recorder interface {
	RunStarted(ctx context.Context, run *domain.PipelineRun) error
	TaskFinished(ctx context.Context, run *domain.PipelineRun, result TaskResult) error
	RunFinished(ctx context.Context, result RunResult) error
}

// Recorders fans out to several recorders.
type Recorders []Recorder

func (rs Recorders) RunStarted(ctx context.Context, run *domain.PipelineRun) error {
	var errs []error
	for _, r := range rs {
		if err := r.RunStarted(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) TaskFinished(ctx context.Context, run *domain.PipelineRun, result TaskResult) error {
	var errs []error
	for _, r := range rs {
		if err := r.TaskFinished(ctx, run, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) RunFinished(ctx context.Context, result RunResult) error {
	var errs []error
	for _, r := range rs {
		if err := r.RunFinished(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
