package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
)

// Putter is the object store write the sink needs.
type Putter interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// Sink archives one report per finished run.
type Sink struct {
	store      Putter
	bucket     string
	maxCapture int
	logger     *slog.Logger
}

func NewSink(store Putter, bucket string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, bucket: bucket, logger: logger}
}

func (s *Sink) RunStarted(context.Context, *domain.PipelineRun) error {
	return nil
}

func (s *Sink) TaskFinished(context.Context, *domain.PipelineRun, pipeline.TaskResult) error {
	return nil
}

func (s *Sink) RunFinished(ctx context.Context, result pipeline.RunResult) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("report sink not initialized")
	}
	rep, err := Build(result, s.maxCapture)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := rep.Encode(&buf); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	key := Key(rep)
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/json"); err != nil {
		return fmt.Errorf("archive report %s: %w", key, err)
	}
	s.logger.Info("run report archived", "bucket", s.bucket, "key", key, "run_id", rep.RunID)
	return nil
}
