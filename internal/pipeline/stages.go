package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/notify"
	"github.com/animus-labs/dqflow/internal/procexec"
)

// ErrQualityViolation marks a run that reached its failure terminal.
var ErrQualityViolation = errors.New("data quality violations detected")

// Stages binds every task kind to the external tools it drives.
type Stages struct {
	Tools    ToolConfig
	Invoker  procexec.Invoker
	Notifier notify.Notifier
}

func (s Stages) Actions() Actions {
	return Actions{
		domain.TaskKindStart:      s.noop,
		domain.TaskKindEnd:        s.noop,
		domain.TaskKindTransform:  s.dbt("run"),
		domain.TaskKindTest:       s.dbt("test"),
		domain.TaskKindScan:       s.scan,
		domain.TaskKindBranch:     s.branch,
		domain.TaskKindSuccess:    s.success,
		domain.TaskKindQuarantine: s.quarantine,
		domain.TaskKindNotify:     s.notify,
		domain.TaskKindFail:       s.fail,
	}
}

func (s Stages) noop(context.Context, TaskContext) (Output, error) {
	return Output{}, nil
}

func (s Stages) dbt(verb string) Action {
	return func(ctx context.Context, tc TaskContext) (Output, error) {
		return s.invoke(ctx, tc.Logger, s.Tools.dbtRequest(verb, tc.Task.Selector))
	}
}

func (s Stages) scan(ctx context.Context, tc TaskContext) (Output, error) {
	if tc.Task.Scan == nil {
		return Output{}, fmt.Errorf("task %s has no scan configured", tc.Task.ID)
	}
	return s.invoke(ctx, tc.Logger, s.Tools.scanRequest(*tc.Task.Scan, tc.Task.AllowNonZero))
}

// branch reads the exit codes of its input scans. A scan that reported no
// code counts as unclean.
func (s Stages) branch(_ context.Context, tc TaskContext) (Output, error) {
	results := make([]ScanResult, 0, len(tc.Task.Inputs))
	for _, id := range tc.Task.Inputs {
		r := ScanResult{TaskID: id}
		if res, ok := tc.Result(id); ok && res.ExitCode != nil {
			r.ExitCode = *res.ExitCode
			r.Known = true
		}
		results = append(results, r)
	}
	choice := DecideScans(results)
	tc.Logger.Info("quality gate decided", "outcome", string(choice), "scans", len(results))
	return Output{Choice: choice}, nil
}

func (s Stages) success(_ context.Context, tc TaskContext) (Output, error) {
	tc.Logger.Info("quality checks passed", "pipeline", tc.Graph.Tier.Pipeline)
	return Output{}, nil
}

func (s Stages) quarantine(ctx context.Context, tc TaskContext) (Output, error) {
	out, err := s.invoke(ctx, tc.Logger, s.Tools.dbtRequest("run", tc.Task.Selector))
	if err != nil {
		tc.Logger.Error("quarantine models failed", "select", tc.Task.Selector, "error", err)
		return out, fmt.Errorf("quarantine: %w", err)
	}
	return out, nil
}

func (s Stages) notify(ctx context.Context, tc TaskContext) (Output, error) {
	if s.Notifier == nil {
		tc.Logger.Warn("no notifier configured; alert dropped")
		return Output{}, nil
	}
	alert := notify.Alert{
		Title:    tc.Graph.Tier.Alert.Title,
		Details:  tc.Graph.Tier.Alert.Details,
		Pipeline: tc.Graph.Tier.Pipeline,
		RunID:    tc.Run.ID,
		Cause:    failureSummary(tc),
	}
	if err := s.Notifier.Notify(ctx, alert); err != nil {
		return Output{}, fmt.Errorf("notify: %w", err)
	}
	return Output{}, nil
}

func (s Stages) fail(_ context.Context, tc TaskContext) (Output, error) {
	return Output{}, fmt.Errorf("%s %w", tc.Graph.Tier.Name, ErrQualityViolation)
}

func (s Stages) invoke(ctx context.Context, logger *slog.Logger, req procexec.Request) (Output, error) {
	if s.Invoker == nil {
		return Output{}, errors.New("no invoker configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	inv, err := s.Invoker.Invoke(ctx, req)
	if out := strings.TrimSpace(inv.Stdout); out != "" {
		logger.Info("tool output", "command", inv.CommandLine(), "stdout", out)
	}
	if errOut := strings.TrimSpace(inv.Stderr); errOut != "" && inv.ExitCode != 0 {
		logger.Error("tool error output", "command", inv.CommandLine(), "exit_code", inv.ExitCode, "stderr", errOut)
	}

	out := Output{Invocations: []domain.StageInvocation{inv}}
	if inv.ExitCode >= 0 {
		code := inv.ExitCode
		out.ExitCode = &code
	}
	return out, err
}

// failureSummary names the tasks that failed or reported a non-zero code
// before the alert was raised.
func failureSummary(tc TaskContext) string {
	var parts []string
	for _, id := range tc.Graph.Order() {
		if id == tc.Task.ID {
			break
		}
		res, ok := tc.Result(id)
		if !ok {
			continue
		}
		switch {
		case res.State == domain.TaskStateFailed:
			parts = append(parts, id+" failed")
		case res.ExitCode != nil && *res.ExitCode != 0:
			parts = append(parts, fmt.Sprintf("%s exit %d", id, *res.ExitCode))
		}
	}
	return strings.Join(parts, ", ")
}
