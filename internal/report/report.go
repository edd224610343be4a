// Package report renders a finished pipeline run as JSON and archives it.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
	"github.com/animus-labs/dqflow/internal/procexec"
)

type Report struct {
	RunID         string         `json:"run_id"`
	Tier          string         `json:"tier"`
	Pipeline      string         `json:"pipeline"`
	Status        string         `json:"status"`
	Outcome       string         `json:"outcome,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ExitCodes     map[string]int `json:"exit_codes"`
	Tasks         []Task         `json:"tasks"`
}

type Task struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	State       string       `json:"state"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Outcome     string       `json:"outcome,omitempty"`
	Error       string       `json:"error,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	Invocations []Invocation `json:"invocations,omitempty"`
}

type Invocation struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Dir        string   `json:"dir,omitempty"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Build converts an engine result. Captured streams keep their last
// maxCapture bytes; zero uses procexec.DefaultMaxCapture.
func Build(result pipeline.RunResult, maxCapture int) (Report, error) {
	run := result.Run
	if run == nil {
		return Report{}, fmt.Errorf("run result has no run")
	}
	if maxCapture <= 0 {
		maxCapture = procexec.DefaultMaxCapture
	}
	name := result.Graph.Tier.Pipeline
	if name == "" {
		name = string(run.Tier)
	}
	out := Report{
		RunID:         run.ID,
		Tier:          string(run.Tier),
		Pipeline:      name,
		Status:        string(run.Status),
		Outcome:       string(run.Outcome),
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		FailureReason: run.FailureReason,
		ExitCodes:     make(map[string]int, len(run.ExitCodes)),
		Tasks:         make([]Task, 0, len(result.Tasks)),
	}
	for k, v := range run.ExitCodes {
		out.ExitCodes[k] = v
	}
	for _, res := range result.Tasks {
		task := Task{
			ID:         res.TaskID,
			Kind:       string(res.Kind),
			State:      string(res.State),
			ExitCode:   res.ExitCode,
			Outcome:    string(res.Outcome),
			Error:      res.Error,
			Reason:     res.Reason,
			DurationMS: res.Duration.Milliseconds(),
		}
		if !res.StartedAt.IsZero() {
			started := res.StartedAt
			task.StartedAt = &started
		}
		for _, inv := range res.Invocations {
			task.Invocations = append(task.Invocations, invocation(inv, maxCapture))
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

func invocation(inv domain.StageInvocation, maxCapture int) Invocation {
	return Invocation{
		Command:    inv.Command,
		Args:       append([]string(nil), inv.Args...),
		Dir:        inv.Dir,
		ExitCode:   inv.ExitCode,
		Stdout:     procexec.Tail(inv.Stdout, maxCapture),
		Stderr:     procexec.Tail(inv.Stderr, maxCapture),
		DurationMS: inv.Duration.Milliseconds(),
	}
}

// Key is the archive location: <tier>/<yyyy>/<mm>/<dd>/<run_id>.json.
func Key(r Report) string {
	day := r.StartedAt.UTC()
	return path.Join(
		r.Tier,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d", day.Day()),
		r.RunID+".json",
	)
}

func (r Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// FailedTasks lists failed task ids in report order.
func (r Report) FailedTasks() []string {
	var out []string
	for _, t := range r.Tasks {
		if t.State == string(domain.TaskStateFailed) {
			out = append(out, t.ID)
		}
	}
	return out
}

// SortedExitCodes returns "task=code" pairs sorted by task id.
func (r Report) SortedExitCodes() []string {
	keys := make([]string, 0, len(r.ExitCodes))
	for k := range r.ExitCodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%d", k, r.ExitCodes[k]))
	}
	return out
}
