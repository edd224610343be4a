package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// BranchOutcome is the single routing decision taken after the quality gate.
type BranchOutcome string

const (
	OutcomeContinueSuccess BranchOutcome = "continue-success"
	OutcomeEnterQuarantine BranchOutcome = "enter-quarantine"
)

var (
	ErrRunTerminal         = errors.New("pipeline run is terminal")
	ErrQuarantinedSuccess  = errors.New("quarantined run cannot succeed")
	ErrOutcomeAlreadyTaken = errors.New("branch outcome already decided")
)

// StageInvocation is one external process call. Only ExitCode flows
// downstream; the captured streams are diagnostic.
type StageInvocation struct {
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	Stdout    string
	Stderr    string
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
}

// CommandLine renders the invocation for logs.
func (s StageInvocation) CommandLine() string {
	parts := append([]string{s.Command}, s.Args...)
	return strings.Join(parts, " ")
}

// PipelineRun is one execution of a tier pipeline. It is mutable while
// running and frozen once a terminal status is assigned.
type PipelineRun struct {
	ID            string
	Tier          Tier
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        RunStatus
	Outcome       BranchOutcome
	ExitCodes     map[string]int
	FailureReason string
}

func NewPipelineRun(id string, tier Tier, startedAt time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Tier:      tier,
		StartedAt: startedAt.UTC(),
		Status:    RunStatusRunning,
		ExitCodes: map[string]int{},
	}
}

func (r *PipelineRun) IsTerminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}

// Quarantined reports whether the run was routed to the quarantine path.
func (r *PipelineRun) Quarantined() bool {
	return r.Outcome == OutcomeEnterQuarantine
}

func (r *PipelineRun) RecordExitCode(taskID string, code int) error {
	if r.IsTerminal() {
		return fmt.Errorf("record exit code for %s: %w", taskID, ErrRunTerminal)
	}
	if r.ExitCodes == nil {
		r.ExitCodes = map[string]int{}
	}
	r.ExitCodes[taskID] = code
	return nil
}

// RecordOutcome stores the branch decision. It may be taken once per run.
func (r *PipelineRun) RecordOutcome(outcome BranchOutcome) error {
	if r.IsTerminal() {
		return fmt.Errorf("record outcome: %w", ErrRunTerminal)
	}
	if r.Outcome != "" && r.Outcome != outcome {
		return fmt.Errorf("record outcome %s over %s: %w", outcome, r.Outcome, ErrOutcomeAlreadyTaken)
	}
	r.Outcome = outcome
	return nil
}

// Finish assigns the terminal status. A quarantined run can only fail.
func (r *PipelineRun) Finish(status RunStatus, reason string, at time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("finish run %s: %w", r.ID, ErrRunTerminal)
	}
	switch status {
	case RunStatusSucceeded, RunStatusFailed:
	default:
		return fmt.Errorf("finish run %s: status %q is not terminal", r.ID, status)
	}
	if status == RunStatusSucceeded && r.Quarantined() {
		return fmt.Errorf("finish run %s: %w", r.ID, ErrQuarantinedSuccess)
	}
	finished := at.UTC()
	r.FinishedAt = &finished
	r.Status = status
	r.FailureReason = strings.TrimSpace(reason)
	return nil
}
