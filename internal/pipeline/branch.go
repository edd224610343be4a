package pipeline

import "github.com/animus-labs/dqflow/internal/domain"

// Decide maps a quality scan exit code to the next path. Only a known zero
// is clean; a missing code never defaults to success.
func Decide(exitCode int, known bool) domain.BranchOutcome {
	if known && exitCode == 0 {
		return domain.OutcomeContinueSuccess
	}
	return domain.OutcomeEnterQuarantine
}

// ScanResult is the exit code observed for one scan task.
type ScanResult struct {
	TaskID   string
	ExitCode int
	Known    bool
}

// DecideScans is clean only when every scan is clean. No scans is not clean.
func DecideScans(results []ScanResult) domain.BranchOutcome {
	if len(results) == 0 {
		return domain.OutcomeEnterQuarantine
	}
	for _, r := range results {
		if Decide(r.ExitCode, r.Known) != domain.OutcomeContinueSuccess {
			return domain.OutcomeEnterQuarantine
		}
	}
	return domain.OutcomeContinueSuccess
}
