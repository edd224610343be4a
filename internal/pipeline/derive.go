package pipeline

import (
	"fmt"

	"github.com/animus-labs/dqflow/internal/domain"
)

// DeriveRunStatus computes the terminal status of a run from its task
// results. Only a run whose end task succeeded is a success.
func DeriveRunStatus(g Graph, results map[string]TaskResult) (domain.RunStatus, string) {
	for _, id := range g.Order() {
		res, ok := results[id]
		if !ok || !res.State.IsTerminal() {
			return domain.RunStatusFailed, fmt.Sprintf("incomplete: task %s did not finish", id)
		}
	}

	for _, id := range g.Order() {
		task, _ := g.Task(id)
		res := results[id]
		if task.FailFast && res.State == domain.TaskStateFailed {
			return domain.RunStatusFailed, failureReason(res)
		}
	}

	for _, id := range g.Order() {
		task, _ := g.Task(id)
		res := results[id]
		if task.Kind == domain.TaskKindFail && wasDispatched(res) {
			return domain.RunStatusFailed, failureReason(res)
		}
	}

	if res := results[TaskEnd]; res.State == domain.TaskStateSucceeded {
		return domain.RunStatusSucceeded, ""
	}

	for _, id := range g.Order() {
		if res := results[id]; res.State == domain.TaskStateFailed {
			return domain.RunStatusFailed, "end not reached: " + failureReason(res)
		}
	}
	for _, id := range g.Order() {
		if res := results[id]; res.State == domain.TaskStateUpstreamFailed && res.Reason != "" {
			return domain.RunStatusFailed, "end not reached: " + res.Reason
		}
	}
	return domain.RunStatusFailed, "end not reached"
}

// DeriveOutcome reports which path the run took after the quality gate.
// It is empty when the run never reached the gate.
func DeriveOutcome(g Graph, results map[string]TaskResult) domain.BranchOutcome {
	for _, id := range g.Order() {
		task, _ := g.Task(id)
		if task.Kind == domain.TaskKindBranch && results[id].Outcome != "" {
			return results[id].Outcome
		}
	}
	for _, id := range g.Order() {
		task, _ := g.Task(id)
		switch task.Kind {
		case domain.TaskKindQuarantine, domain.TaskKindNotify, domain.TaskKindFail:
			if wasDispatched(results[id]) {
				return domain.OutcomeEnterQuarantine
			}
		}
	}
	if results[TaskEnd].State == domain.TaskStateSucceeded {
		return domain.OutcomeContinueSuccess
	}
	return ""
}

func wasDispatched(res TaskResult) bool {
	return res.State == domain.TaskStateSucceeded || res.State == domain.TaskStateFailed
}

func failureReason(res TaskResult) string {
	if res.Error != "" {
		return fmt.Sprintf("%s failed: %s", res.TaskID, res.Error)
	}
	return fmt.Sprintf("%s failed", res.TaskID)
}
