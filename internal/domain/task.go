package domain

import (
	"fmt"
	"strings"
)

// TaskKind identifies the role a task plays in a tier graph.
type TaskKind string

const (
	TaskKindStart      TaskKind = "start"
	TaskKindTransform  TaskKind = "transform"
	TaskKindTest       TaskKind = "test"
	TaskKindScan       TaskKind = "scan"
	TaskKindBranch     TaskKind = "branch"
	TaskKindSuccess    TaskKind = "success"
	TaskKindQuarantine TaskKind = "quarantine"
	TaskKindNotify     TaskKind = "notify"
	TaskKindFail       TaskKind = "fail"
	TaskKindEnd        TaskKind = "end"
)

// JoinPolicy decides when a task becomes eligible based on its predecessors.
type JoinPolicy string

const (
	JoinAllSucceeded JoinPolicy = "all_succeeded"
	JoinAnyFailed    JoinPolicy = "any_failed"
	JoinAllDone      JoinPolicy = "all_done"
)

func ParseJoinPolicy(value string) (JoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(JoinAllSucceeded), "all_success":
		return JoinAllSucceeded, nil
	case string(JoinAnyFailed), "one_failed":
		return JoinAnyFailed, nil
	case string(JoinAllDone), "regardless":
		return JoinAllDone, nil
	default:
		return "", fmt.Errorf("unknown join policy %q", value)
	}
}

// TaskState is the lifecycle state of one task within a run.
type TaskState string

const (
	TaskStatePending        TaskState = "pending"
	TaskStateSucceeded      TaskState = "succeeded"
	TaskStateFailed         TaskState = "failed"
	TaskStateSkipped        TaskState = "skipped"
	TaskStateUpstreamFailed TaskState = "upstream_failed"
)

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateSkipped, TaskStateUpstreamFailed:
		return true
	default:
		return false
	}
}

// IsFailure is true for a task that failed itself or was blocked by a failure.
func (s TaskState) IsFailure() bool {
	return s == TaskStateFailed || s == TaskStateUpstreamFailed
}

// NormalizeTaskState maps free-form status values to canonical task states.
func NormalizeTaskState(value string) TaskState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TaskStatePending), "queued", "scheduled":
		return TaskStatePending
	case string(TaskStateSucceeded), "success":
		return TaskStateSucceeded
	case string(TaskStateFailed):
		return TaskStateFailed
	case string(TaskStateSkipped):
		return TaskStateSkipped
	case string(TaskStateUpstreamFailed):
		return TaskStateUpstreamFailed
	default:
		return ""
	}
}
