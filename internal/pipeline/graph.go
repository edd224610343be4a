package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/dqflow/internal/domain"
)

// Task is one node of a tier graph. Policy applies to all incoming edges.
type Task struct {
	ID       string
	Kind     domain.TaskKind
	Policy   domain.JoinPolicy
	FailFast bool

	Class        string
	Selector     string
	Scan         *ScanConfig
	AllowNonZero bool

	// Inputs lists the scan tasks a branch task reads.
	Inputs []string
	// Targets maps each branch outcome to a direct successor.
	Targets map[domain.BranchOutcome]string
}

type Edge struct {
	From string
	To   string
}

// Graph is a validated, topologically ordered tier graph.
type Graph struct {
	Tier  TierConfig
	Tasks []Task
	Edges []Edge

	order      []string
	index      map[string]int
	upstream   map[string][]string
	downstream map[string][]string
}

// NewGraph validates tasks and edges and fixes the execution order.
func NewGraph(tier TierConfig, tasks []Task, edges []Edge) (Graph, error) {
	g := Graph{
		Tier:       tier,
		Tasks:      tasks,
		Edges:      edges,
		index:      make(map[string]int, len(tasks)),
		upstream:   make(map[string][]string, len(tasks)),
		downstream: make(map[string][]string, len(tasks)),
	}
	if len(tasks) == 0 {
		return Graph{}, errors.New("graph has no tasks")
	}
	for i, task := range tasks {
		id := strings.TrimSpace(task.ID)
		if id == "" {
			return Graph{}, fmt.Errorf("task[%d] id is required", i)
		}
		if _, ok := g.index[id]; ok {
			return Graph{}, fmt.Errorf("duplicate task id %q", id)
		}
		if _, err := domain.ParseJoinPolicy(string(task.Policy)); err != nil {
			return Graph{}, fmt.Errorf("task %s: %w", id, err)
		}
		g.index[id] = i
	}
	seen := make(map[Edge]struct{}, len(edges))
	for _, edge := range edges {
		if _, ok := g.index[edge.From]; !ok {
			return Graph{}, fmt.Errorf("edge %s->%s: unknown task %q", edge.From, edge.To, edge.From)
		}
		if _, ok := g.index[edge.To]; !ok {
			return Graph{}, fmt.Errorf("edge %s->%s: unknown task %q", edge.From, edge.To, edge.To)
		}
		if _, ok := seen[edge]; ok {
			continue
		}
		seen[edge] = struct{}{}
		g.upstream[edge.To] = append(g.upstream[edge.To], edge.From)
		g.downstream[edge.From] = append(g.downstream[edge.From], edge.To)
	}
	for _, task := range tasks {
		if task.Kind != domain.TaskKindBranch {
			continue
		}
		if len(task.Targets) == 0 {
			return Graph{}, fmt.Errorf("branch %s has no targets", task.ID)
		}
		for outcome, target := range task.Targets {
			if !contains(g.downstream[task.ID], target) {
				return Graph{}, fmt.Errorf("branch %s: target %q for %s is not a direct successor", task.ID, target, outcome)
			}
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return Graph{}, err
	}
	g.order = order
	return g, nil
}

// Order returns task ids in execution order.
func (g Graph) Order() []string {
	return append([]string(nil), g.order...)
}

func (g Graph) Task(id string) (Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.Tasks[i], true
}

func (g Graph) Upstream(id string) []string {
	return g.upstream[id]
}

func (g Graph) Downstream(id string) []string {
	return g.downstream[id]
}

// topoSort is Kahn's algorithm with declaration order as the tie-break.
func (g Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Tasks))
	for _, task := range g.Tasks {
		inDegree[task.ID] = len(g.upstream[task.ID])
	}

	ready := make([]string, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		if inDegree[task.ID] == 0 {
			ready = append(ready, task.ID)
		}
	}

	ordered := make([]string, 0, len(g.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range g.downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.SliceStable(ready, func(i, j int) bool {
					return g.index[ready[i]] < g.index[ready[j]]
				})
			}
		}
	}

	if len(ordered) != len(g.Tasks) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// Task ids shared by every tier graph.
const (
	TaskStart  = "start"
	TaskEnd    = "end"
	TaskNotify = "notify_slack"
	TaskFail   = "fail_pipeline"
)

func transformTaskID(class string) string { return "transform_" + class }
func testTaskID(class string) string      { return "test_" + class }
func successTaskID(tier domain.Tier) string {
	return string(tier) + "_success"
}
func quarantineTaskID(tier domain.Tier) string {
	return "run_" + string(tier) + "_quarantine"
}
func branchTaskID(tier domain.Tier) string {
	return "branch_on_" + string(tier) + "_dq"
}

func scanTaskID(tier TierConfig, scan ScanConfig) string {
	if len(tier.Scans) == 1 {
		return "scan_" + string(tier.Name)
	}
	return "scan_" + scan.Datasource
}

// BuildGraph instantiates the shared tier template for one tier.
func BuildGraph(tier TierConfig) (Graph, error) {
	if err := tier.Validate(); err != nil {
		return Graph{}, err
	}
	b := &graphBuilder{}
	b.add(Task{ID: TaskStart, Kind: domain.TaskKindStart, Policy: domain.JoinAllSucceeded})

	prev := TaskStart
	prevOptional := false
	for _, model := range tier.Models {
		policy := domain.JoinAllSucceeded
		if prevOptional {
			policy = domain.JoinAllDone
		}
		transform := Task{
			ID:       transformTaskID(model.Class),
			Kind:     domain.TaskKindTransform,
			Policy:   policy,
			FailFast: !model.Optional,
			Class:    model.Class,
			Selector: model.Select,
		}
		test := Task{
			ID:       testTaskID(model.Class),
			Kind:     domain.TaskKindTest,
			Policy:   domain.JoinAllSucceeded,
			FailFast: !model.Optional,
			Class:    model.Class,
			Selector: model.Select,
		}
		b.add(transform, prev)
		b.add(test, transform.ID)
		prev = test.ID
		prevOptional = model.Optional
	}

	scanIDs := make([]string, 0, len(tier.Scans))
	for i := range tier.Scans {
		scan := tier.Scans[i]
		task := Task{
			ID:           scanTaskID(tier, scan),
			Kind:         domain.TaskKindScan,
			Policy:       domain.JoinAllDone,
			Scan:         &scan,
			AllowNonZero: tier.Gate == GateBranch,
		}
		b.add(task, prev)
		prev = task.ID
		scanIDs = append(scanIDs, task.ID)
	}

	success := Task{ID: successTaskID(tier.Name), Kind: domain.TaskKindSuccess, Policy: domain.JoinAllSucceeded}
	hasQuarantine := strings.TrimSpace(tier.Quarantine.Select) != ""
	quarantine := Task{
		ID:       quarantineTaskID(tier.Name),
		Kind:     domain.TaskKindQuarantine,
		Policy:   domain.JoinAllDone,
		Selector: tier.Quarantine.Select,
	}
	notify := Task{ID: TaskNotify, Kind: domain.TaskKindNotify, Policy: domain.JoinAllDone}
	fail := Task{ID: TaskFail, Kind: domain.TaskKindFail, Policy: domain.JoinAllDone}
	end := Task{ID: TaskEnd, Kind: domain.TaskKindEnd, Policy: domain.JoinAllSucceeded}

	switch tier.Gate {
	case GateBranch:
		failureHead := notify.ID
		if hasQuarantine {
			failureHead = quarantine.ID
		}
		branch := Task{
			ID:     branchTaskID(tier.Name),
			Kind:   domain.TaskKindBranch,
			Policy: domain.JoinAllDone,
			Inputs: scanIDs,
			Targets: map[domain.BranchOutcome]string{
				domain.OutcomeContinueSuccess: success.ID,
				domain.OutcomeEnterQuarantine: failureHead,
			},
		}
		b.add(branch, prev)
		b.add(success, branch.ID)
		b.add(end, success.ID)
		if hasQuarantine {
			b.add(quarantine, branch.ID)
			b.add(notify, quarantine.ID)
		} else {
			b.add(notify, branch.ID)
		}
		b.add(fail, notify.ID)
	case GateDirect:
		b.add(success, scanIDs...)
		b.add(end, success.ID)
		if hasQuarantine {
			quarantine.Policy = domain.JoinAnyFailed
			b.add(quarantine, scanIDs...)
			b.add(notify, quarantine.ID)
		} else {
			notify.Policy = domain.JoinAnyFailed
			b.add(notify, scanIDs...)
		}
		b.add(fail, notify.ID)
	}

	return NewGraph(tier, b.tasks, b.edges)
}

type graphBuilder struct {
	tasks []Task
	edges []Edge
}

func (b *graphBuilder) add(task Task, upstream ...string) {
	b.tasks = append(b.tasks, task)
	for _, from := range upstream {
		b.edges = append(b.edges, Edge{From: from, To: task.ID})
	}
}
