package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/dqflow/internal/domain"
)

func mustTier(t *testing.T, name domain.Tier) TierConfig {
	t.Helper()
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := defs.Tier(name)
	if err != nil {
		t.Fatalf("tier: %v", err)
	}
	return cfg
}

func mustGraph(t *testing.T, cfg TierConfig) Graph {
	t.Helper()
	g, err := BuildGraph(cfg)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestBuildGraphStaging(t *testing.T) {
	g := mustGraph(t, mustTier(t, domain.TierStaging))

	want := []string{
		"start", "transform_staging", "test_staging", "scan_staging",
		"branch_on_staging_dq", "staging_success", "end",
		"run_staging_quarantine", "notify_slack", "fail_pipeline",
	}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order mismatch\n got %v\nwant %v", got, want)
	}

	branch, ok := g.Task("branch_on_staging_dq")
	if !ok {
		t.Fatalf("branch task missing")
	}
	if branch.Targets[domain.OutcomeContinueSuccess] != "staging_success" ||
		branch.Targets[domain.OutcomeEnterQuarantine] != "run_staging_quarantine" {
		t.Fatalf("unexpected targets: %+v", branch.Targets)
	}
	if !reflect.DeepEqual(branch.Inputs, []string{"scan_staging"}) {
		t.Fatalf("unexpected inputs: %v", branch.Inputs)
	}

	scan, _ := g.Task("scan_staging")
	if !scan.AllowNonZero || scan.Policy != domain.JoinAllDone {
		t.Fatalf("scan must tolerate non-zero and run regardless: %+v", scan)
	}
	transform, _ := g.Task("transform_staging")
	if !transform.FailFast || transform.Selector != "tag:staging" {
		t.Fatalf("unexpected transform task: %+v", transform)
	}
	for _, id := range []string{"run_staging_quarantine", "notify_slack", "fail_pipeline"} {
		task, _ := g.Task(id)
		if task.Policy != domain.JoinAllDone {
			t.Fatalf("%s policy = %s", id, task.Policy)
		}
	}
}

func TestBuildGraphWarehouseOrdersClasses(t *testing.T) {
	g := mustGraph(t, mustTier(t, domain.TierWarehouse))
	order := g.Order()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	chain := []string{"transform_dimension", "test_dimension", "transform_fact", "test_fact", "scan_warehouse", "branch_on_warehouse_dq"}
	for i := 1; i < len(chain); i++ {
		if pos[chain[i-1]] >= pos[chain[i]] {
			t.Fatalf("%s must precede %s in %v", chain[i-1], chain[i], order)
		}
	}
	if ups := g.Upstream("transform_fact"); !reflect.DeepEqual(ups, []string{"test_dimension"}) {
		t.Fatalf("transform_fact upstream = %v", ups)
	}
}

func TestBuildGraphMartDirect(t *testing.T) {
	g := mustGraph(t, mustTier(t, domain.TierMart))

	for _, task := range g.Tasks {
		if task.Kind == domain.TaskKindBranch || task.Kind == domain.TaskKindQuarantine {
			t.Fatalf("direct gate must not build %s", task.ID)
		}
	}
	scans := []string{"scan_mart_customer_support", "scan_mart_finance", "scan_mart_sales", "scan_mart_logistic", "scan_mart_product"}
	for _, id := range scans {
		task, ok := g.Task(id)
		if !ok {
			t.Fatalf("missing %s", id)
		}
		if task.AllowNonZero {
			t.Fatalf("%s must fail on non-zero in direct mode", id)
		}
	}
	if ups := g.Upstream("mart_success"); !reflect.DeepEqual(ups, scans) {
		t.Fatalf("mart_success upstream = %v", ups)
	}
	notify, _ := g.Task("notify_slack")
	if notify.Policy != domain.JoinAnyFailed {
		t.Fatalf("notify policy = %s", notify.Policy)
	}
	if ups := g.Upstream("notify_slack"); !reflect.DeepEqual(ups, scans) {
		t.Fatalf("notify upstream = %v", ups)
	}
}

func TestBuildGraphSingleVsMultiScanIDs(t *testing.T) {
	cfg := mustTier(t, domain.TierWarehouse)
	cfg.Scans = append(cfg.Scans, ScanConfig{Datasource: "dwh_audit", Checks: "audit.yml"})
	g := mustGraph(t, cfg)
	for _, id := range []string{"scan_dwh", "scan_dwh_audit"} {
		if _, ok := g.Task(id); !ok {
			t.Fatalf("missing %s in %v", id, g.Order())
		}
	}
	branch, _ := g.Task("branch_on_warehouse_dq")
	if !reflect.DeepEqual(branch.Inputs, []string{"scan_dwh", "scan_dwh_audit"}) {
		t.Fatalf("inputs = %v", branch.Inputs)
	}
}

func TestBuildGraphOptionalClass(t *testing.T) {
	cfg := mustTier(t, domain.TierWarehouse)
	cfg.Models[1].Optional = true
	g := mustGraph(t, cfg)
	fact, _ := g.Task("transform_fact")
	if fact.FailFast {
		t.Fatalf("optional class must not be fail-fast")
	}
	scan, _ := g.Task("scan_warehouse")
	if scan.Policy != domain.JoinAllDone {
		t.Fatalf("scan after optional class must run regardless")
	}
}

func TestBuildGraphWithoutQuarantine(t *testing.T) {
	cfg := mustTier(t, domain.TierStaging)
	cfg.Quarantine.Select = ""
	g := mustGraph(t, cfg)
	if _, ok := g.Task("run_staging_quarantine"); ok {
		t.Fatalf("quarantine task built without selector")
	}
	branch, _ := g.Task("branch_on_staging_dq")
	if branch.Targets[domain.OutcomeEnterQuarantine] != TaskNotify {
		t.Fatalf("failure path must start at notify: %+v", branch.Targets)
	}
}

func TestNewGraphRejectsInvalid(t *testing.T) {
	tier := TierConfig{Name: domain.TierStaging}
	a := Task{ID: "a", Kind: domain.TaskKindStart}
	b := Task{ID: "b", Kind: domain.TaskKindEnd}

	cases := []struct {
		name  string
		tasks []Task
		edges []Edge
		want  string
	}{
		{"empty", nil, nil, "no tasks"},
		{"blank id", []Task{{ID: " "}}, nil, "id is required"},
		{"duplicate", []Task{a, a}, nil, "duplicate task id"},
		{"bad policy", []Task{{ID: "x", Policy: "sometimes"}}, nil, "unknown join policy"},
		{"unknown edge", []Task{a}, []Edge{{From: "a", To: "z"}}, "unknown task"},
		{"cycle", []Task{a, b}, []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}, "cycle"},
		{"branch target not successor", []Task{
			{ID: "br", Kind: domain.TaskKindBranch, Targets: map[domain.BranchOutcome]string{domain.OutcomeContinueSuccess: "b"}},
			b,
		}, nil, "not a direct successor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGraph(tier, tc.tasks, tc.edges)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNewGraphDedupesEdges(t *testing.T) {
	tasks := []Task{{ID: "a"}, {ID: "b"}}
	g, err := NewGraph(TierConfig{}, tasks, []Edge{{"a", "b"}, {"a", "b"}})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if len(g.Upstream("b")) != 1 {
		t.Fatalf("edge not deduplicated: %v", g.Upstream("b"))
	}
}
