package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
)

func newGraphCommand(a *app) *cobra.Command {
	var (
		tierName  string
		selectors []string
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print a tier's task graph in execution order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tier, err := domain.ParseTier(tierName)
			if err != nil {
				return configError(err)
			}
			overrides, err := parseSelectors(selectors)
			if err != nil {
				return configError(err)
			}
			defs, err := pipeline.DefinitionsFromEnv()
			if err != nil {
				return configError(err)
			}
			r := &tierRunner{defs: defs, selectors: overrides, logger: a.logger}
			g, err := r.graph(tier)
			if err != nil {
				return err
			}
			return writeGraph(cmd.OutOrStdout(), g)
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "tier to print")
	cmd.Flags().StringArrayVar(&selectors, "select", nil, "model selector override, class=selector")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func writeGraph(out io.Writer, g pipeline.Graph) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tKIND\tPOLICY\tUPSTREAM\tDETAIL")
	for _, id := range g.Order() {
		task, _ := g.Task(id)
		upstream := strings.Join(g.Upstream(id), ",")
		if upstream == "" {
			upstream = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, task.Kind, task.Policy, upstream, taskDetail(task))
	}
	return tw.Flush()
}

func taskDetail(task pipeline.Task) string {
	var parts []string
	if task.Selector != "" {
		parts = append(parts, "select="+task.Selector)
	}
	if task.Scan != nil {
		parts = append(parts, "datasource="+task.Scan.Datasource)
	}
	if task.FailFast {
		parts = append(parts, "fail-fast")
	}
	if task.AllowNonZero {
		parts = append(parts, "allow-nonzero")
	}
	for _, outcome := range []domain.BranchOutcome{domain.OutcomeContinueSuccess, domain.OutcomeEnterQuarantine} {
		if target, ok := task.Targets[outcome]; ok {
			parts = append(parts, fmt.Sprintf("%s->%s", outcome, target))
		}
	}
	return strings.Join(parts, " ")
}
