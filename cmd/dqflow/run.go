package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
	"github.com/animus-labs/dqflow/internal/report"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		tierName  string
		selectors []string
		record    bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one tier pipeline through its quality gate",
		Example: `  dqflow run --tier staging
  dqflow run --tier dwh --select dimension=tag:dimension --record`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tier, err := domain.ParseTier(tierName)
			if err != nil {
				return configError(err)
			}
			overrides, err := parseSelectors(selectors)
			if err != nil {
				return configError(err)
			}

			b, err := a.openBackends(cmd.Context(), record)
			if err != nil {
				return err
			}
			defer b.Close()

			runner, err := a.newTierRunner(b.recorders, overrides)
			if err != nil {
				return err
			}
			result, err := runner.RunTier(cmd.Context(), tier)
			if err != nil {
				return err
			}

			rep, err := report.Build(result, 0)
			if err != nil {
				return err
			}
			if asJSON {
				if err := rep.Encode(cmd.OutOrStdout()); err != nil {
					return err
				}
			} else {
				printSummary(cmd, rep)
			}
			return runError(result)
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "tier to run (staging|stg, warehouse|dwh, mart)")
	cmd.Flags().StringArrayVar(&selectors, "select", nil, "model selector override, class=selector or a bare selector for single-class tiers")
	cmd.Flags().BoolVar(&record, "record", false, "record the run in the Postgres ledger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run report as JSON")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func printSummary(cmd *cobra.Command, rep report.Report) {
	printf(cmd, "tier:     %s\n", rep.Tier)
	printf(cmd, "run:      %s\n", rep.RunID)
	printf(cmd, "status:   %s\n", rep.Status)
	if rep.Outcome != "" {
		printf(cmd, "outcome:  %s\n", rep.Outcome)
	}
	if codes := rep.SortedExitCodes(); len(codes) > 0 {
		printf(cmd, "exits:    %s\n", strings.Join(codes, " "))
	}
	if failed := rep.FailedTasks(); len(failed) > 0 {
		printf(cmd, "failed:   %s\n", strings.Join(failed, ", "))
	}
	if rep.FailureReason != "" {
		printf(cmd, "reason:   %s\n", rep.FailureReason)
	}
}

// runError maps a finished run onto the command error.
func runError(result pipeline.RunResult) error {
	err := result.Err()
	if err == nil {
		return nil
	}
	var failed *pipeline.RunFailedError
	if errors.As(err, &failed) {
		return &exitError{code: exitFailed, err: failed}
	}
	return fmt.Errorf("run: %w", err)
}
