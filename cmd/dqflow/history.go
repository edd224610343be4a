package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/ledger"
	"github.com/animus-labs/dqflow/internal/platform/postgres"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		tierName string
		runID    string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or the stages of one run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tier domain.Tier
			if strings.TrimSpace(tierName) != "" {
				t, err := domain.ParseTier(tierName)
				if err != nil {
					return configError(err)
				}
				tier = t
			}
			dbCfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return configError(fmt.Errorf("database config: %w", err))
			}
			db, err := postgres.Open(cmd.Context(), dbCfg)
			if err != nil {
				return fmt.Errorf("ledger database: %w", err)
			}
			defer func() { _ = db.Close() }()
			store := ledger.NewStore(db)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if runID != "" {
				if _, err := store.GetRun(cmd.Context(), runID); err != nil {
					return err
				}
				stages, err := store.ListStages(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "TASK\tKIND\tSTATE\tEXIT\tDURATION\tERROR")
				for _, s := range stages {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.TaskID, s.Kind, s.State, formatExit(s.ExitCode), s.Duration.Round(time.Millisecond), s.ErrorMessage)
				}
				return tw.Flush()
			}

			runs, err := store.ListRuns(cmd.Context(), tier, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tTIER\tSTATUS\tOUTCOME\tSTARTED\tREASON")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Tier, r.Status, r.Outcome, r.StartedAt.Format(time.RFC3339), r.FailureReason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "only runs of this tier")
	cmd.Flags().StringVar(&runID, "run", "", "show the stages of one run")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}
