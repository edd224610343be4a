package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/platform/postgres"
	"github.com/animus-labs/dqflow/internal/seed"
)

func (a *app) pgxConnector() (*seed.PgxConnector, error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, configError(fmt.Errorf("database config: %w", err))
	}
	a.logger.Info("bronze target", cfg.LogAttrs()...)
	return seed.NewPgxConnector(cfg), nil
}

func newSeedCommand(a *app) *cobra.Command {
	var opts seed.Options
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Bulk load synthetic rows into every bronze table in one transaction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.RowsPerTable <= 0 || opts.BatchSize <= 0 {
				return configError(errors.New("--rows and --batch-size must be positive"))
			}
			connector, err := a.pgxConnector()
			if err != nil {
				return err
			}
			summary, err := seed.NewLoader(connector, a.logger).Load(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, t := range summary.Tables {
				printf(cmd, "%-28s %8d rows  %d batches\n", t.Table, t.Rows, t.Batches)
			}
			printf(cmd, "loaded %d rows in %s\n", summary.Rows(), summary.Duration)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.RowsPerTable, "rows", seed.DefaultRowsPerTable, "rows per table")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", seed.DefaultBatchSize, "rows per COPY batch")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "make fabricated values reproducible (0 is random)")
	return cmd
}

func newCheckTablesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-tables",
		Short: "Verify every bronze table exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			connector, err := a.pgxConnector()
			if err != nil {
				return err
			}
			if err := seed.NewLoader(connector, a.logger).CheckTables(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "all %d bronze tables present\n", len(seed.TableNames()))
			return nil
		},
	}
}

func newCreateTablesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-tables",
		Short: "Create the bronze schema and tables if missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			connector, err := a.pgxConnector()
			if err != nil {
				return err
			}
			session, err := connector.ConnectAutocommit(cmd.Context())
			if err != nil {
				return err
			}
			if err := seed.CreateTables(cmd.Context(), session, a.logger); err != nil {
				return err
			}
			printf(cmd, "bronze tables ready\n")
			return nil
		},
	}
}
