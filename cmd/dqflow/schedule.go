package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/platform/httpserver"
	"github.com/animus-labs/dqflow/internal/schedule"
)

const scheduleService = "dqflow-schedule"

func newScheduleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every tier on its cadence and serve the trigger API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			httpCfg, err := httpserver.ConfigFromEnv(scheduleService)
			if err != nil {
				return configError(err)
			}

			b, err := a.openBackends(ctx, false)
			if err != nil {
				return err
			}
			defer b.Close()

			runner, err := a.newTierRunner(b.recorders, nil)
			if err != nil {
				return err
			}

			sched := schedule.New(runner, a.logger)
			if err := sched.RegisterDefinitions(runner.defs); err != nil {
				return configError(err)
			}
			sched.Start()

			handler := schedule.Handler(sched, a.logger, scheduleService, b.checks...)
			serveErr := httpserver.Run(ctx, a.logger, httpCfg, handler)

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpCfg.ShutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				a.logger.Error("scheduler shutdown incomplete", "error", err)
				serveErr = errors.Join(serveErr, err)
			}
			return serveErr
		},
	}
}
