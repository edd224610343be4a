package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/dqflow/internal/platform/env"
)

const (
	exitOK            = 0
	exitFailed        = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: exitInvalidConfig, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailed
}

func main() {
	level, err := env.Level("DQFLOW_LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(exitInvalidConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, os.Stdout)
	err = root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		logger.Error("command failed", "command", commandName(root), "error", err, "exit_code", code)
	}
	stop()
	os.Exit(code)
}

func newRootCommand(logger *slog.Logger, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "dqflow",
		Short:         "Quality-gated tier pipelines and bronze seeding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	a := &app{logger: logger}
	root.AddCommand(
		newRunCommand(a),
		newGraphCommand(a),
		newScheduleCommand(a),
		newHistoryCommand(a),
		newSeedCommand(a),
		newCheckTablesCommand(a),
		newCreateTablesCommand(a),
	)
	return root
}

func commandName(root *cobra.Command) string {
	cmd, _, err := root.Find(os.Args[1:])
	if err != nil || cmd == nil {
		return root.Name()
	}
	return cmd.CommandPath()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
