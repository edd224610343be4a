// Package procexec runs external tools synchronously and reports their exit
// status. It holds no state between invocations.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/animus-labs/dqflow/internal/domain"
)

// DefaultMaxCapture bounds each captured stream; the tail is kept.
const DefaultMaxCapture = 64 << 10

var ErrNonZeroExit = errors.New("non-zero exit")

// ExitError reports a process that ran to completion with a non-zero code.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}

// Request describes one invocation. AllowNonZero turns a non-zero exit into
// a plain result instead of an error so callers can branch on the code.
type Request struct {
	Command      string
	Args         []string
	Dir          string
	Env          map[string]string
	AllowNonZero bool
}

// Invoker is the boundary the pipeline stages depend on.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (domain.StageInvocation, error)
}

type Runner struct {
	logger     *slog.Logger
	now        func() time.Time
	baseEnv    func() []string
	maxCapture int
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:     logger,
		now:        time.Now,
		baseEnv:    os.Environ,
		maxCapture: DefaultMaxCapture,
	}
}

// Invoke executes the command and waits for it. A process that cannot be
// started is always an error and reports exit code -1.
func (r *Runner) Invoke(ctx context.Context, req Request) (domain.StageInvocation, error) {
	command := strings.TrimSpace(req.Command)
	inv := domain.StageInvocation{
		Command:  command,
		Args:     append([]string(nil), req.Args...),
		Dir:      req.Dir,
		Env:      copyEnv(req.Env),
		ExitCode: -1,
	}
	if command == "" {
		return inv, errors.New("command is required")
	}

	cmd := exec.CommandContext(ctx, command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = overlayEnv(r.baseEnv(), req.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv.StartedAt = r.now().UTC()
	r.logger.Debug("invoking", "command", inv.CommandLine(), "dir", req.Dir)
	runErr := cmd.Run()
	inv.Duration = r.now().Sub(inv.StartedAt)
	inv.Stdout = Tail(stdout.String(), r.maxCapture)
	inv.Stderr = Tail(stderr.String(), r.maxCapture)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return inv, fmt.Errorf("start %s: %w", command, runErr)
		}
		inv.ExitCode = exitErr.ExitCode()
		if inv.ExitCode < 0 {
			// killed by a signal or the context
			return inv, fmt.Errorf("run %s: %w", command, runErr)
		}
	} else {
		inv.ExitCode = 0
	}

	if inv.ExitCode != 0 && !req.AllowNonZero {
		return inv, &ExitError{Command: inv.CommandLine(), Code: inv.ExitCode, Stderr: inv.Stderr}
	}
	return inv, nil
}

func overlayEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	out = append(out, base...)
	if len(overlay) == 0 {
		return out
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// exec uses the last value for duplicate keys
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

func copyEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Tail keeps at most the last limit bytes of s, starting on a rune boundary.
func Tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
