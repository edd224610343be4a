// Package schedule fires tier runs on their cron cadence and on demand,
// never letting two runs of the same tier overlap.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/pipeline"
)

var (
	ErrTierBusy    = errors.New("tier run already in progress")
	ErrUnknownTier = errors.New("tier not scheduled")
	ErrStopped     = errors.New("scheduler stopped")
)

const defaultCancelGrace = 10 * time.Second

// Runner executes one run of a tier.
type Runner interface {
	RunTier(ctx context.Context, tier domain.Tier) (pipeline.RunResult, error)
}

type RunnerFunc func(ctx context.Context, tier domain.Tier) (pipeline.RunResult, error)

func (f RunnerFunc) RunTier(ctx context.Context, tier domain.Tier) (pipeline.RunResult, error) {
	return f(ctx, tier)
}

// TierStatus is a snapshot of one registered tier.
type TierStatus struct {
	Tier       domain.Tier `json:"tier"`
	Schedule   string      `json:"schedule,omitempty"`
	Running    bool        `json:"running"`
	NextRun    *time.Time  `json:"next_run,omitempty"`
	LastRunID  string      `json:"last_run_id,omitempty"`
	LastStatus string      `json:"last_status,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

type tierState struct {
	schedule   string
	entry      cron.EntryID
	running    bool
	lastRunID  string
	lastStatus string
	lastError  string
}

type Scheduler struct {
	runner Runner
	logger *slog.Logger
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cancelGrace time.Duration

	mu      sync.Mutex
	tiers   map[domain.Tier]*tierState
	stopped bool
}

func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		logger: logger,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		tiers:  make(map[domain.Tier]*tierState),

		cancelGrace: defaultCancelGrace,
	}
}

// Register adds tier with its standard 5-field cron spec. An empty spec
// registers the tier for manual triggers only.
func (s *Scheduler) Register(tier domain.Tier, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tiers[tier]; ok && old.entry != 0 {
		s.cron.Remove(old.entry)
	}
	state := &tierState{schedule: spec}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.fire(tier, "cron") })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", tier, err)
		}
		state.entry = id
	}
	s.tiers[tier] = state
	s.logger.Info("tier registered", "tier", string(tier), "schedule", spec)
	return nil
}

// RegisterDefinitions registers every tier with its configured cadence.
func (s *Scheduler) RegisterDefinitions(defs pipeline.Definitions) error {
	for _, tier := range defs.Tiers {
		if err := s.Register(tier.Name, tier.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "tiers", len(s.tiers))
}

// Stop halts the cron clock and waits for running tiers until ctx is done.
// Runs still in flight are then cancelled and get cancelGrace to record
// their terminal state before Stop returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
	}

	s.cancel()
	s.logger.Warn("cancelling running tiers", "grace", s.cancelGrace.String())
	grace := time.NewTimer(s.cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Error("running tiers did not finish after cancel")
	}
	return fmt.Errorf("stop scheduler: %w", ctx.Err())
}

// Trigger starts a run of tier in the background. It fails with
// ErrTierBusy when the tier is already running.
func (s *Scheduler) Trigger(tier domain.Tier, source string) error {
	if err := s.acquire(tier); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(tier, source)
	}()
	return nil
}

func (s *Scheduler) fire(tier domain.Tier, source string) {
	if err := s.acquire(tier); err != nil {
		s.logger.Warn("scheduled run skipped", "tier", string(tier), "source", source, "reason", err.Error())
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.run(tier, source)
}

func (s *Scheduler) acquire(tier domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	state, ok := s.tiers[tier]
	if !ok {
		return fmt.Errorf("%s: %w", tier, ErrUnknownTier)
	}
	if state.running {
		return fmt.Errorf("%s: %w", tier, ErrTierBusy)
	}
	state.running = true
	return nil
}

func (s *Scheduler) run(tier domain.Tier, source string) {
	logger := s.logger.With("tier", string(tier), "source", source)
	logger.Info("tier run triggered")

	var (
		res pipeline.RunResult
		err error
	)
	func() {
		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("panic: %v", v)
			}
		}()
		res, err = s.runner.RunTier(s.ctx, tier)
	}()

	s.mu.Lock()
	state := s.tiers[tier]
	state.running = false
	state.lastError = ""
	if res.Run != nil {
		state.lastRunID = res.Run.ID
		state.lastStatus = string(res.Run.Status)
	}
	if err != nil {
		state.lastError = err.Error()
		if res.Run == nil {
			state.lastStatus = string(domain.RunStatusFailed)
		}
	}
	runID, status := state.lastRunID, state.lastStatus
	s.mu.Unlock()

	if err != nil {
		logger.Error("tier run errored", "error", err)
		return
	}
	logger.Info("tier run completed", "run_id", runID, "status", status)
}

// Status lists registered tiers sorted by name.
func (s *Scheduler) Status() []TierStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TierStatus, 0, len(s.tiers))
	for tier, state := range s.tiers {
		st := TierStatus{
			Tier:       tier,
			Schedule:   state.schedule,
			Running:    state.running,
			LastRunID:  state.lastRunID,
			LastStatus: state.lastStatus,
			LastError:  state.lastError,
		}
		if state.entry != 0 {
			if next := s.cron.Entry(state.entry).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}
