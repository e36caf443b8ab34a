// Package scheduler periodically enqueues every known agent vault for a
// core vault evaluation.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"
)

// DefaultSpec evaluates every agent once a minute.
const DefaultSpec = "@every 1m"

// AgentSource lists agent vaults discovered at runtime, e.g. agents created
// through the create-agent workflow.
type AgentSource interface {
	Agents(ctx context.Context) ([]string, error)
}

// Submitter enqueues agent vaults for evaluation.
type Submitter interface {
	SubmitAll(ctx context.Context, vaults []string) (int, error)
}

// Config controls the tick schedule and the static agent list.
type Config struct {
	Spec   string
	Agents []string
}

// Scheduler manages the evaluation tick using robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	spec      string
	static    []string
	sources   []AgentSource
	submitter Submitter
	logger    *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// New validates the cron spec and builds a scheduler. Overlapping ticks are
// skipped rather than queued.
func New(cfg Config, submitter Submitter, sources ...AgentSource) (*Scheduler, error) {
	if submitter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "scheduler requires a submitter")
	}
	spec := strings.TrimSpace(cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid scheduler spec", xerrors.WithMetadata("spec", spec))
	}

	log := logger.Named("scheduler")
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:      spec,
		static:    append([]string(nil), cfg.Agents...),
		submitter: submitter,
		logger:    log,
	}
	for _, src := range sources {
		if src != nil {
			s.sources = append(s.sources, src)
		}
	}
	return s, nil
}

// Spec returns the effective cron spec.
func (s *Scheduler) Spec() string { return s.spec }

// Start registers the tick and starts the cron loop. Ticks run with ctx so a
// cancelled daemon stops enqueuing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	id, err := s.cron.AddFunc(s.spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduled tick failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "register scheduler tick")
	}
	s.entryID = id
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.spec), slog.Int("static_agents", len(s.static)))
	return nil
}

// Stop halts the cron loop and returns a context that is done once the
// running tick, if any, has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.cron.Remove(s.entryID)
	s.started = false
	s.logger.Info("scheduler stopped")
	return s.cron.Stop()
}

// Tick enqueues the union of the static agents and every source's agents.
// A failing source is logged and skipped so the remaining agents are still
// evaluated.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	vaults := append([]string(nil), s.static...)
	for _, src := range s.sources {
		found, err := src.Agents(ctx)
		if err != nil {
			s.logger.Warn("agent source unavailable", slog.Any("error", err))
			continue
		}
		vaults = append(vaults, found...)
	}
	if len(vaults) == 0 {
		s.logger.Debug("no agents to evaluate")
		return 0, nil
	}
	n, err := s.submitter.SubmitAll(ctx, vaults)
	if err != nil {
		return n, err
	}
	s.logger.Debug("agents enqueued", slog.Int("count", n))
	return n, nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
