package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/metrics"
	"newsletterd/internal/newsletter"
	"newsletterd/internal/storage"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

type Service struct {
	store storage.Store
	disp  Dispatcher
	bus   eventbus.Bus
	clk   clock.Clock
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	sweepID cron.EntryID
	runCtx  context.Context

	// tickMu serializes Tick and Sweep within the process. Cross-process
	// exclusion comes from the store.
	tickMu sync.Mutex
}

func New(cfg Config, store storage.Store, disp Dispatcher, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		store: store,
		disp:  disp,
		bus:   bus,
		clk:   clk,
		log:   log.With(logx.String("comp", "scheduler")),
		cfg:   cfg.withDefaults(),
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the configured timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSweep := s.cfg.RecoverySchedule
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
	}
	if s.c != nil && (oldTZ != strings.TrimSpace(cfg.Timezone) || oldSweep != cfg.RecoverySchedule) {
		s.restartLocked()
	}
}

// Tick claims every pending job due at the clock's now and hands each
// claimed job to the dispatcher. Jobs claimed by another caller are skipped.
// It returns the number of jobs this call claimed.
func (s *Service) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	metrics.IncTick()

	cfg := s.config()
	now := s.clk.Now()
	claimed := 0
	for {
		due, err := s.store.ListDue(ctx, now, cfg.BatchSize)
		if err != nil {
			return claimed, err
		}
		for _, j := range due {
			err := s.store.TransitionToRunning(ctx, j.ID, s.disp.LeaseUntil())
			if errors.Is(err, newsletter.ErrAlreadyRunning) {
				s.log.Debug("job claimed elsewhere", logx.Job(j.ID))
				continue
			}
			if err != nil {
				return claimed, err
			}
			claimed++
			late := now.Sub(j.DueAt)
			s.log.Info("job due", logx.Job(j.ID), logx.Duration("late", late))
			if !s.disp.Go(j.ID) {
				s.log.Warn("dispatcher refused job; left for recovery", logx.Job(j.ID))
			}
		}
		if len(due) < cfg.BatchSize {
			return claimed, nil
		}
	}
}

// Sweep resumes running jobs whose dispatch lease expired.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	cfg := s.config()
	stale, err := s.store.ListStale(ctx, s.clk.Now(), cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, j := range stale {
		err := s.store.Reclaim(ctx, j.ID, s.disp.LeaseUntil())
		if errors.Is(err, newsletter.ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		resumed++
		metrics.IncReclaimed()
		s.bus.Publish(eventbus.Event{Type: eventbus.JobReclaimed, Time: s.clk.Now(), Data: eventbus.JobEvent{
			JobID: j.ID, Subject: j.Subject, Status: string(j.Status), Recipients: j.RecipientCount,
		}})
		s.log.Warn("resuming stale job", logx.Job(j.ID))
		if !s.disp.Go(j.ID) {
			s.log.Warn("dispatcher refused stale job", logx.Job(j.ID))
		}
	}
	return resumed, nil
}

// Run polls until ctx ends. The first tick fires immediately, so jobs that
// fell due while the process was down are dispatched late rather than never.
func (s *Service) Run(ctx context.Context) error {
	interval := s.config().PollInterval
	tick, stop := s.clk.NewTicker(interval)
	defer func() { stop() }()

	s.log.Info("poll loop started", logx.Duration("interval", interval))
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s.tick(ctx)
			if cur := s.config().PollInterval; cur != interval {
				stop()
				interval = cur
				tick, stop = s.clk.NewTicker(interval)
				s.log.Info("poll interval changed", logx.Duration("interval", interval))
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	n, err := s.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("tick failed", logx.Int("claimed", n), logx.Err(err))
	}
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("recovery sweep failed", logx.Int("resumed", n), logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("recovery sweep resumed jobs", logx.Int("resumed", n))
	}
}

// Start runs one recovery sweep and schedules the rest with cron.
func (s *Service) Start(ctx context.Context) error {
	s.sweep(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	if err := s.addSweepLocked(); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.String("recovery", s.cfg.RecoverySchedule))
	return nil
}

// Stop halts the cron sweep. Tick and Run are not affected.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// addSweepLocked registers the recovery sweep. Cron entries take no context,
// so the sweep runs under the context given to Start.
func (s *Service) addSweepLocked() error {
	ctx := s.runCtx
	spec, err := recoverySpec(s.cfg.RecoverySchedule)
	if err != nil {
		return err
	}
	id, err := s.c.AddFunc(spec, func() { s.sweep(ctx) })
	if err != nil {
		return err
	}
	s.sweepID = id
	return nil
}

// restartLocked rebuilds cron with the current location and schedule.
// Call with s.mu held.
func (s *Service) restartLocked() {
	old := s.c
	old.Stop()
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	if err := s.addSweepLocked(); err != nil {
		s.log.Warn("invalid recovery schedule; sweep disabled", logx.Err(err))
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	loc, err := LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
	}
	return loc
}
