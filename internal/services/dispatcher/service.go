// Package dispatcher drives one running job to a terminal status: it freezes
// the recipient set, fans sends out under per-job and process-wide bounds,
// records every attempt and finalizes the job.
package dispatcher

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/storage"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

type Service struct {
	store    storage.Store
	resolver Resolver
	sender   Sender
	bus      eventbus.Bus
	clk      clock.Clock
	log      logx.Logger

	mu     sync.Mutex
	cfg    Config
	sem    *semaphore.Weighted
	active map[string]struct{}
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, store storage.Store, resolver Resolver, sender Sender, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		resolver: resolver,
		sender:   sender,
		bus:      bus,
		clk:      clk,
		log:      log.With(logx.String("comp", "dispatcher")),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		active:   map[string]struct{}{},
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Apply takes new bounds. Jobs already fanning out keep the semaphore they
// started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxInFlight != s.cfg.MaxInFlight {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	s.cfg = cfg
	s.log.Debug("dispatcher config applied",
		logx.Int("per_job", cfg.PerJobConcurrency), logx.Int("max_in_flight", cfg.MaxInFlight), logx.Duration("lease_ttl", cfg.LeaseTTL))
}

func (s *Service) snapshot() (Config, *semaphore.Weighted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.sem
}

// LeaseUntil is the lease deadline for a job claimed now.
func (s *Service) LeaseUntil() time.Time {
	cfg, _ := s.snapshot()
	return s.clk.Now().Add(cfg.LeaseTTL)
}

// Go runs the job in the background. It returns false when the job is
// already being dispatched by this process or the service is stopped.
func (s *Service) Go(jobID string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.active[jobID]; ok {
		s.mu.Unlock()
		return false
	}
	s.active[jobID] = struct{}{}
	s.wg.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, jobID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch", logx.Job(jobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if _, err := s.Run(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("dispatch ended with error", logx.Job(jobID), logx.Err(err))
		}
	}()
	return true
}

// Active reports how many jobs this process is dispatching.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every job started with Go has returned.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, interrupts running ones and waits for them.
// Interrupted jobs keep their non-terminal attempts and are resumed after
// their lease expires.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	err := s.Wait(ctx)
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}
