package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/metrics"
	"newsletterd/internal/newsletter"
	logx "newsletterd/pkg/logx"
)

// recordTimeout bounds store writes that must land even after ctx ends.
const recordTimeout = 5 * time.Second

// Run dispatches a job the caller already moved to running.
//
// A terminal job returns its status unchanged. A job whose recipient set is
// frozen is resumed: only attempts still queued or sending are sent again.
// When ctx ends mid-way Run returns ctx's error and leaves the job running
// for the recovery sweep.
func (s *Service) Run(ctx context.Context, jobID string) (newsletter.JobStatus, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, nil
	}
	if job.Status != newsletter.StatusRunning {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}

	cfg, sem := s.snapshot()
	log := s.log.With(logx.Job(jobID))
	start := time.Now()
	metrics.JobStarted()
	defer metrics.JobStopped()
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: s.clk.Now(), Data: eventbus.JobEvent{
		JobID: jobID, Subject: job.Subject, Status: string(job.Status), Recipients: job.RecipientCount,
	}})

	stopLease := s.keepLease(ctx, jobID, cfg.LeaseTTL, log)
	defer stopLease()

	attempts, err := s.freeze(ctx, job, log)
	if err != nil {
		if errors.Is(err, newsletter.ErrResolution) {
			return newsletter.StatusFailed, err
		}
		return "", err
	}

	todo := make([]newsletter.Attempt, 0, len(attempts))
	for _, a := range attempts {
		if !a.Status.Terminal() {
			todo = append(todo, a)
		}
	}
	log.Debug("dispatch fan-out", logx.Int("recipients", len(attempts)), logx.Int("pending", len(todo)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.PerJobConcurrency)
	for _, a := range todo {
		if gctx.Err() != nil {
			break
		}
		a := a
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return s.deliver(gctx, job, a)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fctx, cancel := detached(ctx)
	defer cancel()
	status, err := s.store.Finalize(fctx, jobID)
	if err != nil {
		return "", err
	}
	counts, _ := s.store.Counts(fctx, jobID)
	s.finished(job, status, counts, "")
	log.Info("job finished",
		logx.String("status", string(status)),
		logx.Int("delivered", counts.Delivered), logx.Int("failed", counts.Failed),
		logx.Duration("took", time.Since(start)))
	return status, nil
}

// freeze returns the job's attempts, resolving and seeding them first if the
// recipient set is not frozen yet.
func (s *Service) freeze(ctx context.Context, job newsletter.Job, log logx.Logger) ([]newsletter.Attempt, error) {
	if job.Resolved() {
		return s.store.Attempts(ctx, job.ID)
	}
	ids, err := s.resolver.Resolve(ctx, job.Target)
	if err != nil {
		if !errors.Is(err, newsletter.ErrResolution) {
			return nil, err
		}
		// shutdown mid-listing is not a directory failure
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		log.Warn("recipient resolution failed", logx.Err(err))
		fctx, cancel := detached(ctx)
		defer cancel()
		if ferr := s.store.Fail(fctx, job.ID, err.Error()); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		s.finished(job, newsletter.StatusFailed, newsletter.Counts{}, err.Error())
		return nil, err
	}
	return s.store.SeedAttempts(ctx, job.ID, ids)
}

// deliver marks the attempt sending, performs the send and stores the outcome.
func (s *Service) deliver(ctx context.Context, job newsletter.Job, a newsletter.Attempt) error {
	prior := a.AttemptCount
	a.Status = newsletter.AttemptSending
	a.UpdatedAt = s.clk.Now()
	if err := s.store.RecordAttempt(ctx, a); err != nil {
		return err
	}

	res := s.sender.Send(ctx, job, a.RecipientID)
	res.AttemptCount += prior

	rctx, cancel := detached(ctx)
	defer cancel()
	if err := s.store.RecordAttempt(rctx, res); err != nil {
		return err
	}
	if !res.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("attempt %s/%s left %s", job.ID, a.RecipientID, res.Status)
	}
	return nil
}

func (s *Service) finished(job newsletter.Job, status newsletter.JobStatus, c newsletter.Counts, errMsg string) {
	metrics.IncFinished(string(status))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Time: s.clk.Now(), Data: eventbus.JobEvent{
		JobID:      job.ID,
		Subject:    job.Subject,
		Status:     string(status),
		Recipients: c.Total(),
		Delivered:  c.Delivered,
		Failed:     c.Failed,
		Error:      errMsg,
	}})
}

// keepLease renews the job lease every ttl/3 until the returned func is called.
func (s *Service) keepLease(ctx context.Context, jobID string, ttl time.Duration, log logx.Logger) func() {
	every := ttl / 3
	if every <= 0 {
		every = time.Second
	}
	tick, stopTick := s.clk.NewTicker(every)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-tick:
				if err := s.store.RenewLease(ctx, jobID, s.clk.Now().Add(ttl)); err != nil && ctx.Err() == nil {
					log.Warn("lease renewal failed", logx.Err(err))
				}
			}
		}
	}()
	return func() {
		stopTick()
		close(done)
		<-exited
	}
}

// detached keeps ctx's values but not its cancellation, so final writes land
// during shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}
