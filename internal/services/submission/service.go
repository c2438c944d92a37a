package submission

import (
	"context"
	"errors"
	"strings"
	"time"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/metrics"
	"newsletterd/internal/newsletter"
	"newsletterd/internal/storage"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "15:04"
)

type Service struct {
	store storage.Store
	disp  Dispatcher
	loc   Locator
	bus   eventbus.Bus
	clk   clock.Clock
	log   logx.Logger
}

func New(store storage.Store, disp Dispatcher, loc Locator, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if loc == nil {
		loc = FixedLocation(time.UTC)
	}
	return &Service{
		store: store,
		disp:  disp,
		loc:   loc,
		bus:   bus,
		clk:   clk,
		log:   log.With(logx.String("comp", "submission")),
	}
}

// Submit persists a job and returns its id. Only validation and storage
// errors are returned; delivery problems show up in Status.
//
// Immediate jobs are claimed and started in the background. If that fails the
// job stays pending with a due time of now and the scheduler picks it up.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	job := &newsletter.Job{
		AdminID:     strings.TrimSpace(sub.AdminID),
		Subject:     sub.Subject,
		HTMLContent: sub.HTMLContent,
		Target:      sub.Target,
		Mode:        sub.Mode,
	}
	id, err := s.store.Create(ctx, job)
	if err != nil {
		return "", err
	}
	metrics.IncSubmitted(string(job.Mode.Kind))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobSubmitted, Time: s.clk.Now(), Data: eventbus.JobEvent{
		JobID: id, Subject: job.Subject, Status: string(newsletter.StatusPending),
	}})
	s.log.Info("job submitted",
		logx.Job(id),
		logx.String("mode", string(job.Mode.Kind)),
		logx.String("target", string(job.Target.Kind)),
		logx.Time("due_at", job.DueAt))

	if job.Mode.Kind == newsletter.ModeImmediate {
		s.start(ctx, id)
	}
	return id, nil
}

func (s *Service) start(ctx context.Context, id string) {
	err := s.store.TransitionToRunning(ctx, id, s.disp.LeaseUntil())
	switch {
	case errors.Is(err, newsletter.ErrAlreadyRunning):
		s.log.Debug("immediate job claimed by scheduler", logx.Job(id))
		return
	case err != nil:
		s.log.Warn("immediate job not claimed; left for scheduler", logx.Job(id), logx.Err(err))
		return
	}
	if !s.disp.Go(id) {
		s.log.Warn("dispatcher refused job; left for recovery", logx.Job(id))
	}
}

// SubmitSchedule schedules dto for its day and hour in the service location.
func (s *Service) SubmitSchedule(ctx context.Context, adminID string, dto ScheduleNewsletterDto) (string, error) {
	due, err := s.ParseDue(dto.Day, dto.Hour)
	if err != nil {
		return "", err
	}
	target := newsletter.All()
	if dto.Profiles != nil {
		target = newsletter.Explicit(dto.Profiles...)
	}
	return s.Submit(ctx, Submission{
		AdminID:     adminID,
		Subject:     dto.Subject,
		HTMLContent: dto.HTMLContent,
		Target:      target,
		Mode:        newsletter.Scheduled(due),
	})
}

// SubmitSend sends dto now. Profiles are required.
func (s *Service) SubmitSend(ctx context.Context, adminID string, dto SendNewsletterDto) (string, error) {
	if len(dto.Profiles) == 0 {
		return "", &newsletter.ValidationError{Field: "profiles", Reason: "required"}
	}
	return s.Submit(ctx, Submission{
		AdminID:     adminID,
		Subject:     dto.Subject,
		HTMLContent: dto.HTMLContent,
		Target:      newsletter.Explicit(dto.Profiles...),
		Mode:        newsletter.Immediate(),
	})
}

// ParseDue reads "YYYY-MM-DD" and "HH:MM" in the service location.
func (s *Service) ParseDue(day, hour string) (time.Time, error) {
	day, hour = strings.TrimSpace(day), strings.TrimSpace(hour)
	if day == "" {
		return time.Time{}, &newsletter.ValidationError{Field: "day", Reason: "required"}
	}
	if hour == "" {
		return time.Time{}, &newsletter.ValidationError{Field: "hour", Reason: "required"}
	}
	loc := s.loc.Location()
	d, err := time.ParseInLocation(dayLayout, day, loc)
	if err != nil {
		return time.Time{}, &newsletter.ValidationError{Field: "day", Reason: "want YYYY-MM-DD"}
	}
	h, err := time.Parse(hourLayout, hour)
	if err != nil {
		return time.Time{}, &newsletter.ValidationError{Field: "hour", Reason: "want HH:MM"}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h.Hour(), h.Minute(), 0, 0, loc), nil
}

// Status reports the job status with per-status attempt counts.
func (s *Service) Status(ctx context.Context, id string) (newsletter.StatusReport, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return newsletter.StatusReport{}, err
	}
	counts, err := s.store.Counts(ctx, id)
	if err != nil {
		return newsletter.StatusReport{}, err
	}
	return newsletter.StatusReport{
		JobID:      job.ID,
		Status:     job.Status,
		Mode:       job.Mode.Kind,
		DueAt:      job.DueAt,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Recipients: job.RecipientCount,
		Counts:     counts,
		Error:      job.Error,
	}, nil
}

// Attempts lists the job's attempts ordered by recipient.
func (s *Service) Attempts(ctx context.Context, id string) ([]newsletter.Attempt, error) {
	out, err := s.store.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	newsletter.SortAttempts(out)
	return out, nil
}

// Cancel stops a pending job. Running and finished jobs return
// newsletter.ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	metrics.IncFinished(string(newsletter.StatusCancelled))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Time: s.clk.Now(), Data: eventbus.JobEvent{
		JobID: id, Subject: job.Subject, Status: string(newsletter.StatusCancelled),
	}})
	s.log.Info("job cancelled", logx.Job(id))
	return nil
}
