package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsletterd/internal/newsletter"
	"newsletterd/pkg/clock"
)

// memoryStore keeps everything in maps behind one mutex.
// The mutex is what makes TransitionToRunning and Reclaim compare-and-swap.
type memoryStore struct {
	clk clock.Clock

	mu       sync.Mutex
	seq      uint64
	jobs     map[string]*memJob
	attempts map[string]map[string]newsletter.Attempt // job id -> recipient id -> attempt
}

type memJob struct {
	job newsletter.Job
	seq uint64
}

// NewMemory returns an in-process Store.
func NewMemory(clk clock.Clock) Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &memoryStore{
		clk:      clk,
		jobs:     map[string]*memJob{},
		attempts: map[string]map[string]newsletter.Attempt{},
	}
}

// prepareJob validates j and fills the fields owned by the store.
func prepareJob(j *newsletter.Job, now time.Time) error {
	if err := newsletter.Validate(j, now); err != nil {
		return err
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = now
	j.Status = newsletter.StatusPending
	j.StartedAt, j.FinishedAt, j.ResolvedAt, j.LeaseUntil = nil, nil, nil, nil
	j.RecipientCount = 0
	j.Error = ""
	if j.Mode.Kind == newsletter.ModeScheduled {
		j.DueAt = j.Mode.DueAt
	} else {
		j.DueAt = now
	}
	return nil
}

func (s *memoryStore) Create(ctx context.Context, j *newsletter.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := prepareJob(j, s.clk.Now()); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return "", &newsletter.ValidationError{Field: "id", Reason: "already exists"}
	}
	s.seq++
	s.jobs[j.ID] = &memJob{job: j.Clone(), seq: s.seq}
	return j.ID, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (newsletter.Job, error) {
	if err := ctx.Err(); err != nil {
		return newsletter.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.Job{}, newsletter.ErrNotFound
	}
	return mj.job.Clone(), nil
}

func (s *memoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	due := make([]*memJob, 0)
	for _, mj := range s.jobs {
		if mj.job.Status == newsletter.StatusPending && !mj.job.DueAt.After(now) {
			due = append(due, mj)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].job, due[j].job
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return due[i].seq < due[j].seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]newsletter.Job, 0, len(due))
	for _, mj := range due {
		out = append(out, mj.job.Clone())
	}
	s.mu.Unlock()
	return out, nil
}

func (s *memoryStore) TransitionToRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.ErrNotFound
	}
	if mj.job.Status != newsletter.StatusPending {
		return newsletter.ErrAlreadyRunning
	}
	mj.job.Status = newsletter.StatusRunning
	mj.job.StartedAt = newsletter.TimePtr(now)
	mj.job.LeaseUntil = newsletter.TimePtr(leaseUntil)
	return nil
}

func (s *memoryStore) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.ErrNotFound
	}
	if mj.job.Status != newsletter.StatusPending {
		return newsletter.ErrNotCancellable
	}
	mj.job.Status = newsletter.StatusCancelled
	mj.job.FinishedAt = newsletter.TimePtr(now)
	return nil
}

func (s *memoryStore) SeedAttempts(ctx context.Context, id string, recipients []string) ([]newsletter.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return nil, newsletter.ErrNotFound
	}
	if mj.job.Resolved() {
		return s.attemptsLocked(id), nil
	}
	if mj.job.Status != newsletter.StatusRunning {
		return nil, newsletter.ErrAlreadyRunning
	}
	rows := s.attempts[id]
	if rows == nil {
		rows = map[string]newsletter.Attempt{}
		s.attempts[id] = rows
	}
	for _, r := range recipients {
		if _, exists := rows[r]; exists {
			continue
		}
		rows[r] = newsletter.Attempt{JobID: id, RecipientID: r, Status: newsletter.AttemptQueued, UpdatedAt: now}
	}
	mj.job.ResolvedAt = newsletter.TimePtr(now)
	mj.job.RecipientCount = len(rows)
	return s.attemptsLocked(id), nil
}

func (s *memoryStore) Attempts(ctx context.Context, id string) ([]newsletter.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, newsletter.ErrNotFound
	}
	return s.attemptsLocked(id), nil
}

func (s *memoryStore) attemptsLocked(id string) []newsletter.Attempt {
	rows := s.attempts[id]
	out := make([]newsletter.Attempt, 0, len(rows))
	for _, a := range rows {
		out = append(out, a)
	}
	newsletter.SortAttempts(out)
	return out
}

func (s *memoryStore) RecordAttempt(ctx context.Context, a newsletter.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.clk.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[a.JobID]; !ok {
		return newsletter.ErrNotFound
	}
	rows := s.attempts[a.JobID]
	cur, ok := rows[a.RecipientID]
	if !ok {
		return newsletter.ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil
	}
	rows[a.RecipientID] = a
	return nil
}

func (s *memoryStore) Finalize(ctx context.Context, id string) (newsletter.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return "", newsletter.ErrNotFound
	}
	if mj.job.Status.Terminal() {
		return mj.job.Status, nil
	}
	if mj.job.Status != newsletter.StatusRunning || !mj.job.Resolved() {
		return "", newsletter.ErrNotReady
	}
	status, ready := newsletter.Classify(newsletter.CountAttempts(s.attemptsLocked(id)))
	if !ready {
		return "", newsletter.ErrNotReady
	}
	mj.job.Status = status
	mj.job.FinishedAt = newsletter.TimePtr(now)
	mj.job.LeaseUntil = nil
	return status, nil
}

func (s *memoryStore) Fail(ctx context.Context, id string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.ErrNotFound
	}
	if mj.job.Status.Terminal() {
		return nil
	}
	mj.job.Status = newsletter.StatusFailed
	mj.job.Error = reason
	mj.job.FinishedAt = newsletter.TimePtr(now)
	mj.job.LeaseUntil = nil
	return nil
}

func (s *memoryStore) Counts(ctx context.Context, id string) (newsletter.Counts, error) {
	if err := ctx.Err(); err != nil {
		return newsletter.Counts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return newsletter.Counts{}, newsletter.ErrNotFound
	}
	var c newsletter.Counts
	for _, a := range s.attempts[id] {
		c.Add(a.Status)
	}
	return c, nil
}

func (s *memoryStore) RenewLease(ctx context.Context, id string, leaseUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.ErrNotFound
	}
	if mj.job.Status != newsletter.StatusRunning {
		return nil
	}
	mj.job.LeaseUntil = newsletter.TimePtr(leaseUntil)
	return nil
}

func (s *memoryStore) ListStale(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := make([]*memJob, 0)
	for _, mj := range s.jobs {
		if mj.job.Status == newsletter.StatusRunning && leaseExpired(mj.job.LeaseUntil, now) {
			stale = append(stale, mj)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]newsletter.Job, 0, len(stale))
	for _, mj := range stale {
		out = append(out, mj.job.Clone())
	}
	return out, nil
}

func (s *memoryStore) Reclaim(ctx context.Context, id string, leaseUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return newsletter.ErrNotFound
	}
	if mj.job.Status != newsletter.StatusRunning || !leaseExpired(mj.job.LeaseUntil, now) {
		return newsletter.ErrAlreadyRunning
	}
	mj.job.LeaseUntil = newsletter.TimePtr(leaseUntil)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func leaseExpired(lease *time.Time, now time.Time) bool {
	return lease == nil || lease.Before(now)
}
