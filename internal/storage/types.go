package storage

import (
	"context"
	"time"

	"newsletterd/internal/newsletter"
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler, dispatcher and the
// submission service. All methods are safe for concurrent use.
type Store interface {
	// Create validates and persists a new pending job and returns its id.
	Create(ctx context.Context, job *newsletter.Job) (string, error)
	Get(ctx context.Context, id string) (newsletter.Job, error)
	// ListDue returns pending jobs with DueAt <= now, earliest first
	// (ties broken by CreatedAt). limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error)
	// TransitionToRunning moves pending -> running exactly once.
	// Losers get newsletter.ErrAlreadyRunning.
	TransitionToRunning(ctx context.Context, id string, leaseUntil time.Time) error
	// Cancel moves pending -> cancelled; newsletter.ErrNotCancellable otherwise.
	Cancel(ctx context.Context, id string) error

	// SeedAttempts freezes the recipient set of a running job by creating one
	// queued attempt per recipient. Once frozen, later calls return the stored
	// attempts unchanged.
	SeedAttempts(ctx context.Context, id string, recipients []string) ([]newsletter.Attempt, error)
	Attempts(ctx context.Context, id string) ([]newsletter.Attempt, error)
	// RecordAttempt updates a seeded attempt row. Terminal rows are never
	// changed; a pair SeedAttempts did not create returns ErrNotFound.
	RecordAttempt(ctx context.Context, a newsletter.Attempt) error
	// Finalize stores the terminal status derived from the attempts.
	// newsletter.ErrNotReady if any attempt is still queued or sending.
	Finalize(ctx context.Context, id string) (newsletter.JobStatus, error)
	// Fail terminates a job without attempts (e.g. resolution failure).
	Fail(ctx context.Context, id string, reason string) error
	Counts(ctx context.Context, id string) (newsletter.Counts, error)

	// RenewLease extends the dispatch lease of a running job.
	RenewLease(ctx context.Context, id string, leaseUntil time.Time) error
	// ListStale returns running jobs whose lease expired before now.
	ListStale(ctx context.Context, now time.Time, limit int) ([]newsletter.Job, error)
	// Reclaim takes over a stale running job; only one caller wins.
	Reclaim(ctx context.Context, id string, leaseUntil time.Time) error

	Close() error
}
