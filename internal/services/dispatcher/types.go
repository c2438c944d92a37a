package dispatcher

import (
	"context"
	"errors"
	"time"

	"newsletterd/internal/newsletter"
)

// ErrNotRunning is returned by Run for a job that is neither running nor terminal.
var ErrNotRunning = errors.New("dispatcher: job is not running")

// Config bounds fan-out.
type Config struct {
	// PerJobConcurrency caps concurrent sends within one job.
	PerJobConcurrency int
	// MaxInFlight caps concurrent sends across all jobs of the process.
	MaxInFlight int
	// LeaseTTL is how long a running job stays claimed without renewal.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerJobConcurrency <= 0 {
		c.PerJobConcurrency = 8
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	return c
}

// Resolver expands a target into recipient ids.
type Resolver interface {
	Resolve(ctx context.Context, t newsletter.Target) ([]string, error)
}

// Sender performs one delivery and folds every failure into the attempt.
type Sender interface {
	Send(ctx context.Context, job newsletter.Job, recipientID string) newsletter.Attempt
}
