// Package newsletter holds the domain model shared by the store, the
// scheduler and the dispatcher: jobs, targets, delivery attempts and the
// rules that classify a finished job.
package newsletter

import (
	"sort"
	"time"
)

type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusRunning         JobStatus = "running"
	StatusCompleted       JobStatus = "completed"
	StatusPartiallyFailed JobStatus = "partially_failed"
	StatusFailed          JobStatus = "failed"
	StatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning:
		return true
	}
	return s.Terminal()
}

type AttemptStatus string

const (
	AttemptQueued    AttemptStatus = "queued"
	AttemptSending   AttemptStatus = "sending"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) Terminal() bool { return s == AttemptDelivered || s == AttemptFailed }

// TargetKind tags the Target variant.
type TargetKind string

const (
	TargetExplicit TargetKind = "explicit"
	TargetAll      TargetKind = "all"
)

// Target selects who receives a job. Build it with Explicit or All;
// an empty explicit list never means "everyone".
type Target struct {
	Kind       TargetKind
	ProfileIDs []string
}

func Explicit(ids ...string) Target {
	return Target{Kind: TargetExplicit, ProfileIDs: append([]string(nil), ids...)}
}

func All() Target { return Target{Kind: TargetAll} }

type ModeKind string

const (
	ModeImmediate ModeKind = "immediate"
	ModeScheduled ModeKind = "scheduled"
)

// Mode is either Immediate or Scheduled(dueAt).
type Mode struct {
	Kind  ModeKind
	DueAt time.Time
}

func Immediate() Mode { return Mode{Kind: ModeImmediate} }

func Scheduled(dueAt time.Time) Mode { return Mode{Kind: ModeScheduled, DueAt: dueAt} }

// Job is one newsletter send/schedule request.
//
// DueAt is the instant the job becomes eligible for dispatch. For immediate
// jobs it equals CreatedAt so a job orphaned between submission and dispatch
// is still picked up by the scheduler.
type Job struct {
	ID          string
	AdminID     string
	Subject     string
	HTMLContent string
	Target      Target
	Mode        Mode
	Status      JobStatus

	DueAt      time.Time
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	// ResolvedAt is set once the recipient set has been frozen.
	ResolvedAt     *time.Time
	RecipientCount int

	// LeaseUntil bounds how long a dispatcher may hold a running job without
	// renewing; expired leases are reclaimed by the recovery sweep.
	LeaseUntil *time.Time

	// Error is set when the job failed as a whole (e.g. recipient resolution).
	Error string
}

// Resolved reports whether the recipient set is frozen.
func (j *Job) Resolved() bool { return j != nil && j.ResolvedAt != nil }

// Attempt is the delivery outcome for one (job, recipient) pair.
type Attempt struct {
	JobID        string
	RecipientID  string
	Status       AttemptStatus
	AttemptCount int
	LastError    string
	UpdatedAt    time.Time
}

// Counts holds per-attempt-status totals for one job.
type Counts struct {
	Queued    int `json:"queued"`
	Sending   int `json:"sending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (c Counts) Total() int { return c.Queued + c.Sending + c.Delivered + c.Failed }

func (c *Counts) Add(s AttemptStatus) {
	switch s {
	case AttemptQueued:
		c.Queued++
	case AttemptSending:
		c.Sending++
	case AttemptDelivered:
		c.Delivered++
	case AttemptFailed:
		c.Failed++
	}
}

// StatusReport answers a status query.
type StatusReport struct {
	JobID      string     `json:"job_id"`
	Status     JobStatus  `json:"status"`
	Mode       ModeKind   `json:"mode"`
	DueAt      time.Time  `json:"due_at"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Recipients int        `json:"recipients"`
	Counts     Counts     `json:"counts"`
	Error      string     `json:"error,omitempty"`
}

// Classify maps terminal attempt counts to a terminal job status.
//
//	completed        every attempt delivered (including zero attempts)
//	partially_failed at least one delivered and at least one failed
//	failed           zero delivered and at least one failed
//
// ok is false while any attempt is still queued or sending.
func Classify(c Counts) (status JobStatus, ok bool) {
	if c.Queued > 0 || c.Sending > 0 {
		return "", false
	}
	switch {
	case c.Failed == 0:
		return StatusCompleted, true
	case c.Delivered > 0:
		return StatusPartiallyFailed, true
	default:
		return StatusFailed, true
	}
}

// CountAttempts folds attempts into Counts.
func CountAttempts(attempts []Attempt) Counts {
	var c Counts
	for _, a := range attempts {
		c.Add(a.Status)
	}
	return c
}

// SortAttempts orders attempts by recipient id for stable output.
func SortAttempts(attempts []Attempt) {
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].RecipientID < attempts[j].RecipientID })
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (j Job) Clone() Job {
	cp := j
	cp.Target.ProfileIDs = append([]string(nil), j.Target.ProfileIDs...)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	cp.ResolvedAt = cloneTime(j.ResolvedAt)
	cp.LeaseUntil = cloneTime(j.LeaseUntil)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
