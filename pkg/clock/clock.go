// Package clock abstracts wall-clock time so schedulers and retry loops can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package used by the services.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done. It returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
	// NewTicker returns a ticker channel and a stop function.
	NewTicker(d time.Duration) (<-chan time.Time, func())
}

// Real is the production clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (Real) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Fake is a manually advanced clock.
//
// Sleepers and tickers fire only when Advance moves the clock past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	slept   []time.Duration
}

type waiter struct {
	at     time.Time
	every  time.Duration // 0 for one-shot sleepers
	ch     chan time.Time
	closed bool
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.slept = append(f.slept, d)
	if d <= 0 {
		f.mu.Unlock()
		return ctx.Err()
	}
	w := &waiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		f.remove(w)
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (f *Fake) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		d = time.Second
	}
	f.mu.Lock()
	w := &waiter{at: f.now.Add(d), every: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return w.ch, func() { f.remove(w) }
}

// Advance moves the clock forward and fires every sleeper/ticker that became due.
// Ticker channels are buffered by one; a slow reader drops ticks like time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if w.closed {
			continue
		}
		if w.at.After(now) {
			keep = append(keep, w)
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
		if w.every > 0 {
			for !w.at.After(now) {
				w.at = w.at.Add(w.every)
			}
			keep = append(keep, w)
		}
	}
	f.waiters = keep
	f.mu.Unlock()
}

// Sleeps returns the durations passed to Sleep so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

// Waiters reports how many sleepers/tickers are pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) remove(w *waiter) {
	f.mu.Lock()
	w.closed = true
	for i, x := range f.waiters {
		if x == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
}
