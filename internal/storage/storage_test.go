package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsletterd/internal/newsletter"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clk clock.Clock) Store

func drivers() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clk clock.Clock) Store {
			return NewMemory(clk)
		},
		"sqlite": func(t *testing.T, clk clock.Clock) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, clk, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, clk *clock.Fake)) {
	t.Helper()
	for name, mk := range drivers() {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(t0)
			fn(t, mk(t, clk), clk)
		})
	}
}

func newJob(target newsletter.Target, mode newsletter.Mode) *newsletter.Job {
	return &newsletter.Job{AdminID: "admin", Subject: "Promo", HTMLContent: "<p>Sale</p>", Target: target, Mode: mode}
}

func mustCreate(t *testing.T, st Store, j *newsletter.Job) string {
	t.Helper()
	id, err := st.Create(context.Background(), j)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.Explicit("u1", "u2"), newsletter.Scheduled(t0.Add(time.Hour))))
		if id == "" {
			t.Fatal("empty id")
		}
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != newsletter.StatusPending {
			t.Fatalf("status = %s", got.Status)
		}
		if !got.DueAt.Equal(t0.Add(time.Hour)) || !got.CreatedAt.Equal(t0) {
			t.Fatalf("due=%v created=%v", got.DueAt, got.CreatedAt)
		}
		if got.Mode.Kind != newsletter.ModeScheduled || len(got.Target.ProfileIDs) != 2 {
			t.Fatalf("unexpected job %+v", got)
		}

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, newsletter.ErrNotFound) {
			t.Fatalf("missing: err = %v", err)
		}
		if _, err := st.Create(ctx, newJob(newsletter.Explicit(), newsletter.Immediate())); !errors.Is(err, newsletter.ErrValidation) {
			t.Fatalf("invalid: err = %v", err)
		}
	})
}

func TestImmediateJobIsDueAtCreation(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))
		due, err := st.ListDue(context.Background(), clk.Now(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 || due[0].ID != id {
			t.Fatalf("due = %+v", due)
		}
	})
}

func TestListDueOrdering(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		late := mustCreate(t, st, newJob(newsletter.All(), newsletter.Scheduled(t0.Add(2*time.Minute))))
		clk.Advance(time.Second)
		early := mustCreate(t, st, newJob(newsletter.All(), newsletter.Scheduled(t0.Add(time.Minute))))
		clk.Advance(time.Second)
		tie := mustCreate(t, st, newJob(newsletter.All(), newsletter.Scheduled(t0.Add(time.Minute))))
		future := mustCreate(t, st, newJob(newsletter.All(), newsletter.Scheduled(t0.Add(time.Hour))))

		due, err := st.ListDue(ctx, t0.Add(5*time.Minute), 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{early, tie, late}
		if len(due) != len(want) {
			t.Fatalf("len = %d, want %d", len(due), len(want))
		}
		for i := range want {
			if due[i].ID != want[i] {
				t.Fatalf("due[%d] = %s, want %s", i, due[i].ID, want[i])
			}
			if due[i].ID == future {
				t.Fatal("future job listed")
			}
		}

		limited, err := st.ListDue(ctx, t0.Add(5*time.Minute), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].ID != early {
			t.Fatalf("limited = %+v", limited)
		}
	})
}

func TestTransitionToRunningOnce(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))

		const racers = 16
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
			lost atomic.Int32
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.TransitionToRunning(ctx, id, t0.Add(time.Minute))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, newsletter.ErrAlreadyRunning):
					lost.Add(1)
				default:
					t.Errorf("unexpected: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 || lost.Load() != racers-1 {
			t.Fatalf("wins=%d lost=%d", wins.Load(), lost.Load())
		}

		got, _ := st.Get(ctx, id)
		if got.Status != newsletter.StatusRunning || got.StartedAt == nil || got.LeaseUntil == nil {
			t.Fatalf("job = %+v", got)
		}
		if err := st.TransitionToRunning(ctx, "missing", t0); !errors.Is(err, newsletter.ErrNotFound) {
			t.Fatalf("missing: %v", err)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Scheduled(t0.Add(time.Hour))))
		if err := st.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := st.Cancel(ctx, id); !errors.Is(err, newsletter.ErrNotCancellable) {
			t.Fatalf("second cancel: %v", err)
		}
		if err := st.TransitionToRunning(ctx, id, t0); !errors.Is(err, newsletter.ErrAlreadyRunning) {
			t.Fatalf("run cancelled: %v", err)
		}
		due, _ := st.ListDue(ctx, t0.Add(2*time.Hour), 0)
		if len(due) != 0 {
			t.Fatalf("cancelled job listed: %+v", due)
		}
		got, _ := st.Get(ctx, id)
		if got.Status != newsletter.StatusCancelled || got.FinishedAt == nil {
			t.Fatalf("job = %+v", got)
		}
	})
}

func TestSeedAttemptsFreezesRecipients(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))

		if _, err := st.SeedAttempts(ctx, id, []string{"u1"}); !errors.Is(err, newsletter.ErrAlreadyRunning) {
			t.Fatalf("seed pending: %v", err)
		}
		if err := st.TransitionToRunning(ctx, id, t0.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		got, err := st.SeedAttempts(ctx, id, []string{"u2", "u1", "u2"})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		if len(got) != 2 || got[0].RecipientID != "u1" || got[1].RecipientID != "u2" {
			t.Fatalf("attempts = %+v", got)
		}
		for _, a := range got {
			if a.Status != newsletter.AttemptQueued {
				t.Fatalf("attempt %s status = %s", a.RecipientID, a.Status)
			}
		}

		again, err := st.SeedAttempts(ctx, id, []string{"u3"})
		if err != nil {
			t.Fatalf("reseed: %v", err)
		}
		if len(again) != 2 {
			t.Fatalf("frozen set changed: %+v", again)
		}
		j, _ := st.Get(ctx, id)
		if !j.Resolved() || j.RecipientCount != 2 {
			t.Fatalf("job = %+v", j)
		}
	})
}

func TestRecordAttemptKeepsTerminal(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.Explicit("u1"), newsletter.Immediate()))
		_ = st.TransitionToRunning(ctx, id, t0.Add(time.Minute))
		if _, err := st.SeedAttempts(ctx, id, []string{"u1"}); err != nil {
			t.Fatal(err)
		}

		rec := func(s newsletter.AttemptStatus, n int, msg string) {
			t.Helper()
			if err := st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u1", Status: s, AttemptCount: n, LastError: msg}); err != nil {
				t.Fatalf("record %s: %v", s, err)
			}
		}
		rec(newsletter.AttemptSending, 1, "")
		rec(newsletter.AttemptDelivered, 1, "")
		rec(newsletter.AttemptFailed, 2, "late")

		as, _ := st.Attempts(ctx, id)
		if len(as) != 1 || as[0].Status != newsletter.AttemptDelivered || as[0].AttemptCount != 1 {
			t.Fatalf("attempts = %+v", as)
		}
		if err := st.RecordAttempt(ctx, newsletter.Attempt{JobID: "missing", RecipientID: "u1", Status: newsletter.AttemptQueued}); !errors.Is(err, newsletter.ErrNotFound) {
			t.Fatalf("missing job: %v", err)
		}
		late := newsletter.Attempt{JobID: id, RecipientID: "u9", Status: newsletter.AttemptDelivered, AttemptCount: 1}
		if err := st.RecordAttempt(ctx, late); !errors.Is(err, newsletter.ErrNotFound) {
			t.Fatalf("unseeded recipient: %v", err)
		}
		if as, _ := st.Attempts(ctx, id); len(as) != 1 {
			t.Fatalf("late joiner stored: %+v", as)
		}
	})
}

func TestFinalize(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.Explicit("u1", "u2"), newsletter.Immediate()))

		if _, err := st.Finalize(ctx, id); !errors.Is(err, newsletter.ErrNotReady) {
			t.Fatalf("finalize pending: %v", err)
		}
		_ = st.TransitionToRunning(ctx, id, t0.Add(time.Minute))
		if _, err := st.Finalize(ctx, id); !errors.Is(err, newsletter.ErrNotReady) {
			t.Fatalf("finalize unresolved: %v", err)
		}
		_, _ = st.SeedAttempts(ctx, id, []string{"u1", "u2"})
		_ = st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u1", Status: newsletter.AttemptDelivered, AttemptCount: 1})
		if _, err := st.Finalize(ctx, id); !errors.Is(err, newsletter.ErrNotReady) {
			t.Fatalf("finalize with queued: %v", err)
		}
		_ = st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u2", Status: newsletter.AttemptFailed, AttemptCount: 1, LastError: "bounce"})

		clk.Advance(time.Second)
		status, err := st.Finalize(ctx, id)
		if err != nil || status != newsletter.StatusPartiallyFailed {
			t.Fatalf("finalize = %s, %v", status, err)
		}
		again, err := st.Finalize(ctx, id)
		if err != nil || again != status {
			t.Fatalf("idempotent finalize = %s, %v", again, err)
		}

		c, _ := st.Counts(ctx, id)
		if c.Delivered != 1 || c.Failed != 1 || c.Total() != 2 {
			t.Fatalf("counts = %+v", c)
		}
		j, _ := st.Get(ctx, id)
		if j.FinishedAt == nil || !j.FinishedAt.Equal(t0.Add(time.Second)) || j.LeaseUntil != nil {
			t.Fatalf("job = %+v", j)
		}
	})
}

func TestFinalizeZeroRecipients(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))
		_ = st.TransitionToRunning(ctx, id, t0.Add(time.Minute))
		if _, err := st.SeedAttempts(ctx, id, nil); err != nil {
			t.Fatal(err)
		}
		status, err := st.Finalize(ctx, id)
		if err != nil || status != newsletter.StatusCompleted {
			t.Fatalf("finalize = %s, %v", status, err)
		}
	})
}

func TestFail(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))
		_ = st.TransitionToRunning(ctx, id, t0.Add(time.Minute))
		if err := st.Fail(ctx, id, "directory down"); err != nil {
			t.Fatal(err)
		}
		j, _ := st.Get(ctx, id)
		if j.Status != newsletter.StatusFailed || j.Error != "directory down" {
			t.Fatalf("job = %+v", j)
		}
		if err := st.Fail(ctx, id, "again"); err != nil {
			t.Fatalf("fail terminal: %v", err)
		}
		j, _ = st.Get(ctx, id)
		if j.Error != "directory down" {
			t.Fatalf("terminal job changed: %+v", j)
		}
		if err := st.Fail(ctx, "missing", "x"); !errors.Is(err, newsletter.ErrNotFound) {
			t.Fatalf("missing: %v", err)
		}
	})
}

func TestLeaseRecovery(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clk *clock.Fake) {
		ctx := context.Background()
		id := mustCreate(t, st, newJob(newsletter.All(), newsletter.Immediate()))
		_ = st.TransitionToRunning(ctx, id, t0.Add(time.Minute))

		stale, _ := st.ListStale(ctx, clk.Now(), 0)
		if len(stale) != 0 {
			t.Fatalf("fresh lease listed: %+v", stale)
		}
		if err := st.Reclaim(ctx, id, t0.Add(2*time.Minute)); !errors.Is(err, newsletter.ErrAlreadyRunning) {
			t.Fatalf("reclaim live lease: %v", err)
		}

		if err := st.RenewLease(ctx, id, t0.Add(3*time.Minute)); err != nil {
			t.Fatal(err)
		}
		clk.Advance(2 * time.Minute)
		stale, _ = st.ListStale(ctx, clk.Now(), 0)
		if len(stale) != 0 {
			t.Fatalf("renewed lease listed: %+v", stale)
		}

		clk.Advance(2 * time.Minute)
		stale, _ = st.ListStale(ctx, clk.Now(), 0)
		if len(stale) != 1 || stale[0].ID != id {
			t.Fatalf("stale = %+v", stale)
		}
		newLease := clk.Now().Add(time.Minute)
		if err := st.Reclaim(ctx, id, newLease); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if err := st.Reclaim(ctx, id, newLease); !errors.Is(err, newsletter.ErrAlreadyRunning) {
			t.Fatalf("second reclaim: %v", err)
		}
	})
}
