package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/newsletter"
	"newsletterd/internal/services/recipients"
	"newsletterd/internal/storage"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block chan struct{}
	delay time.Duration

	cur atomic.Int32
	max atomic.Int32
}

func newFakeSender(fail ...string) *fakeSender {
	f := &fakeSender{calls: map[string]int{}, fail: map[string]bool{}}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *fakeSender) Send(ctx context.Context, job newsletter.Job, rid string) newsletter.Attempt {
	n := f.cur.Add(1)
	defer f.cur.Add(-1)
	for {
		m := f.max.Load()
		if n <= m || f.max.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls[rid]++
	f.mu.Unlock()

	a := newsletter.Attempt{JobID: job.ID, RecipientID: rid, AttemptCount: 1, UpdatedAt: t0}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			a.Status = newsletter.AttemptSending
			a.LastError = ctx.Err().Error()
			return a
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[rid] {
		a.Status = newsletter.AttemptFailed
		a.LastError = "mailbox unavailable"
		return a
	}
	a.Status = newsletter.AttemptDelivered
	return a
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeSender) callsFor(rid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rid]
}

type fixture struct {
	st     storage.Store
	clk    *clock.Fake
	sender *fakeSender
	bus    eventbus.Bus
	svc    *Service
}

func newFixture(t *testing.T, cfg Config, dir recipients.Directory, sender *fakeSender) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	st := storage.NewMemory(clk)
	bus := eventbus.New()
	svc := New(cfg, st, recipients.NewResolver(dir, logx.Nop()), sender, bus, clk, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &fixture{st: st, clk: clk, sender: sender, bus: bus, svc: svc}
}

func (f *fixture) running(t *testing.T, target newsletter.Target) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.st.Create(ctx, &newsletter.Job{Subject: "Promo", HTMLContent: "<p>Sale</p>", Target: target, Mode: newsletter.Immediate()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.st.TransitionToRunning(ctx, id, f.svc.LeaseUntil()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return id
}

func TestRunClassifiesOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		target    newsletter.Target
		fail      []string
		want      newsletter.JobStatus
		delivered int
		failed    int
	}{
		{name: "all delivered", target: newsletter.Explicit("u1", "u2", "u3"), want: newsletter.StatusCompleted, delivered: 3},
		{name: "one failed", target: newsletter.Explicit("u1", "u2", "u3"), fail: []string{"u2"}, want: newsletter.StatusPartiallyFailed, delivered: 2, failed: 1},
		{name: "all failed", target: newsletter.Explicit("u1", "u2"), fail: []string{"u1", "u2"}, want: newsletter.StatusFailed, failed: 2},
		{name: "duplicates collapse", target: newsletter.Explicit("u1", "u1", " u1"), want: newsletter.StatusCompleted, delivered: 1},
		{name: "empty directory", target: newsletter.All(), want: newsletter.StatusCompleted},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{}, recipients.NewStatic(), newFakeSender(tt.fail...))
			id := f.running(t, tt.target)

			status, err := f.svc.Run(context.Background(), id)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if status != tt.want {
				t.Fatalf("status = %s, want %s", status, tt.want)
			}
			c, _ := f.st.Counts(context.Background(), id)
			if c.Delivered != tt.delivered || c.Failed != tt.failed || c.Queued+c.Sending != 0 {
				t.Fatalf("counts = %+v", c)
			}
			if got := f.sender.total(); got != tt.delivered+tt.failed {
				t.Fatalf("sends = %d, want %d", got, tt.delivered+tt.failed)
			}
			j, _ := f.st.Get(context.Background(), id)
			if j.Status != tt.want || j.FinishedAt == nil {
				t.Fatalf("job = %+v", j)
			}
		})
	}
}

func TestRunResolutionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil, newFakeSender())
	id := f.running(t, newsletter.All())

	status, err := f.svc.Run(context.Background(), id)
	if !errors.Is(err, newsletter.ErrResolution) || status != newsletter.StatusFailed {
		t.Fatalf("run = %s, %v", status, err)
	}
	j, _ := f.st.Get(context.Background(), id)
	if j.Status != newsletter.StatusFailed || j.Error == "" {
		t.Fatalf("job = %+v", j)
	}
	as, _ := f.st.Attempts(context.Background(), id)
	if len(as) != 0 || f.sender.total() != 0 {
		t.Fatalf("attempts = %+v, sends = %d", as, f.sender.total())
	}
}

// waitingDirectory blocks ListProfiles until ctx ends.
type waitingDirectory struct{ entered chan struct{} }

func (d waitingDirectory) ListProfiles(ctx context.Context) ([]string, error) {
	close(d.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCanceledDuringResolutionStaysRunning(t *testing.T) {
	t.Parallel()
	dir := waitingDirectory{entered: make(chan struct{})}
	f := newFixture(t, Config{}, dir, newFakeSender())
	id := f.running(t, newsletter.All())

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		status newsletter.JobStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		st, err := f.svc.Run(ctx, id)
		done <- result{st, err}
	}()
	<-dir.entered
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !errors.Is(res.err, context.Canceled) || errors.Is(res.err, newsletter.ErrResolution) || res.status != "" {
		t.Fatalf("run = %q, %v", res.status, res.err)
	}
	j, _ := f.st.Get(context.Background(), id)
	if j.Status != newsletter.StatusRunning || j.Error != "" || j.Resolved() {
		t.Fatalf("job = %+v", j)
	}
}

func TestRunRequiresRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil, newFakeSender())
	id, _ := f.st.Create(context.Background(), &newsletter.Job{Subject: "s", HTMLContent: "h", Target: newsletter.Explicit("u1"), Mode: newsletter.Immediate()})

	if _, err := f.svc.Run(context.Background(), id); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.Run(context.Background(), "missing"); !errors.Is(err, newsletter.ErrNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestRunTerminalIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil, newFakeSender())
	id := f.running(t, newsletter.Explicit("u1"))
	if _, err := f.svc.Run(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	status, err := f.svc.Run(context.Background(), id)
	if err != nil || status != newsletter.StatusCompleted {
		t.Fatalf("second run = %s, %v", status, err)
	}
	if f.sender.callsFor("u1") != 1 {
		t.Fatalf("u1 sent %d times", f.sender.callsFor("u1"))
	}
}

func TestRunResumesOnlyNonTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, recipients.NewStatic("late-joiner"), newFakeSender())
	ctx := context.Background()
	id := f.running(t, newsletter.All())
	if _, err := f.st.SeedAttempts(ctx, id, []string{"u1", "u2", "u3", "u4"}); err != nil {
		t.Fatal(err)
	}
	_ = f.st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u1", Status: newsletter.AttemptDelivered, AttemptCount: 1})
	_ = f.st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u2", Status: newsletter.AttemptFailed, AttemptCount: 4, LastError: "bounce"})
	_ = f.st.RecordAttempt(ctx, newsletter.Attempt{JobID: id, RecipientID: "u3", Status: newsletter.AttemptSending, AttemptCount: 1})

	status, err := f.svc.Run(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if status != newsletter.StatusPartiallyFailed {
		t.Fatalf("status = %s", status)
	}
	for rid, want := range map[string]int{"u1": 0, "u2": 0, "u3": 1, "u4": 1, "late-joiner": 0} {
		if got := f.sender.callsFor(rid); got != want {
			t.Fatalf("%s sent %d times, want %d", rid, got, want)
		}
	}
	as, _ := f.st.Attempts(ctx, id)
	for _, a := range as {
		if a.RecipientID == "u3" && (a.Status != newsletter.AttemptDelivered || a.AttemptCount != 2) {
			t.Fatalf("u3 = %+v", a)
		}
	}
}

func TestPerJobConcurrencyBound(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.delay = 5 * time.Millisecond
	f := newFixture(t, Config{PerJobConcurrency: 3, MaxInFlight: 100}, nil, sender)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%02d", i)
	}
	id := f.running(t, newsletter.Explicit(ids...))
	if _, err := f.svc.Run(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if m := sender.max.Load(); m > 3 {
		t.Fatalf("max concurrent sends = %d, want <= 3", m)
	}
	if sender.total() != 20 {
		t.Fatalf("sends = %d", sender.total())
	}
}

func TestMaxInFlightAcrossJobs(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.delay = 5 * time.Millisecond
	f := newFixture(t, Config{PerJobConcurrency: 4, MaxInFlight: 2}, nil, sender)

	var wg sync.WaitGroup
	for j := 0; j < 3; j++ {
		id := f.running(t, newsletter.Explicit("a", "b", "c", "d", "e"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Run(context.Background(), id); err != nil {
				t.Errorf("run %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
	if m := sender.max.Load(); m > 2 {
		t.Fatalf("max concurrent sends = %d, want <= 2", m)
	}
	if sender.total() != 15 {
		t.Fatalf("sends = %d", sender.total())
	}
}

func TestGoRunsOncePerJob(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	f := newFixture(t, Config{}, nil, sender)
	id := f.running(t, newsletter.Explicit("u1"))

	if !f.svc.Go(id) {
		t.Fatal("first Go refused")
	}
	if f.svc.Go(id) {
		t.Fatal("second Go accepted while active")
	}
	close(sender.block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ := f.st.Get(context.Background(), id)
	if j.Status != newsletter.StatusCompleted || sender.callsFor("u1") != 1 {
		t.Fatalf("job = %+v, sends = %d", j, sender.callsFor("u1"))
	}
}

func TestStopLeavesJobResumable(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	f := newFixture(t, Config{}, nil, sender)
	id := f.running(t, newsletter.Explicit("u1", "u2"))

	f.svc.Go(id)
	deadline := time.Now().Add(5 * time.Second)
	for sender.total() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if f.svc.Go(id) {
		t.Fatal("Go accepted after Stop")
	}

	j, _ := f.st.Get(context.Background(), id)
	if j.Status != newsletter.StatusRunning {
		t.Fatalf("status = %s, want running", j.Status)
	}
	c, _ := f.st.Counts(context.Background(), id)
	if c.Sending != 2 {
		t.Fatalf("counts = %+v", c)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil, newFakeSender("u2"))
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	id := f.running(t, newsletter.Explicit("u1", "u2"))
	if _, err := f.svc.Run(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	var types []string
	var last eventbus.JobEvent
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			last = e.Data.(eventbus.JobEvent)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.JobStarted || types[1] != eventbus.JobFinished {
		t.Fatalf("events = %v", types)
	}
	if last.Status != string(newsletter.StatusPartiallyFailed) || last.Delivered != 1 || last.Failed != 1 {
		t.Fatalf("finished event = %+v", last)
	}
}

func TestLeaseRenewedWhileRunning(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	f := newFixture(t, Config{LeaseTTL: 30 * time.Second}, nil, sender)
	id := f.running(t, newsletter.Explicit("u1"))

	f.svc.Go(id)
	deadline := time.Now().Add(5 * time.Second)
	for sender.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	f.clk.Advance(10 * time.Second)

	want := t0.Add(40 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := f.st.Get(context.Background(), id)
		if j.LeaseUntil != nil && j.LeaseUntil.Equal(want) {
			close(sender.block)
			return
		}
		time.Sleep(time.Millisecond)
	}
	close(sender.block)
	t.Fatal("lease not renewed")
}
