package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsletterd/internal/metrics"
	"newsletterd/internal/newsletter"
	"newsletterd/internal/transport"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

// Worker performs single sends through a transport.Sender. It is safe for
// concurrent use; the rate limiter is shared by all callers.
type Worker struct {
	sender transport.Sender
	clk    clock.Clock
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand
}

func New(cfg Config, sender transport.Sender, clk clock.Clock, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	cfg = cfg.withDefaults()
	return &Worker{
		sender:  sender,
		clk:     clk,
		log:     log.With(logx.String("comp", "delivery")),
		cfg:     cfg,
		limiter: rate.NewLimiter(limitOf(cfg), cfg.Burst),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps retry settings and the rate limit. In-flight sends keep the
// settings they started with.
func (w *Worker) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	w.limiter.SetLimit(limitOf(cfg))
	w.limiter.SetBurst(cfg.Burst)
	w.log.Debug("delivery config applied", logx.Any("rate_per_sec", cfg.RatePerSec), logx.Int("retry_max", cfg.RetryMax))
}

func limitOf(cfg Config) rate.Limit {
	if cfg.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.RatePerSec)
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Send delivers job to recipientID. The returned attempt is delivered or
// failed, except when ctx ends first: then it is left sending so a resumed
// dispatch retries it.
func (w *Worker) Send(ctx context.Context, job newsletter.Job, recipientID string) newsletter.Attempt {
	cfg := w.config()
	msg := transport.Message{JobID: job.ID, RecipientID: recipientID, Subject: job.Subject, HTML: job.HTMLContent}
	a := newsletter.Attempt{JobID: job.ID, RecipientID: recipientID}

	var err error
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = w.limiter.Wait(ctx); err != nil {
			break
		}
		a.AttemptCount = attempt
		err = w.sendOnce(ctx, cfg, msg)
		if err == nil {
			break
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := w.backoff(cfg, attempt, err)
		metrics.IncRetry()
		w.log.Debug("send retry scheduled",
			logx.Job(job.ID), logx.String("recipient", recipientID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := w.clk.Sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}

	a.UpdatedAt = w.clk.Now()
	switch {
	case err == nil:
		a.Status = newsletter.AttemptDelivered
	case ctx.Err() != nil && !IsPermanent(err):
		a.Status = newsletter.AttemptSending
		a.LastError = ctx.Err().Error()
		return a
	default:
		a.Status = newsletter.AttemptFailed
		a.LastError = err.Error()
		w.log.Warn("send failed",
			logx.Job(job.ID), logx.String("recipient", recipientID),
			logx.Int("attempts", a.AttemptCount), logx.Bool("permanent", IsPermanent(err)), logx.Err(err))
	}
	metrics.ObserveDelivery(a.Status == newsletter.AttemptDelivered)
	return a
}

func (w *Worker) sendOnce(ctx context.Context, cfg Config, msg transport.Message) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.ObserveSend(time.Since(start))
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("%w: panic: %v", newsletter.ErrTransport, r))
			w.log.Error("transport panic", logx.Job(msg.JobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return w.sender.SendOne(runCtx, msg)
}

func (w *Worker) backoff(cfg Config, retry int, err error) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return backoffDelayWithHint(cfg, retry, err, w.rng)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := retryHint(err); ok {
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

// backoffDelay is RetryBase doubled per retry, capped at RetryMaxDelay.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
