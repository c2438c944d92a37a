package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"newsletterd/internal/eventbus"
	"newsletterd/internal/newsletter"
	logx "newsletterd/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

// Service turns failed-job events into Telegram alerts.
type Service struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	// alerted holds job ids already alerted, with the alert time.
	dmu     sync.Mutex
	alerted map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "notifier")),
		alerted: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Run alerts on finished jobs until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	cfg, _ := s.snapshot()
	events, unsubscribe := s.bus.Subscribe(cfg.QueueSize)
	defer unsubscribe()
	s.log.Info("alerts listening", logx.Int64("chat_id", cfg.ChatID), logx.Bool("on_partial", cfg.OnPartial))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			je, ok := ev.Data.(eventbus.JobEvent)
			if ev.Type != eventbus.JobFinished || !ok {
				continue
			}
			if err := s.Alert(ctx, je); err != nil && !errors.Is(err, ErrDisabled) && ctx.Err() == nil {
				s.log.Warn("alert not sent", logx.Job(je.JobID), logx.Err(err))
			}
		}
	}
}

// Wants reports whether a finished job with this status should alert.
func (s *Service) Wants(status string) bool {
	cfg, _ := s.snapshot()
	switch newsletter.JobStatus(status) {
	case newsletter.StatusFailed:
		return true
	case newsletter.StatusPartiallyFailed:
		return cfg.OnPartial
	}
	return false
}

// Alert sends one message for a finished job. Statuses that don't alert and
// jobs already alerted return nil without sending.
func (s *Service) Alert(ctx context.Context, je eventbus.JobEvent) error {
	cfg, lim := s.snapshot()
	if !cfg.Enabled || s.sender == nil {
		return ErrDisabled
	}
	if !s.Wants(je.Status) || !s.claim(je.JobID, cfg.DedupMaxEntries) {
		return nil
	}

	text := FormatAlert(je)
	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			s.release(je.JobID)
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = s.sender.SendText(cctx, to, text)
		cancel()
		if lastErr == nil {
			s.appendHistory(je.JobID, text)
			s.log.Info("alert sent", logx.Job(je.JobID), logx.String("status", je.Status))
			return nil
		}
		s.log.Debug("alert send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.release(je.JobID)
			return ctx.Err()
		}
	}
	s.release(je.JobID)
	return lastErr
}

// claim marks jobID as alerted; false if it already was.
func (s *Service) claim(jobID string, max int) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if _, ok := s.alerted[jobID]; ok {
		return false
	}
	for len(s.alerted) >= max {
		var oldest string
		var at time.Time
		for id, t := range s.alerted {
			if oldest == "" || t.Before(at) {
				oldest, at = id, t
			}
		}
		delete(s.alerted, oldest)
	}
	s.alerted[jobID] = time.Now()
	return true
}

func (s *Service) release(jobID string) {
	s.dmu.Lock()
	delete(s.alerted, jobID)
	s.dmu.Unlock()
}

// History returns the most recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(jobID, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), JobID: jobID, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// FormatAlert renders the Telegram HTML body for a finished job.
func FormatAlert(je eventbus.JobEvent) string {
	var b strings.Builder
	title := "Newsletter job failed"
	if je.Status == string(newsletter.StatusPartiallyFailed) {
		title = "Newsletter job partially failed"
	}
	fmt.Fprintf(&b, "🚨 <b>%s</b>\n", title)
	if je.Subject != "" {
		fmt.Fprintf(&b, "Subject: <i>%s</i>\n", html.EscapeString(je.Subject))
	}
	fmt.Fprintf(&b, "Job: <code>%s</code>\n", html.EscapeString(je.JobID))
	if je.Recipients > 0 {
		fmt.Fprintf(&b, "Delivered %d, failed %d of %d\n", je.Delivered, je.Failed, je.Recipients)
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", html.EscapeString(truncate(je.Error, 500)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
