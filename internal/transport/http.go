package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig configures HTTPSender.
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPSender posts each message as JSON to a mail API.
//
//	2xx          delivered
//	400/404/422  ErrInvalidRecipient
//	429          transient, Retry-After honoured
//	5xx          transient
//	other 4xx    permanent
type HTTPSender struct {
	url   string
	token string
	http  *http.Client
}

var _ Sender = (*HTTPSender)(nil)

func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("transport: http url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{url: cfg.URL, token: cfg.Token, http: &http.Client{Timeout: timeout}}, nil
}

func (s *HTTPSender) SendOne(ctx context.Context, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return &StatusError{Status: "encode", permanent: true, err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(buf))
	if err != nil {
		return &StatusError{Status: "request", permanent: true, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return statusError(resp, strings.TrimSpace(string(body)))
}

func statusError(resp *http.Response, body string) error {
	e := &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: body}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode >= 500:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity:
		e.permanent = true
		e.err = ErrInvalidRecipient
	default:
		e.permanent = true
	}
	return e
}

// StatusError is a non-2xx response (or a request that could not be built).
type StatusError struct {
	Code       int
	Status     string
	Body       string
	permanent  bool
	retryAfter time.Duration
	err        error
}

func (e *StatusError) Error() string {
	msg := "transport: " + e.Status
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.err }

// Permanent reports whether retrying cannot succeed.
func (e *StatusError) Permanent() bool { return e.permanent }

// RetryAfter is the server supplied delay; 0 when absent.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
