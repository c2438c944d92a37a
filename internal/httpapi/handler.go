// Package httpapi is the admin HTTP surface: newsletter submission, status,
// cancellation, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"newsletterd/internal/metrics"
	"newsletterd/internal/newsletter"
	"newsletterd/internal/services/submission"
	logx "newsletterd/pkg/logx"
)

// AdminHeader carries the submitter id recorded on each job.
const AdminHeader = "X-Admin-ID"

const maxBody = 1 << 20

// Newsletters is the submission service.
type Newsletters interface {
	SubmitSchedule(ctx context.Context, adminID string, dto submission.ScheduleNewsletterDto) (string, error)
	SubmitSend(ctx context.Context, adminID string, dto submission.SendNewsletterDto) (string, error)
	Status(ctx context.Context, id string) (newsletter.StatusReport, error)
	Attempts(ctx context.Context, id string) ([]newsletter.Attempt, error)
	Cancel(ctx context.Context, id string) error
}

// HealthFunc reports process health. A non-nil error turns /healthz into 503.
type HealthFunc func() (any, error)

type Options struct {
	Health HealthFunc
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

type handler struct {
	svc      Newsletters
	health   HealthFunc
	validate *validator.Validate
	log      logx.Logger
}

// NewRouter builds the chi router.
func NewRouter(svc Newsletters, opts Options, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{
		svc:      svc,
		health:   opts.Health,
		validate: newValidator(),
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/newsletters", func(r chi.Router) {
		r.Post("/schedule", h.schedule)
		r.Post("/send", h.send)
		r.Get("/{id}", h.status)
		r.Get("/{id}/attempts", h.attempts)
		r.Delete("/{id}", h.cancel)
	})
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", metrics.Handler())
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type submitResp struct {
	JobID string `json:"job_id"`
}

type errorResp struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req submission.ScheduleNewsletterDto
	if !h.bind(w, r, &req) {
		return
	}
	id, err := h.svc.SubmitSchedule(r.Context(), adminID(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: id})
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req submission.SendNewsletterDto
	if !h.bind(w, r, &req) {
		return
	}
	id, err := h.svc.SubmitSend(r.Context(), adminID(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: id})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type attemptResp struct {
	RecipientID  string    `json:"recipient_id"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *handler) attempts(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Attempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]attemptResp, 0, len(list))
	for _, a := range list {
		out = append(out, attemptResp{
			RecipientID:  a.RecipientID,
			Status:       string(a.Status),
			AttemptCount: a.AttemptCount,
			LastError:    a.LastError,
			UpdatedAt:    a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	detail, err := h.health()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error(), "detail": detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "detail": detail})
}

// bind decodes and validates the body. It writes the error response itself.
func (h *handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResp(err))
		return false
	}
	return true
}

func validationResp(err error) errorResp {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errorResp{Error: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		fields[fe.Field()] = reason
	}
	return errorResp{Error: "validation failed", Fields: fields}
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *newsletter.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "validation failed", Fields: map[string]string{verr.Field: verr.Reason}})
	case errors.Is(err, newsletter.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, newsletter.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "job not found"})
	case errors.Is(err, newsletter.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "request cancelled"})
	default:
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func adminID(r *http.Request) string { return strings.TrimSpace(r.Header.Get(AdminHeader)) }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
