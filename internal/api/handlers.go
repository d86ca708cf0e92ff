package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"kinect/shared/reminders"
)

const defaultTriggerTimeout = time.Hour

type handler struct {
	engine         Notifier
	trigger        Trigger
	checks         map[string]Pinger
	triggerTimeout time.Duration
	logger         zerolog.Logger
	clock          func() time.Time
}

func newHandler(engine Notifier, opts Options) *handler {
	h := &handler{
		engine:         engine,
		trigger:        opts.Trigger,
		checks:         opts.Checks,
		triggerTimeout: opts.TriggerTimeout,
		logger:         opts.Logger.With().Str("component", "api").Logger(),
		clock:          opts.Clock,
	}
	if h.triggerTimeout <= 0 {
		h.triggerTimeout = defaultTriggerTimeout
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	return h
}

type triggerRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type scheduleResponse struct {
	Enabled bool                  `json:"enabled"`
	Running bool                  `json:"running"`
	NextRun *time.Time            `json:"next_run,omitempty"`
	LastRun *reminders.RunSummary `json:"last_run,omitempty"`
}

type testResponse struct {
	Sent         bool   `json:"sent"`
	OverdueCount int    `json:"overdue_count"`
	MessageID    string `json:"message_id,omitempty"`
}

func (h *handler) triggerDaily(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.TimeoutSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("timeout_seconds must not be negative"))
		return
	}

	timeout := h.triggerTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	// The run outlives a client that hangs up; only the timeout stops it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	var (
		summary reminders.RunSummary
		err     error
	)
	if h.trigger != nil {
		summary, err = h.trigger.RunNow(ctx)
	} else {
		summary, err = h.engine.RunForAllUsers(ctx, h.clock())
	}
	switch {
	case err == nil:
		if summary.Failures == nil {
			summary.Failures = []reminders.UserFailure{}
		}
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, reminders.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, reminders.ErrDataAccess):
		h.requestLogger(r).Error().Err(err).Msg("reminder run aborted")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("contact store unavailable"))
	default:
		h.requestLogger(r).Error().Err(err).Msg("reminder run failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (h *handler) schedule(w http.ResponseWriter, _ *http.Request) {
	if h.trigger == nil {
		writeJSON(w, http.StatusOK, scheduleResponse{})
		return
	}

	resp := scheduleResponse{Enabled: true, Running: h.trigger.IsRunning()}
	if next := h.trigger.Next(); !next.IsZero() {
		resp.NextRun = &next
	}
	if last, ok := h.trigger.LastRun(); ok {
		resp.LastRun = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) sendTest(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	res, err := h.engine.RunForUser(r.Context(), userID, h.clock())
	if err != nil {
		h.writeUserError(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, testResponse{
		Sent:         res.Sent,
		OverdueCount: res.OverdueCount,
		MessageID:    res.MessageID,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	stats, err := h.engine.Stats(r.Context(), userID, h.clock())
	if err != nil {
		h.writeUserError(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) writeUserError(w http.ResponseWriter, r *http.Request, userID int64, err error) {
	logger := h.requestLogger(r)
	switch {
	case errors.Is(err, reminders.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("user not found"))
	case errors.Is(err, reminders.ErrDataAccess):
		logger.Error().Err(err).Int64("user_id", userID).Msg("contact store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("contact store unavailable"))
	case errors.Is(err, reminders.ErrTransientDelivery), errors.Is(err, reminders.ErrPermanentDelivery):
		logger.Warn().Err(err).Int64("user_id", userID).Msg("test digest not delivered")
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody("timed out"))
	default:
		logger.Error().Err(err).Int64("user_id", userID).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			result[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func (h *handler) requestLogger(r *http.Request) *zerolog.Logger {
	l := h.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
	return &l
}
