// Package httpapi exposes the control-plane and query operations over
// HTTP/JSON.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"control-monitor/internal/model"
	"control-monitor/pkg/controlmonitor"
)

type Handler struct {
	client *controlmonitor.Client
	logger *slog.Logger
	router *mux.Router
}

// New builds the router. gatherer backs /metrics; nil serves the default
// registry.
func New(client *controlmonitor.Client, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{client: client, logger: logger.With("component", "http"), router: mux.NewRouter()}

	r := h.router
	r.Use(h.logRequests)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/statistics", h.statistics).Methods(http.MethodGet)
	r.HandleFunc("/events", h.events).Methods(http.MethodGet)

	r.HandleFunc("/groups", h.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups", h.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}", h.getGroup).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}", h.destroyGroup).Methods(http.MethodDelete)
	r.HandleFunc("/groups/{id}/controls", h.addControls).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}/controls", h.removeControls).Methods(http.MethodDelete)
	r.HandleFunc("/groups/{id}/autopoll", h.autoPoll).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}/autopoll", h.stopPolling).Methods(http.MethodDelete)
	r.HandleFunc("/groups/{id}/poll", h.poll).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/resume", h.resume).Methods(http.MethodPost)

	r.HandleFunc("/backups", h.listBackups).Methods(http.MethodGet)
	r.HandleFunc("/backups", h.backup).Methods(http.MethodPost)
	r.HandleFunc("/backups/restore", h.restore).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidQuery),
		errors.Is(err, model.ErrInvalidPollRate),
		errors.Is(err, model.ErrInvalidControlReference),
		errors.Is(err, model.ErrInvalidImport),
		errors.Is(err, errors.NotValid),
		errors.Is(err, errors.BadRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnknownGroup), errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateGroup), errors.Is(err, model.ErrRestoreConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrMonitoringDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTransportTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrCorruptionDetected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewBadRequest(err, "decode request body")
	}
	return nil
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.WithType(errors.Errorf("time %q is neither RFC 3339 nor unix milliseconds", s), model.ErrInvalidQuery)
	}
	return t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.WithType(errors.Errorf("integer %q", s), model.ErrInvalidQuery)
	}
	return n, nil
}
