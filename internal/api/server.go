package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"async-notify/internal/config"
	"async-notify/internal/queue"
	"async-notify/internal/ratelimit"
	"async-notify/internal/telemetry"
	"async-notify/internal/worker"
)

// Server wires HTTP handlers for provider callbacks and queue operations.
type Server struct {
	cfg       config.Config
	processor *worker.Processor
	limiter   ratelimit.Limiter
	logger    zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, processor *worker.Processor, limiter ratelimit.Limiter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		limiter:   limiter,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/notify/{category}", s.handleNotify)
	r.Route("/queues/{category}", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/drain", s.handleDrain)
		r.Get("/status", s.handleStatus)
		r.Get("/failed", s.handleFailed)
		r.Delete("/", s.handleClear)
	})
	r.With(contentTypeJSON).Get("/tasks/{id}", s.handleGetTask)
	return r
}

// handleNotify answers the provider with its ack token: AckSuccess once the
// notification is durably queued, AckFailure otherwise so the provider retries.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	prov, err := s.processor.Registry().Get(category)
	if err != nil {
		http.Error(w, "unknown category", http.StatusNotFound)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), category)
		if err != nil {
			// Limiter errors fail open.
			s.logger.Warn().Err(err).Str("category", category).Msg("rate limiter unavailable")
		} else if !allowed {
			telemetry.RateLimitRejects.WithLabelValues(category).Inc()
			writeAck(w, http.StatusTooManyRequests, prov.AckFailure)
			return
		}
	}

	n, err := parseNotification(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("category", category).Msg("unreadable notification")
		writeAck(w, http.StatusBadRequest, prov.AckFailure)
		return
	}

	res := s.processor.Submit(r.Context(), category, n)
	if res.Accepted {
		w.Header().Set("X-Task-ID", res.TaskID)
		writeAck(w, http.StatusOK, prov.AckSuccess)
		return
	}
	w.Header().Set("X-Notify-Reason", string(res.Reason))
	if res.Reason == worker.ReasonSignError {
		writeAck(w, http.StatusBadRequest, prov.AckFailure)
		return
	}
	writeAck(w, http.StatusServiceUnavailable, prov.AckFailure)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.known(w, category) {
		return
	}
	limit := s.cfg.Batch.Size
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	summary, err := s.processor.Drain(r.Context(), category, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("category", category).Msg("drain failed")
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "summary": summary})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type statusResponse struct {
	Category   string `json:"category"`
	Backend    string `json:"backend"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Retry      int64  `json:"retry"`
	Failed     int64  `json:"failed"`
	Backlog    int64  `json:"backlog"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.known(w, category) {
		return
	}
	counts, err := s.processor.Status(r.Context(), category)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Category:   category,
		Backend:    s.processor.Primary().Name(),
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Retry:      counts.Retry,
		Failed:     counts.Failed,
		Backlog:    counts.Backlog(),
	})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.known(w, category) {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.processor.Failed(r.Context(), category, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks, "count": len(tasks)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.known(w, category) {
		return
	}
	if err := s.processor.Clear(r.Context(), category); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Warn().Str("category", category).Msg("queue cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.processor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) known(w http.ResponseWriter, category string) bool {
	if _, err := s.processor.Registry().Get(category); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return false
	}
	return true
}

// parseNotification accepts either a JSON object or form fields.
func parseNotification(r *http.Request) (worker.Notification, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	n := worker.Notification{}

	if mediaType == "application/json" {
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		for k, v := range body {
			switch t := v.(type) {
			case nil:
			case string:
				n[k] = t
			case json.Number:
				n[k] = t.String()
			case bool:
				n[k] = strconv.FormatBool(t)
			default:
				raw, _ := json.Marshal(t)
				n[k] = string(raw)
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		for k, v := range r.Form {
			if len(v) > 0 {
				n[k] = v[0]
			}
		}
	}
	if len(n) == 0 {
		return nil, errors.New("empty notification")
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case queue.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeAck(w http.ResponseWriter, code int, token string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(token))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
