package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sketchy-comics/internal/admission"
	"sketchy-comics/internal/config"
	"sketchy-comics/internal/keys"
	"sketchy-comics/internal/models"
	"sketchy-comics/internal/notify"
	"sketchy-comics/internal/queue"
	"sketchy-comics/internal/ratelimit"
	"sketchy-comics/internal/storage"
	"sketchy-comics/internal/store"
	"sketchy-comics/internal/telemetry"
)

// JobReader is the read/maintenance slice of the store the API needs beyond
// admission.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetPanels(ctx context.Context, jobID string) ([]models.Panel, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// Server wires the HTTP handlers for comic submission and retrieval.
type Server struct {
	cfg      config.Config
	admit    *admission.Controller
	jobs     JobReader
	dispatch *queue.Dispatch
	limiter  *ratelimit.TokenBucket
	keys     *keys.Directory
	storage  storage.Backend
	notifier *notify.Notifier
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, admit *admission.Controller, jobs JobReader, dispatch *queue.Dispatch,
	limiter *ratelimit.TokenBucket, dir *keys.Directory, st storage.Backend,
	notifier *notify.Notifier, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		admit:    admit,
		jobs:     jobs,
		dispatch: dispatch,
		limiter:  limiter,
		keys:     dir,
		storage:  st,
		notifier: notifier,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/files/*", s.handleFile)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/comic", s.handleSubmit)
		r.Get("/comic/{id}", s.handleGetJob)
		r.Get("/comic/{id}/panels/{n}", s.handlePanelImage)
		r.Get("/comic/{id}/combined", s.handleCombinedImage)
		r.Get("/balance", s.handleBalance)
		r.Post("/webhook/test", s.handleWebhookTest)
		r.Post("/admin/purge", s.handlePurge)
	})
	return r
}

type ctxKey int

const keyInfoCtx ctxKey = 0

// authenticate resolves X-API-Key against the configured directory. With no
// keys configured the directory runs in dev mode and accepts anything.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := s.keys.Lookup(r.Header.Get("X-API-Key"))
		if !ok {
			errorJSON(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyInfoCtx, info)))
	})
}

func keyFrom(r *http.Request) keys.KeyInfo {
	info, _ := r.Context().Value(keyInfoCtx).(keys.KeyInfo)
	return info
}

type submitResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), key.ID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "burst limiter unavailable", slog.Any("error", err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			errorJSON(w, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}
	}

	var req models.ComicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.admit.Submit(r.Context(), key, req)
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrInvalidInput):
			errorJSON(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrRateLimited):
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", retryAfter(s.cfg.RateLimitWindow))
			errorJSON(w, http.StatusTooManyRequests, "hourly quota exhausted for this API key")
		default:
			s.logger.ErrorContext(r.Context(), "submit failed", slog.Any("error", err))
			errorJSON(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	if s.dispatch != nil {
		if err := s.dispatch.Push(r.Context(), job.ID); err != nil {
			// Workers fall back to polling the store, so a Redis hiccup
			// only delays pickup.
			s.logger.WarnContext(r.Context(), "dispatch push failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:        job.ID,
		Status:    job.State,
		CreatedAt: job.CreatedAt,
	})
}

type jobResponse struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Progress        *string        `json:"progress,omitempty"`
	PanelsRequested int            `json:"panels_requested"`
	PanelsCompleted int            `json:"panels_completed"`
	Tone            string         `json:"tone"`
	Error           *string        `json:"error,omitempty"`
	Result          *models.Result `json:"result,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{
		ID:              job.ID,
		Status:          job.State,
		Progress:        job.Progress,
		PanelsRequested: job.Request.PanelCount,
		PanelsCompleted: job.PanelsDone,
		Tone:            job.Request.Tone,
		Error:           job.LastError,
		Result:          job.Result,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePanelImage(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	n := chi.URLParam(r, "n")
	panels, err := s.jobs.GetPanels(r.Context(), job.ID)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "failed to load panels")
		return
	}
	for _, panel := range panels {
		if strconv.Itoa(panel.Index) == n && panel.ArtifactKey != nil {
			s.serveArtifact(w, r, *panel.ArtifactKey)
			return
		}
	}
	errorJSON(w, http.StatusNotFound, "panel not found or not rendered yet")
}

func (s *Server) handleCombinedImage(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Result == nil || job.Result.CombinedKey == "" {
		errorJSON(w, http.StatusNotFound, "comic not assembled yet")
		return
	}
	s.serveArtifact(w, r, job.Result.CombinedKey)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.admit.Balance(r.Context(), keyFrom(r))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "balance lookup failed", slog.Any("error", err))
		errorJSON(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type webhookTestRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req webhookTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		errorJSON(w, http.StatusBadRequest, "url is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errorJSON(w, http.StatusBadRequest, "url must be http or https")
		return
	}

	delivered := s.notifier.Notify(r.Context(), req.URL, models.WebhookPayload{
		Event: models.EventTest,
		JobID: "test",
		State: "test",
	})
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

type purgeRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

// handlePurge deletes terminal jobs older than the cutoff. Enterprise only.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	if key.Tier != models.TierEnterprise && !s.keys.DevMode() {
		errorJSON(w, http.StatusForbidden, "admin operations require an enterprise key")
		return
	}

	req := purgeRequest{OlderThanHours: 24}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.OlderThanHours < 1 {
		errorJSON(w, http.StatusBadRequest, "older_than_hours must be at least 1")
		return
	}

	before := time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	purged, err := s.jobs.PurgeTerminal(r.Context(), before)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "purge failed", slog.Any("error", err))
		errorJSON(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// handleFile serves stored artifacts by key, for the local storage backend.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" || strings.Contains(key, "..") {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	s.serveArtifact(w, r, key)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, key string) {
	data, err := s.storage.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "artifact read failed",
			slog.String("key", key), slog.Any("error", err))
		errorJSON(w, http.StatusInternalServerError, "artifact read failed")
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(key))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ownedJob loads the job in the path and enforces key ownership. Unknown and
// foreign jobs are indistinguishable to the caller.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "job not found")
		} else {
			s.logger.ErrorContext(r.Context(), "job lookup failed", slog.Any("error", err))
			errorJSON(w, http.StatusInternalServerError, "job lookup failed")
		}
		return models.Job{}, false
	}
	key := keyFrom(r)
	if job.APIKeyID != key.ID && !s.keys.DevMode() {
		errorJSON(w, http.StatusNotFound, "job not found")
		return models.Job{}, false
	}
	return job, true
}

func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
