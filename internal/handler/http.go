package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/score-tracker/internal/domain"
	"github.com/score-tracker/internal/metrics"
	"github.com/score-tracker/internal/service"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Error messages returned to clients
const (
	msgMissingFields    = "Missing required fields"
	msgInvalidBody      = "Invalid request body"
	msgScoreNotFound    = "Score not found"
	msgStoreUnavailable = "Score store unavailable"
	msgInternalError    = "Internal server error"
)

// Handler provides HTTP handlers for the score API
type Handler struct {
	service     *service.ScoreService
	logger      *slog.Logger
	metrics     *metrics.Metrics
	metricsPath string
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.ScoreService, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// WithMetrics instruments the router and serves the registry on path
func (h *Handler) WithMetrics(m *metrics.Metrics, path string) *Handler {
	h.metrics = m
	h.metricsPath = path
	return h
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitResponse is returned after a score is stored
type SubmitResponse struct {
	ID      string             `json:"id"`
	Message string             `json:"message"`
	Data    domain.ScoreRecord `json:"data"`
}

// MutationResponse is returned after an update or delete
type MutationResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, h.metricsPath, h.metrics.Handler())
	}

	r.Get("/", h.Status)

	r.Route("/scores", func(r chi.Router) {
		r.Get("/", h.ListScores)
		r.Post("/", h.SubmitScore)
		r.Get("/top", h.TopScores)
		r.Put("/{scoreID}", h.UpdateScore)
		r.Delete("/{scoreID}", h.DeleteScore)
	})

	r.Get("/users/{userID}/scores", h.ListUserScores)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps err onto a status code and a client-safe message.
// Server-side failures are logged with their cause.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var status int
	var msg string

	switch {
	case domain.IsValidationError(err):
		status, msg = http.StatusBadRequest, msgInvalidBody
		if errors.Is(err, domain.ErrMissingFields) {
			msg = msgMissingFields
		}
	case errors.Is(err, domain.ErrScoreNotFound):
		status, msg = http.StatusNotFound, msgScoreNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, msgStoreUnavailable
	default:
		status, msg = http.StatusInternalServerError, msgInternalError
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("failed to "+op,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

// readBody reads a bounded request body
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Join(domain.ErrInvalidPayload, err)
	}
	return data, nil
}

// Status returns service status and the endpoint overview
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Status())
}

// ListScores returns all scores, optionally filtered by ?user_id=
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.service.ListScores(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, "list scores", err)
		return
	}

	h.writeJSON(w, http.StatusOK, scores)
}

// ListUserScores returns the scores of the user in the path
func (h *Handler) ListUserScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.service.ListUserScores(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, "list user scores", err)
		return
	}

	h.writeJSON(w, http.StatusOK, scores)
}

// TopScores returns the highest scores, ?count= of them
func (h *Handler) TopScores(w http.ResponseWriter, r *http.Request) {
	count := h.service.DefaultTopCount()
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.Atoi(countStr); err == nil {
			count = c
		}
	}

	entries, err := h.service.TopScores(r.Context(), count)
	if err != nil {
		h.writeError(w, r, "get top scores", err)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// SubmitScore handles score submission
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, "read body", err)
		return
	}

	submission, err := domain.DecodeSubmission(body)
	if err != nil {
		h.writeError(w, r, "decode score", err)
		return
	}

	entry, err := h.service.SubmitScore(r.Context(), submission)
	if err != nil {
		h.writeError(w, r, "submit score", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, SubmitResponse{
		ID:      entry.ID,
		Message: service.MessageScoreAdded,
		Data:    entry.ScoreRecord,
	})
}

// UpdateScore applies a partial update to a score
func (h *Handler) UpdateScore(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "scoreID")

	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, "read body", err)
		return
	}

	update, err := domain.DecodeUpdate(body)
	if err != nil {
		h.writeError(w, r, "decode update", err)
		return
	}

	if err := h.service.UpdateScore(r.Context(), scoreID, update); err != nil {
		h.writeError(w, r, "update score", err)
		return
	}

	h.writeJSON(w, http.StatusOK, MutationResponse{
		Message: service.MessageScoreUpdated,
		ID:      scoreID,
	})
}

// DeleteScore removes a score
func (h *Handler) DeleteScore(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "scoreID")

	if err := h.service.DeleteScore(r.Context(), scoreID); err != nil {
		h.writeError(w, r, "delete score", err)
		return
	}

	h.writeJSON(w, http.StatusOK, MutationResponse{
		Message: service.MessageScoreDeleted,
		ID:      scoreID,
	})
}
