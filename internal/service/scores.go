package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
	"github.com/score-tracker/internal/metrics"
)

// ScoreStore is the persistence backend the service drives.
// Implementations wrap backend failures with domain.ErrStoreUnavailable.
type ScoreStore interface {
	// Insert persists a new record and returns its generated id.
	Insert(ctx context.Context, rec domain.ScoreRecord) (string, error)
	// Get returns domain.ErrScoreNotFound when id is absent.
	Get(ctx context.Context, id string) (*domain.ScoreRecord, error)
	GetAll(ctx context.Context) (map[string]domain.ScoreRecord, error)
	FindByEquality(ctx context.Context, field string, value domain.Value) (map[string]domain.ScoreRecord, error)
	// FindTopByField returns up to limit records with the largest field
	// values. Their order is unspecified.
	FindTopByField(ctx context.Context, field string, limit int) ([]domain.ScoreEntry, error)
	// Update merges the present fields; domain.ErrScoreNotFound when id is absent.
	Update(ctx context.Context, id string, upd domain.ScoreUpdate) error
	// Delete returns domain.ErrScoreNotFound when id is absent.
	Delete(ctx context.Context, id string) error
}

// Response messages
const (
	StatusRunning       = "API is running"
	MessageScoreAdded   = "Score added successfully"
	MessageScoreUpdated = "Score updated successfully"
	MessageScoreDeleted = "Score deleted successfully"
)

// endpoints describes the HTTP surface for the status payload
var endpoints = map[string]string{
	"GET /scores":                   "Get all scores",
	"GET /scores?user_id=<user_id>": "Get scores for specific user",
	"GET /scores/top?count=<count>": "Get top scores",
	"GET /users/<user_id>/scores":   "Get all scores for specific user",
	"POST /scores":                  "Add a new score",
	"PUT /scores/<score_id>":        "Update a score",
	"DELETE /scores/<score_id>":     "Delete a score",
}

// ScoreService provides business logic for score operations
type ScoreService struct {
	store   ScoreStore
	config  *config.ScoresConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewScoreService creates a new score service
func NewScoreService(store ScoreStore, cfg *config.ScoresConfig, logger *slog.Logger) *ScoreService {
	return &ScoreService{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetMetrics attaches the collectors updated on submissions
func (s *ScoreService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock replaces the time source used for record timestamps
func (s *ScoreService) SetClock(now func() time.Time) {
	s.now = now
}

// DefaultTopCount is the top-N size used when a caller gives none
func (s *ScoreService) DefaultTopCount() int {
	if s.config.DefaultTopCount > 0 {
		return s.config.DefaultTopCount
	}
	return 10
}

// ListScores returns every score, or only those of userID when it is set
func (s *ScoreService) ListScores(ctx context.Context, userID string) (map[string]domain.ScoreRecord, error) {
	if userID != "" {
		return s.ListUserScores(ctx, userID)
	}

	records, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	if records == nil {
		records = map[string]domain.ScoreRecord{}
	}
	return records, nil
}

// ListUserScores returns the scores submitted by userID
func (s *ScoreService) ListUserScores(ctx context.Context, userID string) (map[string]domain.ScoreRecord, error) {
	records, err := s.store.FindByEquality(ctx, domain.FieldUserID, domain.String(userID))
	if err != nil {
		return nil, fmt.Errorf("listing scores for user: %w", err)
	}
	if records == nil {
		records = map[string]domain.ScoreRecord{}
	}
	return records, nil
}

// TopScores returns up to count records ordered by score, highest first.
// Equal scores keep submission order (timestamp, then id).
func (s *ScoreService) TopScores(ctx context.Context, count int) ([]domain.ScoreEntry, error) {
	if s.config.MaxTopCount > 0 && count > s.config.MaxTopCount {
		count = s.config.MaxTopCount
	}

	candidates, err := s.store.FindTopByField(ctx, domain.FieldScore, count)
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}

	ranked := make([]domain.ScoreEntry, len(candidates))
	copy(ranked, candidates)
	rankDescending(ranked)

	if count < 0 {
		count = 0
	}
	if len(ranked) > count {
		ranked = ranked[:count]
	}
	return ranked, nil
}

// SubmitScore validates and stores a new score
func (s *ScoreService) SubmitScore(ctx context.Context, sub domain.ScoreSubmission) (*domain.ScoreEntry, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	rec := sub.ToRecord(s.now().UTC().Format(domain.TimestampLayout))
	id, err := s.store.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("inserting score: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ScoresSubmitted.Inc()
	}
	s.logger.Debug("score submitted", "score_id", id, "user_id", rec.UserID)

	return &domain.ScoreEntry{ID: id, ScoreRecord: rec}, nil
}

// UpdateScore applies the present fields of upd to an existing score.
// The lookup and the write are separate store calls.
func (s *ScoreService) UpdateScore(ctx context.Context, id string, upd domain.ScoreUpdate) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return fmt.Errorf("getting score: %w", err)
	}

	if upd.IsEmpty() {
		return nil
	}

	if err := s.store.Update(ctx, id, upd); err != nil {
		return fmt.Errorf("updating score: %w", err)
	}
	s.logger.Debug("score updated", "score_id", id)
	return nil
}

// DeleteScore removes an existing score
func (s *ScoreService) DeleteScore(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return fmt.Errorf("getting score: %w", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting score: %w", err)
	}
	s.logger.Debug("score deleted", "score_id", id)
	return nil
}

// Status describes the running service. It does not touch the store.
func (s *ScoreService) Status() domain.ServiceStatus {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return domain.ServiceStatus{
		Status:    StatusRunning,
		Timestamp: s.now().UTC().Format(domain.TimestampLayout),
		Endpoints: eps,
	}
}

// rankDescending sorts by score, highest first, then by timestamp and id ascending
func rankDescending(entries []domain.ScoreEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return domain.CompareRank(entries[i], entries[j], domain.FieldScore) > 0
	})
}
