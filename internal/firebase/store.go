package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
)

// Store keeps score records as children of a Realtime Database reference.
// Record ids are the push keys generated by the database.
type Store struct {
	ref    *db.Ref
	logger *slog.Logger
}

// New initializes the Firebase app and opens the configured reference
func New(ctx context.Context, cfg *config.FirebaseConfig, logger *slog.Logger) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	logger.Info("connected to firebase realtime database", "url", cfg.DatabaseURL, "ref", cfg.Ref)

	return &Store{
		ref:    client.NewRef(cfg.Ref),
		logger: logger,
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// Insert pushes a new child and returns its key
func (s *Store) Insert(ctx context.Context, rec domain.ScoreRecord) (string, error) {
	child, err := s.ref.Push(ctx, rec)
	if err != nil {
		return "", unavailable("pushing score", err)
	}
	return child.Key, nil
}

// Get reads a single child
func (s *Store) Get(ctx context.Context, id string) (*domain.ScoreRecord, error) {
	var raw json.RawMessage
	if err := s.ref.Child(id).Get(ctx, &raw); err != nil {
		return nil, unavailable("getting score", err)
	}
	if isNull(raw) {
		return nil, domain.ErrScoreNotFound
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding score %s: %w", id, err)
	}
	return &rec, nil
}

// GetAll reads every child of the reference
func (s *Store) GetAll(ctx context.Context) (map[string]domain.ScoreRecord, error) {
	var raw map[string]json.RawMessage
	if err := s.ref.Get(ctx, &raw); err != nil {
		return nil, unavailable("listing scores", err)
	}
	return s.decodeChildren(raw), nil
}

// FindByEquality runs an orderByChild/equalTo query
func (s *Store) FindByEquality(ctx context.Context, field string, value domain.Value) (map[string]domain.ScoreRecord, error) {
	var raw map[string]json.RawMessage
	if err := s.ref.OrderByChild(field).EqualTo(value.Interface()).Get(ctx, &raw); err != nil {
		return nil, unavailable("filtering scores", err)
	}
	return s.decodeChildren(raw), nil
}

// FindTopByField runs an orderByChild/limitToLast query to find the cutoff
// value, then reads every child at or above it with startAt. Reading the whole
// tie group at the cutoff lets LastByField decide which tied records make the
// cut, since the database breaks ties by key.
func (s *Store) FindTopByField(ctx context.Context, field string, limit int) ([]domain.ScoreEntry, error) {
	if limit <= 0 {
		return []domain.ScoreEntry{}, nil
	}

	var raw map[string]json.RawMessage
	if err := s.ref.OrderByChild(field).LimitToLast(limit).Get(ctx, &raw); err != nil {
		return nil, unavailable("getting top scores", err)
	}
	candidates := s.decodeChildren(raw)
	if len(raw) < limit || len(candidates) == 0 {
		return domain.LastByField(candidates, field, limit), nil
	}

	lowest := domain.LastByField(candidates, field, len(candidates))[0]
	cutoff, _ := lowest.Field(field)

	raw = nil
	if err := s.ref.OrderByChild(field).StartAt(cutoff.Interface()).Get(ctx, &raw); err != nil {
		return nil, unavailable("getting top scores", err)
	}
	return domain.LastByField(s.decodeChildren(raw), field, limit), nil
}

// Update merges the present fields inside a transaction so that a missing
// child is never recreated
func (s *Store) Update(ctx context.Context, id string, upd domain.ScoreUpdate) error {
	fields := updateFields(upd)
	if len(fields) == 0 {
		return nil
	}

	err := s.ref.Child(id).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var current map[string]interface{}
		if err := node.Unmarshal(&current); err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrScoreNotFound
		}
		for k, v := range fields {
			current[k] = v
		}
		return current, nil
	})
	return transactionError("updating score", err)
}

// Delete removes a child; a transaction guards the existence check
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.ref.Child(id).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var current json.RawMessage
		if err := node.Unmarshal(&current); err != nil {
			return nil, err
		}
		if isNull(current) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, nil
	})
	return transactionError("deleting score", err)
}

func transactionError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrScoreNotFound):
		return domain.ErrScoreNotFound
	default:
		return unavailable(op, err)
	}
}

// decodeChildren decodes a snapshot keyed by child id, skipping malformed children
func (s *Store) decodeChildren(raw map[string]json.RawMessage) map[string]domain.ScoreRecord {
	out := make(map[string]domain.ScoreRecord, len(raw))
	for id, child := range raw {
		rec, err := decodeRecord(child)
		if err != nil {
			s.logger.Warn("skipping undecodable score", "score_id", id, "error", err)
			continue
		}
		out[id] = rec
	}
	return out
}

// updateFields converts the present fields into plain values for the database
func updateFields(upd domain.ScoreUpdate) map[string]interface{} {
	present := upd.Fields()
	out := make(map[string]interface{}, len(present))
	for k, v := range present {
		out[k] = v.Interface()
	}
	return out
}

// decodeRecord decodes a child. The database drops empty objects, so a
// missing game_details becomes an empty one.
func decodeRecord(raw json.RawMessage) (domain.ScoreRecord, error) {
	var rec domain.ScoreRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ScoreRecord{}, err
	}
	if rec.GameDetails == nil {
		rec.GameDetails = domain.GameDetails{}
	}
	return rec, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
