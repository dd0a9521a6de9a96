package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
)

// Key layout
const (
	idsKey         = "scores:ids"
	byScoreKey     = "scores:by_score"
	nonNumericKey  = "scores:by_score:other"
	recordPrefix   = "score:"
	userPrefix     = "scores:user:"
	maxTxnAttempts = 5
)

// Store keeps score records in Redis hashes with set and sorted-set indexes.
// Numeric scores live in a sorted set; all other score kinds are tracked in a
// plain set and ranked client-side.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func recordKey(id string) string {
	return recordPrefix + id
}

func userKey(userID string) string {
	return userPrefix + userID
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// Insert stores a record and its index entries in one transaction
func (s *Store) Insert(ctx context.Context, rec domain.ScoreRecord) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	id := uid.String()

	fields, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(id), fields)
		pipe.SAdd(ctx, idsKey, id)
		pipe.SAdd(ctx, userKey(rec.UserID), id)
		indexScore(ctx, pipe, id, rec.Score)
		return nil
	})
	if err != nil {
		return "", unavailable("inserting score", err)
	}
	return id, nil
}

// Get returns a single record
func (s *Store) Get(ctx context.Context, id string) (*domain.ScoreRecord, error) {
	raw, err := s.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, unavailable("getting score", err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrScoreNotFound
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding score %s: %w", id, err)
	}
	return &rec, nil
}

// GetAll returns every record
func (s *Store) GetAll(ctx context.Context) (map[string]domain.ScoreRecord, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, unavailable("listing score ids", err)
	}
	return s.load(ctx, ids)
}

// FindByEquality uses the per-user index for user_id and scans otherwise
func (s *Store) FindByEquality(ctx context.Context, field string, value domain.Value) (map[string]domain.ScoreRecord, error) {
	if field == domain.FieldUserID {
		userID, ok := value.Text()
		if !ok {
			return map[string]domain.ScoreRecord{}, nil
		}
		ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
		if err != nil {
			return nil, unavailable("listing user scores", err)
		}
		return s.load(ctx, ids)
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return domain.FilterByField(all, field, value), nil
}

// FindTopByField reads every numeric score at or above the limit-th highest
// one, plus every non-numeric score, then keeps the last limit in ascending
// order. Reading the whole tie group at the cutoff lets LastByField decide
// which tied records make the cut.
func (s *Store) FindTopByField(ctx context.Context, field string, limit int) ([]domain.ScoreEntry, error) {
	if limit <= 0 {
		return []domain.ScoreEntry{}, nil
	}

	if field != domain.FieldScore {
		all, err := s.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		return domain.LastByField(all, field, limit), nil
	}

	var cutoffCmd *redis.ZSliceCmd
	var otherCmd *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cutoffCmd = pipe.ZRevRangeWithScores(ctx, byScoreKey, int64(limit-1), int64(limit-1))
		otherCmd = pipe.SMembers(ctx, nonNumericKey)
		return nil
	})
	if err != nil {
		return nil, unavailable("getting top scores", err)
	}

	floor := "-inf"
	if cutoff := cutoffCmd.Val(); len(cutoff) > 0 {
		floor = strconv.FormatFloat(cutoff[0].Score, 'g', -1, 64)
	}
	top, err := s.client.ZRangeByScore(ctx, byScoreKey, &redis.ZRangeBy{Min: floor, Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable("getting top scores", err)
	}

	ids := append(top, otherCmd.Val()...)
	candidates, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return domain.LastByField(candidates, field, limit), nil
}

// Update merges the present fields, retrying when the record changes
// between the read and the write
func (s *Store) Update(ctx context.Context, id string, upd domain.ScoreUpdate) error {
	key := recordKey(id)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return domain.ErrScoreNotFound
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("decoding score %s: %w", id, err)
		}

		updated := upd.Apply(current)
		fields, err := encodeRecord(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if upd.Score != nil {
				pipe.ZRem(ctx, byScoreKey, id)
				pipe.SRem(ctx, nonNumericKey, id)
				indexScore(ctx, pipe, id, updated.Score)
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, "updating score", txn, key)
}

// Delete removes a record and its index entries
func (s *Store) Delete(ctx context.Context, id string) error {
	key := recordKey(id)

	txn := func(tx *redis.Tx) error {
		userID, err := tx.HGet(ctx, key, domain.FieldUserID).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrScoreNotFound
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, idsKey, id)
			pipe.SRem(ctx, userKey(userID), id)
			pipe.ZRem(ctx, byScoreKey, id)
			pipe.SRem(ctx, nonNumericKey, id)
			return nil
		})
		return err
	}

	return s.watch(ctx, "deleting score", txn, key)
}

// watch runs fn under WATCH on keys, retrying optimistic-lock failures
func (s *Store) watch(ctx context.Context, op string, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			s.logger.Debug("redis transaction conflict, retrying", "op", op, "attempt", attempt+1)
			continue
		case errors.Is(err, domain.ErrScoreNotFound):
			return err
		default:
			return unavailable(op, err)
		}
	}
	return unavailable(op, err)
}

// load fetches the hashes of ids in one pipeline. Ids whose hash has
// vanished are skipped.
func (s *Store) load(ctx context.Context, ids []string) (map[string]domain.ScoreRecord, error) {
	out := make(map[string]domain.ScoreRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds[id] = pipe.HGetAll(ctx, recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("loading scores", err)
	}

	for id, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable score", "score_id", id, "error", err)
			continue
		}
		out[id] = rec
	}
	return out, nil
}

// indexScore adds id to the sorted set when the score is numeric
func indexScore(ctx context.Context, pipe redis.Pipeliner, id string, score domain.Value) {
	if f, ok := score.Float64(); ok {
		pipe.ZAdd(ctx, byScoreKey, redis.Z{Score: f, Member: id})
		return
	}
	pipe.SAdd(ctx, nonNumericKey, id)
}

// encodeRecord flattens a record into hash fields; JSON-valued fields are
// stored as their JSON text
func encodeRecord(rec domain.ScoreRecord) (map[string]interface{}, error) {
	score, err := json.Marshal(rec.Score)
	if err != nil {
		return nil, fmt.Errorf("encoding score: %w", err)
	}
	details, err := json.Marshal(rec.GameDetails)
	if err != nil {
		return nil, fmt.Errorf("encoding game details: %w", err)
	}

	return map[string]interface{}{
		domain.FieldUserID:      rec.UserID,
		domain.FieldUsername:    rec.Username,
		domain.FieldScore:       string(score),
		domain.FieldTimestamp:   rec.Timestamp,
		domain.FieldGameDetails: string(details),
	}, nil
}

func decodeRecord(raw map[string]string) (domain.ScoreRecord, error) {
	rec := domain.ScoreRecord{
		UserID:      raw[domain.FieldUserID],
		Username:    raw[domain.FieldUsername],
		Timestamp:   raw[domain.FieldTimestamp],
		GameDetails: domain.GameDetails{},
	}

	if v := raw[domain.FieldScore]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Score); err != nil {
			return domain.ScoreRecord{}, fmt.Errorf("decoding score: %w", err)
		}
	}
	if v := raw[domain.FieldGameDetails]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.GameDetails); err != nil {
			return domain.ScoreRecord{}, fmt.Errorf("decoding game details: %w", err)
		}
	}
	return rec, nil
}
