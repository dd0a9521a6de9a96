package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
)

// DB is the subset of *pgxpool.Pool used by the repository
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const selectColumns = `id, user_id, username, score, recorded_at, game_details`

// columns maps record fields onto table columns
var columns = map[string]string{
	domain.FieldUserID:      "user_id",
	domain.FieldUsername:    "username",
	domain.FieldScore:       "score",
	domain.FieldTimestamp:   "recorded_at",
	domain.FieldGameDetails: "game_details",
}

// Repository provides PostgreSQL-based score storage
type Repository struct {
	db     DB
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewWithDB(pool, logger), nil
}

// NewWithDB wraps an existing pool or mock
func NewWithDB(db DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.db.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS score_records (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			score JSONB NOT NULL,
			score_rank DOUBLE PRECISION,
			recorded_at VARCHAR(64) NOT NULL,
			game_details JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_records_user ON score_records(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_score_records_rank ON score_records(score_rank DESC NULLS LAST)`,
	}

	for _, migration := range migrations {
		_, err := r.db.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// Insert stores a new record
func (r *Repository) Insert(ctx context.Context, rec domain.ScoreRecord) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	id := uid.String()

	score, details, err := encodeJSON(rec.Score, rec.GameDetails)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO score_records (id, user_id, username, score, score_rank, recorded_at, game_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Exec(ctx, query,
		id,
		rec.UserID,
		rec.Username,
		score,
		scoreRank(rec.Score),
		rec.Timestamp,
		details,
	)
	if err != nil {
		return "", unavailable("inserting score", err)
	}
	return id, nil
}

// Get retrieves a record by id
func (r *Repository) Get(ctx context.Context, id string) (*domain.ScoreRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM score_records WHERE id = $1`

	_, rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, unavailable("getting score", err)
	}
	return &rec, nil
}

// GetAll retrieves every record
func (r *Repository) GetAll(ctx context.Context) (map[string]domain.ScoreRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM score_records`)
	if err != nil {
		return nil, unavailable("listing scores", err)
	}
	return collect(rows)
}

// FindByEquality filters on a single column
func (r *Repository) FindByEquality(ctx context.Context, field string, value domain.Value) (map[string]domain.ScoreRecord, error) {
	column, ok := columns[field]
	if !ok {
		return map[string]domain.ScoreRecord{}, nil
	}

	var arg any
	placeholder := "$1"
	switch field {
	case domain.FieldScore, domain.FieldGameDetails:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", field, err)
		}
		arg = string(data)
		placeholder = "$1::jsonb"
	default:
		text, ok := value.Text()
		if !ok {
			return map[string]domain.ScoreRecord{}, nil
		}
		arg = text
	}

	query := `SELECT ` + selectColumns + ` FROM score_records WHERE ` + column + ` = ` + placeholder
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, unavailable("filtering scores", err)
	}
	return collect(rows)
}

// FindTopByField returns every numeric score at or above the limit-th highest
// score_rank together with every non-numeric score, then keeps the last limit
// in ascending order. The whole tie group at the cutoff is read so that
// LastByField decides which tied records make the cut.
func (r *Repository) FindTopByField(ctx context.Context, field string, limit int) ([]domain.ScoreEntry, error) {
	if limit <= 0 {
		return []domain.ScoreEntry{}, nil
	}

	if field != domain.FieldScore {
		all, err := r.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		return domain.LastByField(all, field, limit), nil
	}

	query := `
		SELECT ` + selectColumns + ` FROM score_records
		 WHERE score_rank >= (
			SELECT MIN(score_rank) FROM (
				SELECT score_rank FROM score_records
				 WHERE score_rank IS NOT NULL
				 ORDER BY score_rank DESC
				 LIMIT $1
			) AS cutoff
		 )
		UNION ALL
		SELECT ` + selectColumns + ` FROM score_records WHERE score_rank IS NULL
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, unavailable("getting top scores", err)
	}
	candidates, err := collect(rows)
	if err != nil {
		return nil, err
	}
	return domain.LastByField(candidates, field, limit), nil
}

// Update merges the present fields into an existing record
func (r *Repository) Update(ctx context.Context, id string, upd domain.ScoreUpdate) error {
	sets := []string{}
	args := []any{id}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Score != nil {
		score, err := json.Marshal(*upd.Score)
		if err != nil {
			return fmt.Errorf("encoding score: %w", err)
		}
		set("score", string(score))
		set("score_rank", scoreRank(*upd.Score))
	}
	if upd.Username != nil {
		set("username", *upd.Username)
	}
	if upd.GameDetails != nil {
		details, err := json.Marshal(*upd.GameDetails)
		if err != nil {
			return fmt.Errorf("encoding game details: %w", err)
		}
		set("game_details", string(details))
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE score_records SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return unavailable("updating score", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrScoreNotFound
	}
	return nil
}

// Delete removes a record
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM score_records WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return unavailable("deleting score", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrScoreNotFound
	}
	return nil
}

// scoreRank is the sortable form of a score; nil for non-numeric scores
func scoreRank(score domain.Value) *float64 {
	if f, ok := score.Float64(); ok {
		return &f
	}
	return nil
}

func encodeJSON(score domain.Value, details domain.GameDetails) (string, string, error) {
	s, err := json.Marshal(score)
	if err != nil {
		return "", "", fmt.Errorf("encoding score: %w", err)
	}
	d, err := json.Marshal(details)
	if err != nil {
		return "", "", fmt.Errorf("encoding game details: %w", err)
	}
	return string(s), string(d), nil
}

func scanRecord(row pgx.Row) (string, domain.ScoreRecord, error) {
	var (
		id      string
		rec     domain.ScoreRecord
		score   []byte
		details []byte
	)
	if err := row.Scan(&id, &rec.UserID, &rec.Username, &score, &rec.Timestamp, &details); err != nil {
		return "", domain.ScoreRecord{}, err
	}

	if err := json.Unmarshal(score, &rec.Score); err != nil {
		return "", domain.ScoreRecord{}, fmt.Errorf("decoding score: %w", err)
	}
	rec.GameDetails = domain.GameDetails{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.GameDetails); err != nil {
			return "", domain.ScoreRecord{}, fmt.Errorf("decoding game details: %w", err)
		}
	}
	return id, rec, nil
}

func collect(rows pgx.Rows) (map[string]domain.ScoreRecord, error) {
	defer rows.Close()

	out := make(map[string]domain.ScoreRecord)
	for rows.Next() {
		id, rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		out[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading scores", err)
	}
	return out, nil
}
