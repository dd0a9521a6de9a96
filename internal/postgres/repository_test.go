package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-tracker/internal/domain"
)

var recordColumns = []string{"id", "user_id", "username", "score", "recorded_at", "game_details"}

func newTestRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewWithDB(mock, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestRunMigrations(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS score_records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_score_records_user").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_score_records_rank").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, repo.RunMigrations(context.Background()))
}

func TestInsert(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec("INSERT INTO score_records").
		WithArgs(pgxmock.AnyArg(), "u1", "Alice", "42", pgxmock.AnyArg(), "2024-01-01T00:00:00.000000Z", `{"level":3}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := repo.Insert(context.Background(), domain.ScoreRecord{
		UserID:      "u1",
		Username:    "Alice",
		Score:       domain.Int(42),
		Timestamp:   "2024-01-01T00:00:00.000000Z",
		GameDetails: domain.GameDetails{"level": domain.Int(3)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestInsert_Unavailable(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec("INSERT INTO score_records").WillReturnError(errors.New("connection reset"))

	_, err := repo.Insert(context.Background(), domain.ScoreRecord{UserID: "u1", Username: "A", Score: domain.Int(1)})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestGet(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT (.+) FROM score_records WHERE id = \$1`).
		WithArgs("id-1").
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("id-1", "u1", "Alice", []byte(`1.5`), "ts", []byte(`{"map":"dust"}`)))

	rec, err := repo.Get(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "ts", rec.Timestamp)
	f, ok := rec.Score.Float64()
	require.True(t, ok)
	assert.Equal(t, 1.5, f)
	assert.True(t, rec.GameDetails["map"].Equal(domain.String("dust")))
}

func TestGet_NotFound(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT (.+) FROM score_records WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrScoreNotFound)
}

func TestGetAll(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT (.+) FROM score_records`).
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("a", "u1", "Alice", []byte(`10`), "t1", []byte(`{}`)).
			AddRow("b", "u2", "Bob", []byte(`"high"`), "t2", []byte(`{}`)))

	all, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["b"].Score.Equal(domain.String("high")))
}

func TestFindByEquality(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`FROM score_records WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("a", "u1", "Alice", []byte(`10`), "t1", []byte(`{}`)))

	got, err := repo.FindByEquality(context.Background(), domain.FieldUserID, domain.String("u1"))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "a")
}

func TestFindByEquality_JSONColumn(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`FROM score_records WHERE score = \$1::jsonb`).
		WithArgs("10").
		WillReturnRows(mock.NewRows(recordColumns))

	got, err := repo.FindByEquality(context.Background(), domain.FieldScore, domain.Int(10))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFindByEquality_NoQueryForImpossibleMatch(t *testing.T) {
	repo, _ := newTestRepository(t)

	got, err := repo.FindByEquality(context.Background(), domain.FieldUserID, domain.Int(1))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.FindByEquality(context.Background(), "unknown", domain.String("x"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindTopByField(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT MIN\(score_rank\)`).
		WithArgs(2).
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("a", "u1", "Alice", []byte(`90`), "t1", []byte(`{}`)).
			AddRow("b", "u2", "Bob", []byte(`70`), "t2", []byte(`{}`)).
			AddRow("c", "u3", "Cara", []byte(`false`), "t3", []byte(`{}`)))

	top, err := repo.FindTopByField(context.Background(), domain.FieldScore, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].ID)
	assert.Equal(t, "a", top[1].ID)

	empty, err := repo.FindTopByField(context.Background(), domain.FieldScore, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFindTopByField_TieAtCutoff(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT MIN\(score_rank\)`).
		WithArgs(1).
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("b", "u2", "Bob", []byte(`50`), "2024-05-01T12:00:02.000000Z", []byte(`{}`)).
			AddRow("a", "u1", "Alice", []byte(`50`), "2024-05-01T12:00:01.000000Z", []byte(`{}`)))

	top, err := repo.FindTopByField(context.Background(), domain.FieldScore, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "a", top[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate(t *testing.T) {
	repo, mock := newTestRepository(t)
	score := domain.Int(99)
	name := "Alicia"

	mock.ExpectExec(`UPDATE score_records SET score = \$2, score_rank = \$3, username = \$4 WHERE id = \$1`).
		WithArgs("id-1", "99", pgxmock.AnyArg(), "Alicia").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), "id-1", domain.ScoreUpdate{Score: &score, Username: &name}))
}

func TestUpdate_NotFound(t *testing.T) {
	repo, mock := newTestRepository(t)
	name := "Alicia"

	mock.ExpectExec(`UPDATE score_records SET username = \$2 WHERE id = \$1`).
		WithArgs("missing", "Alicia").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), "missing", domain.ScoreUpdate{Username: &name})
	assert.ErrorIs(t, err, domain.ErrScoreNotFound)
}

func TestUpdate_EmptyIsNoop(t *testing.T) {
	repo, _ := newTestRepository(t)
	assert.NoError(t, repo.Update(context.Background(), "id-1", domain.ScoreUpdate{}))
}

func TestDelete(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec(`DELETE FROM score_records WHERE id = \$1`).
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM score_records WHERE id = \$1`).
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, repo.Delete(context.Background(), "id-1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "id-1"), domain.ErrScoreNotFound)
}
