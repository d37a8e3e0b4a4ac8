package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBehaviorRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("FROM behavior_records WHERE player_id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"total_games", "silent_games", "trust_score", "skill_level", "updated_at"}).
			AddRow(int64(10), int64(7), 44.29, 4, now))

	rec, err := NewBehaviorStore(mock).ReadBehaviorRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.PlayerID)
	assert.Equal(t, uint(10), rec.TotalGames)
	assert.Equal(t, uint(7), rec.SilentGames)
	assert.Equal(t, 44.29, rec.TrustScore)
	assert.Equal(t, 4, rec.SkillLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadBehaviorRecordUnknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM behavior_records").WillReturnError(pgx.ErrNoRows)

	_, err = NewBehaviorStore(mock).ReadBehaviorRecord(context.Background(), uuid.New())
	assert.ErrorIs(t, err, trust.ErrUnknownPlayer)
}

func TestWriteBehaviorRecordCommits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := models.BehaviorRecord{PlayerID: uuid.New(), TotalGames: 3, SilentGames: 1, TrustScore: 51.2, SkillLevel: 2}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO behavior_records").
		WithArgs(rec.PlayerID, int64(3), int64(1), 51.2, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO trust_score_history").
		WithArgs(rec.PlayerID, int64(3), int64(1), 51.2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, NewBehaviorStore(mock).WriteBehaviorRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBehaviorRecordRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO behavior_records").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = NewBehaviorStore(mock).WriteBehaviorRecord(context.Background(), models.BehaviorRecord{PlayerID: uuid.New()})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobalSilenceRatio(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("AVG").WillReturnRows(pgxmock.NewRows([]string{"avg"}).AddRow(0.27))

	v, err := NewBehaviorStore(mock).GlobalSilenceRatio(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.27, v)
}
