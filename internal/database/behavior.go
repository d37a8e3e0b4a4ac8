// internal/database/behavior.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/trust"
)

// DBTX is the subset of *pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Schema creates the tables used by BehaviorStore.
const Schema = `
CREATE TABLE IF NOT EXISTS behavior_records (
	player_id    UUID PRIMARY KEY,
	total_games  BIGINT NOT NULL DEFAULT 0 CHECK (total_games >= 0),
	silent_games BIGINT NOT NULL DEFAULT 0 CHECK (silent_games >= 0),
	trust_score  DOUBLE PRECISION NOT NULL DEFAULT 50,
	skill_level  INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trust_score_history (
	id           BIGSERIAL PRIMARY KEY,
	player_id    UUID NOT NULL REFERENCES behavior_records(player_id) ON DELETE CASCADE,
	total_games  BIGINT NOT NULL,
	silent_games BIGINT NOT NULL,
	trust_score  DOUBLE PRECISION NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// BehaviorStore persists behavior records in Postgres. It implements trust.RecordStore
// and trust.BaselineSource.
type BehaviorStore struct {
	db DBTX
}

var (
	_ trust.RecordStore    = (*BehaviorStore)(nil)
	_ trust.BaselineSource = (*BehaviorStore)(nil)
)

func NewBehaviorStore(db DBTX) *BehaviorStore {
	return &BehaviorStore{db: db}
}

// EnsureSchema creates missing tables.
func (s *BehaviorStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// ReadBehaviorRecord loads one player's record; trust.ErrUnknownPlayer if there is none.
func (s *BehaviorStore) ReadBehaviorRecord(ctx context.Context, playerID uuid.UUID) (models.BehaviorRecord, error) {
	q := `
	SELECT total_games, silent_games, trust_score, skill_level, updated_at
	FROM behavior_records
	WHERE player_id=$1
	`
	var total, silent int64
	rec := models.BehaviorRecord{PlayerID: playerID}
	err := s.db.QueryRow(ctx, q, playerID).Scan(
		&total, &silent, &rec.TrustScore, &rec.SkillLevel, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BehaviorRecord{}, trust.ErrUnknownPlayer
	}
	if err != nil {
		return models.BehaviorRecord{}, fmt.Errorf("failed to read behavior record: %w", err)
	}
	if total < 0 || silent < 0 {
		return models.BehaviorRecord{}, fmt.Errorf("%w: negative counters for %v", trust.ErrInvariant, playerID)
	}
	rec.TotalGames = uint(total)
	rec.SilentGames = uint(silent)
	return rec, nil
}

// WriteBehaviorRecord upserts the record and appends a history row in one transaction.
func (s *BehaviorStore) WriteBehaviorRecord(ctx context.Context, rec models.BehaviorRecord) error {
	upsert := `
		INSERT INTO behavior_records (player_id, total_games, silent_games, trust_score, skill_level, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (player_id)
		DO UPDATE SET total_games=$2, silent_games=$3, trust_score=$4, skill_level=$5, updated_at=NOW()
	`
	history := `
		INSERT INTO trust_score_history (player_id, total_games, silent_games, trust_score)
		VALUES ($1, $2, $3, $4)
	`
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, e1 := tx.Exec(ctx, upsert,
			rec.PlayerID, int64(rec.TotalGames), int64(rec.SilentGames), rec.TrustScore, rec.SkillLevel,
		); e1 != nil {
			return e1
		}
		_, e2 := tx.Exec(ctx, history,
			rec.PlayerID, int64(rec.TotalGames), int64(rec.SilentGames), rec.TrustScore,
		)
		return e2
	})
	if err != nil {
		return fmt.Errorf("failed to write behavior record: %w", err)
	}
	return nil
}

// GlobalSilenceRatio is the mean silent/total ratio over players with at least one game.
func (s *BehaviorStore) GlobalSilenceRatio(ctx context.Context) (float64, error) {
	q := `
	SELECT COALESCE(AVG(silent_games::float8 / total_games), 0)
	FROM behavior_records
	WHERE total_games > 0
	`
	var avg float64
	if err := s.db.QueryRow(ctx, q).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to compute global silence ratio: %w", err)
	}
	return avg, nil
}
