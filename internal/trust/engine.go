// internal/trust/engine.go
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPlayer is returned by a RecordStore that has no record for the player.
	ErrUnknownPlayer = errors.New("unknown player")
	// ErrInvariant marks a record whose counters are inconsistent (silent > total).
	ErrInvariant = errors.New("behavior record invariant violated")
)

// RecordStore is the persistent home of behavior records.
type RecordStore interface {
	ReadBehaviorRecord(ctx context.Context, playerID uuid.UUID) (models.BehaviorRecord, error)
	WriteBehaviorRecord(ctx context.Context, rec models.BehaviorRecord) error
}

// Engine applies score updates to stored behavior records. Updates for the same player
// are serialized; updates for different players run independently.
type Engine struct {
	params   Params
	store    RecordStore
	baseline *Baseline
	locks    *keyedMutex
	logger   logrus.FieldLogger
}

// NewEngine wires an Engine over store. baseline may be nil, in which case the
// fallback baseline is always used.
func NewEngine(params Params, store RecordStore, baseline *Baseline, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		params:   params.withDefaults(),
		store:    store,
		baseline: baseline,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// Params returns the score tuning in use.
func (e *Engine) Params() Params {
	return e.params
}

func (e *Engine) globalAverage(ctx context.Context) float64 {
	if e.baseline == nil {
		return e.params.FallbackBaseline
	}
	return e.baseline.Get(ctx)
}

// Lookup returns the stored record for playerID.
func (e *Engine) Lookup(ctx context.Context, playerID uuid.UUID) (models.BehaviorRecord, error) {
	if playerID == uuid.Nil {
		return models.BehaviorRecord{}, fmt.Errorf("%w: nil player id", ErrUnknownPlayer)
	}
	rec, err := e.store.ReadBehaviorRecord(ctx, playerID)
	if err != nil {
		return models.BehaviorRecord{}, err
	}
	return e.sanitize(rec), nil
}

// Register creates an empty-history record for playerID if none exists and returns the
// stored record either way.
func (e *Engine) Register(ctx context.Context, playerID uuid.UUID, skillLevel int) (models.BehaviorRecord, error) {
	if playerID == uuid.Nil {
		return models.BehaviorRecord{}, fmt.Errorf("%w: nil player id", ErrUnknownPlayer)
	}
	unlock := e.locks.Lock(playerID)
	defer unlock()

	rec, err := e.store.ReadBehaviorRecord(ctx, playerID)
	if err == nil {
		return e.sanitize(rec), nil
	}
	if !errors.Is(err, ErrUnknownPlayer) {
		return models.BehaviorRecord{}, fmt.Errorf("read behavior record %v: %w", playerID, err)
	}
	rec = models.BehaviorRecord{
		PlayerID:   playerID,
		TrustScore: e.params.BaseScore,
		SkillLevel: skillLevel,
		UpdatedAt:  time.Now(),
	}
	if err := e.store.WriteBehaviorRecord(ctx, rec); err != nil {
		return models.BehaviorRecord{}, fmt.Errorf("write behavior record %v: %w", playerID, err)
	}
	e.logger.WithField("player_id", playerID).Info("player registered")
	return rec, nil
}

// UpdateAfterGame folds one finished game into the player's record and persists it.
// A player without a record starts from an empty history.
func (e *Engine) UpdateAfterGame(ctx context.Context, playerID uuid.UUID, wasCooperative bool) (models.BehaviorRecord, error) {
	if playerID == uuid.Nil {
		return models.BehaviorRecord{}, fmt.Errorf("%w: nil player id", ErrUnknownPlayer)
	}
	unlock := e.locks.Lock(playerID)
	defer unlock()

	rec, err := e.store.ReadBehaviorRecord(ctx, playerID)
	switch {
	case errors.Is(err, ErrUnknownPlayer):
		rec = models.BehaviorRecord{PlayerID: playerID, TrustScore: e.params.BaseScore}
	case err != nil:
		return models.BehaviorRecord{}, fmt.Errorf("read behavior record %v: %w", playerID, err)
	}
	rec = e.sanitize(rec)

	old := rec.TrustScore
	rec = e.params.ApplyGame(rec, wasCooperative, e.globalAverage(ctx))
	if err := e.store.WriteBehaviorRecord(ctx, rec); err != nil {
		return models.BehaviorRecord{}, fmt.Errorf("write behavior record %v: %w", playerID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"player_id":   playerID,
		"cooperative": wasCooperative,
		"old_score":   old,
		"new_score":   rec.TrustScore,
		"games":       rec.TotalGames,
	}).Debug("trust score updated")
	return rec, nil
}

// Correct overwrites a player's counters, e.g. from a stats-correction job, and
// recomputes the score. It shares the per-player lock with UpdateAfterGame.
func (e *Engine) Correct(ctx context.Context, playerID uuid.UUID, totalGames, silentGames uint) (models.BehaviorRecord, error) {
	if silentGames > totalGames {
		return models.BehaviorRecord{}, fmt.Errorf("%w: silent=%d total=%d", ErrInvariant, silentGames, totalGames)
	}
	unlock := e.locks.Lock(playerID)
	defer unlock()

	rec, err := e.store.ReadBehaviorRecord(ctx, playerID)
	if err != nil {
		return models.BehaviorRecord{}, err
	}
	rec.TotalGames = totalGames
	rec.SilentGames = silentGames
	rec.TrustScore = e.params.ComputeScore(rec, e.globalAverage(ctx))
	rec.UpdatedAt = time.Now()
	if err := e.store.WriteBehaviorRecord(ctx, rec); err != nil {
		return models.BehaviorRecord{}, fmt.Errorf("write behavior record %v: %w", playerID, err)
	}
	return rec, nil
}

// sanitize clamps a record that breaks silent <= total. The bad record is logged and
// repaired in place; it never takes the process down.
func (e *Engine) sanitize(rec models.BehaviorRecord) models.BehaviorRecord {
	if rec.SilentGames > rec.TotalGames {
		e.logger.WithFields(logrus.Fields{
			"player_id":    rec.PlayerID,
			"silent_games": rec.SilentGames,
			"total_games":  rec.TotalGames,
		}).Warn(ErrInvariant.Error())
		rec.SilentGames = rec.TotalGames
	}
	rec.TrustScore = clamp(rec.TrustScore, 0, MaxScore)
	return rec
}
