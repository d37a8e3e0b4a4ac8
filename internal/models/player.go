package models

import (
	"time"

	"github.com/google/uuid"
)

// BehaviorRecord is the persisted behavior history for a single player.
// SilentGames counts games where the player's final act was to stay silent.
type BehaviorRecord struct {
	PlayerID    uuid.UUID `json:"player_id"`
	TotalGames  uint      `json:"total_games"`
	SilentGames uint      `json:"silent_games"`
	TrustScore  float64   `json:"trust_score"`

	// SkillLevel is only used as a secondary matchmaking band; it is never computed here.
	SkillLevel int `json:"skill_level"`

	UpdatedAt time.Time `json:"updated_at"`
}

// SilenceRatio returns SilentGames/TotalGames, or 0 when the player has no history.
func (r BehaviorRecord) SilenceRatio() float64 {
	if r.TotalGames == 0 {
		return 0
	}
	return float64(r.SilentGames) / float64(r.TotalGames)
}
