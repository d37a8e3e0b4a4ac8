package models

import (
	"time"

	"github.com/google/uuid"
)

// PoolEntry is the ephemeral record of a player currently seeking a match.
type PoolEntry struct {
	PlayerID    uuid.UUID `json:"player_id"`
	GameMode    string    `json:"game_mode"`
	TrustScore  float64   `json:"trust_score"`
	SkillLevel  int       `json:"skill_level"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastActive  time.Time `json:"last_active"`
	LastQueried time.Time `json:"last_queried"`
	QueryCount  int       `json:"query_count"`
}

// Candidate is a potential opponent returned by a pool query.
type Candidate struct {
	PlayerID   uuid.UUID     `json:"player_id"`
	TrustScore float64       `json:"trust_score"`
	SkillLevel int           `json:"skill_level"`
	Waited     time.Duration `json:"waited"`

	// Active is false when the player is still queued but has not shown activity recently.
	Active bool `json:"active"`

	// LastQueried is when the player's own search last ran a pool query. A searcher
	// whose process died stops querying, so an old value marks a likely ghost entry.
	LastQueried time.Time `json:"last_queried"`
}
