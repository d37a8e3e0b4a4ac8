package models

import "github.com/google/uuid"

// GameOutcome is the per-player signal emitted once a game round is confirmed complete.
type GameOutcome struct {
	GameID     uuid.UUID `json:"game_id"`
	PlayerID   uuid.UUID `json:"player_id"`
	Cooperated bool      `json:"cooperated"`
	Timestamp  int64     `json:"timestamp"`
}
