package trust

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
)

// MemoryStore is an in-process RecordStore and BaselineSource, used by tests and by
// single-node deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]models.BehaviorRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]models.BehaviorRecord)}
}

func (s *MemoryStore) ReadBehaviorRecord(_ context.Context, playerID uuid.UUID) (models.BehaviorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[playerID]
	if !ok {
		return models.BehaviorRecord{}, ErrUnknownPlayer
	}
	return rec, nil
}

func (s *MemoryStore) WriteBehaviorRecord(_ context.Context, rec models.BehaviorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PlayerID] = rec
	return nil
}

// GlobalSilenceRatio averages SilentGames/TotalGames over players with history.
func (s *MemoryStore) GlobalSilenceRatio(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	var n int
	for _, rec := range s.records {
		if rec.TotalGames == 0 {
			continue
		}
		sum += rec.SilenceRatio()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}
