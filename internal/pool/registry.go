// internal/pool/registry.go
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
)

// ErrNotSeeking is returned when an operation targets a player absent from the pool.
var ErrNotSeeking = errors.New("player is not seeking a match")

// Registry is the authoritative set of players currently seeking a match.
// The query Cache is a derived, time-bounded view over it.
type Registry interface {
	Join(ctx context.Context, entry models.PoolEntry) error
	Leave(ctx context.Context, playerID uuid.UUID) error
	Touch(ctx context.Context, playerID uuid.UUID, at time.Time) error
	MarkQueried(ctx context.Context, playerID uuid.UUID, at time.Time) error
	ListSeeking(ctx context.Context, gameMode string) ([]models.PoolEntry, error)
	RangeByScore(ctx context.Context, gameMode string, lo, hi float64) ([]models.PoolEntry, error)
	// Claim atomically removes both players from the pool and leaves a claim marker on b
	// naming a, so whichever process owns b's session can adopt the match. It reports
	// false when either player already left or was claimed by someone else.
	Claim(ctx context.Context, a, b uuid.UUID) (bool, error)
	// TakeClaim returns and clears the claim marker left on playerID, if any. Join
	// clears a stale marker.
	TakeClaim(ctx context.Context, playerID uuid.UUID) (uuid.UUID, bool, error)
	// WatchClaims streams the IDs of claimed players until ctx is done. Delivery is
	// best-effort; the marker read by TakeClaim is authoritative.
	WatchClaims(ctx context.Context) (<-chan uuid.UUID, error)
}

// claimFeedBuffer is the per-watcher backlog before notices are dropped.
const claimFeedBuffer = 64

// MemoryRegistry keeps the pool in process, indexed per game mode by trust score.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*models.PoolEntry
	byMode  map[string][]*models.PoolEntry // sorted by TrustScore
	claims  map[uuid.UUID]uuid.UUID        // claimed player -> claimer

	watchMu  sync.Mutex
	watchers map[chan uuid.UUID]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[uuid.UUID]*models.PoolEntry),
		byMode:   make(map[string][]*models.PoolEntry),
		claims:   make(map[uuid.UUID]uuid.UUID),
		watchers: make(map[chan uuid.UUID]struct{}),
	}
}

// Join adds or replaces the player's entry.
func (r *MemoryRegistry) Join(_ context.Context, entry models.PoolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(entry.PlayerID)
	delete(r.claims, entry.PlayerID)

	e := entry
	idx := r.byMode[e.GameMode]
	i := sort.Search(len(idx), func(i int) bool { return idx[i].TrustScore >= e.TrustScore })
	idx = append(idx, nil)
	copy(idx[i+1:], idx[i:])
	idx[i] = &e
	r.byMode[e.GameMode] = idx
	r.entries[e.PlayerID] = &e
	return nil
}

func (r *MemoryRegistry) Leave(_ context.Context, playerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(playerID)
	return nil
}

func (r *MemoryRegistry) removeLocked(playerID uuid.UUID) bool {
	e, ok := r.entries[playerID]
	if !ok {
		return false
	}
	delete(r.entries, playerID)
	idx := r.byMode[e.GameMode]
	for i, other := range idx {
		if other.PlayerID == playerID {
			idx = append(idx[:i], idx[i+1:]...)
			break
		}
	}
	if len(idx) == 0 {
		delete(r.byMode, e.GameMode)
	} else {
		r.byMode[e.GameMode] = idx
	}
	return true
}

func (r *MemoryRegistry) Touch(_ context.Context, playerID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[playerID]
	if !ok {
		return ErrNotSeeking
	}
	e.LastActive = at
	return nil
}

func (r *MemoryRegistry) MarkQueried(_ context.Context, playerID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[playerID]
	if !ok {
		return ErrNotSeeking
	}
	e.LastQueried = at
	e.QueryCount++
	return nil
}

func (r *MemoryRegistry) ListSeeking(_ context.Context, gameMode string) ([]models.PoolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.byMode[gameMode]
	out := make([]models.PoolEntry, 0, len(idx))
	for _, e := range idx {
		out = append(out, *e)
	}
	return out, nil
}

// RangeByScore binary-searches the mode's score index for entries within [lo, hi].
func (r *MemoryRegistry) RangeByScore(_ context.Context, gameMode string, lo, hi float64) ([]models.PoolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.byMode[gameMode]
	start := sort.Search(len(idx), func(i int) bool { return idx[i].TrustScore >= lo })
	var out []models.PoolEntry
	for i := start; i < len(idx) && idx[i].TrustScore <= hi; i++ {
		out = append(out, *idx[i])
	}
	return out, nil
}

func (r *MemoryRegistry) Claim(_ context.Context, a, b uuid.UUID) (bool, error) {
	if a == b {
		return false, nil
	}
	r.mu.Lock()
	_, okA := r.entries[a]
	_, okB := r.entries[b]
	if !okA || !okB {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(a)
	r.removeLocked(b)
	r.claims[b] = a
	r.mu.Unlock()

	r.notify(b)
	return true, nil
}

func (r *MemoryRegistry) TakeClaim(_ context.Context, playerID uuid.UUID) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	by, ok := r.claims[playerID]
	if ok {
		delete(r.claims, playerID)
	}
	return by, ok, nil
}

func (r *MemoryRegistry) WatchClaims(ctx context.Context) (<-chan uuid.UUID, error) {
	ch := make(chan uuid.UUID, claimFeedBuffer)
	r.watchMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		r.watchMu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.watchMu.Unlock()
	}()
	return ch, nil
}

func (r *MemoryRegistry) notify(id uuid.UUID) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for ch := range r.watchers {
		select {
		case ch <- id:
		default:
		}
	}
}

// Len returns the number of seeking players across all modes.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
