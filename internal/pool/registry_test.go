package pool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(mode string, score float64) models.PoolEntry {
	now := time.Now()
	return models.PoolEntry{
		PlayerID:   uuid.New(),
		GameMode:   mode,
		TrustScore: score,
		EnqueuedAt: now,
		LastActive: now,
	}
}

func TestMemoryRegistryRangeByScore(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	for _, s := range []float64{70, 10, 50, 45, 55, 90} {
		require.NoError(t, r.Join(ctx, entry("classic", s)))
	}
	require.NoError(t, r.Join(ctx, entry("blitz", 50)))

	got, err := r.RangeByScore(ctx, "classic", 45, 55)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 45.0, got[0].TrustScore)
	assert.Equal(t, 50.0, got[1].TrustScore)
	assert.Equal(t, 55.0, got[2].TrustScore)

	all, err := r.ListSeeking(ctx, "classic")
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, 7, r.Len())
}

func TestMemoryRegistryRejoinReplaces(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	e := entry("classic", 20)
	require.NoError(t, r.Join(ctx, e))
	e.TrustScore = 80
	require.NoError(t, r.Join(ctx, e))

	got, _ := r.RangeByScore(ctx, "classic", 0, 100)
	require.Len(t, got, 1)
	assert.Equal(t, 80.0, got[0].TrustScore)
}

func TestMemoryRegistryClaim(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	a, b, c := entry("classic", 50), entry("classic", 51), entry("classic", 52)
	for _, e := range []models.PoolEntry{a, b, c} {
		require.NoError(t, r.Join(ctx, e))
	}

	ok, err := r.Claim(ctx, a.PlayerID, b.PlayerID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, c.PlayerID, b.PlayerID)
	require.NoError(t, err)
	assert.False(t, ok, "b was already claimed")
	assert.Equal(t, 1, r.Len(), "a failed claim leaves c in the pool")

	ok, _ = r.Claim(ctx, c.PlayerID, c.PlayerID)
	assert.False(t, ok)
}

func TestMemoryRegistryTouchAndMarkQueried(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	e := entry("classic", 50)
	require.NoError(t, r.Join(ctx, e))

	later := e.LastActive.Add(time.Minute)
	require.NoError(t, r.Touch(ctx, e.PlayerID, later))
	require.NoError(t, r.MarkQueried(ctx, e.PlayerID, later))
	require.NoError(t, r.MarkQueried(ctx, e.PlayerID, later))

	got, _ := r.ListSeeking(ctx, "classic")
	require.Len(t, got, 1)
	assert.Equal(t, later, got[0].LastActive)
	assert.Equal(t, 2, got[0].QueryCount)

	assert.ErrorIs(t, r.Touch(ctx, uuid.New(), later), ErrNotSeeking)
	require.NoError(t, r.Leave(ctx, e.PlayerID))
	assert.ErrorIs(t, r.MarkQueried(ctx, e.PlayerID, later), ErrNotSeeking)
}

func TestMemoryRegistryClaimLeavesMarker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewMemoryRegistry()
	feed, err := r.WatchClaims(ctx)
	require.NoError(t, err)

	a, b := entry("classic", 50), entry("classic", 51)
	require.NoError(t, r.Join(ctx, a))
	require.NoError(t, r.Join(ctx, b))

	ok, err := r.Claim(ctx, a.PlayerID, b.PlayerID)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case id := <-feed:
		assert.Equal(t, b.PlayerID, id)
	case <-time.After(time.Second):
		t.Fatal("no claim notice")
	}

	by, ok, err := r.TakeClaim(ctx, b.PlayerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a.PlayerID, by)

	_, ok, _ = r.TakeClaim(ctx, b.PlayerID)
	assert.False(t, ok, "a marker is taken once")
	_, ok, _ = r.TakeClaim(ctx, a.PlayerID)
	assert.False(t, ok, "the claimer gets no marker")

	// A rejoin discards a marker that was never taken.
	c := entry("classic", 52)
	require.NoError(t, r.Join(ctx, c))
	b.LastActive = time.Now()
	require.NoError(t, r.Join(ctx, b))
	ok, _ = r.Claim(ctx, b.PlayerID, c.PlayerID)
	require.True(t, ok)
	require.NoError(t, r.Join(ctx, c))
	_, ok, _ = r.TakeClaim(ctx, c.PlayerID)
	assert.False(t, ok)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-feed
		return !open
	}, time.Second, 5*time.Millisecond)
}
