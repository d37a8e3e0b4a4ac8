package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestUpdateAfterGameCreatesRecord(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(DefaultParams(), store, nil, quietLogger())
	id := uuid.New()

	rec, err := e.UpdateAfterGame(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, id, rec.PlayerID)
	assert.Equal(t, uint(1), rec.TotalGames)
	assert.Equal(t, uint(1), rec.SilentGames)

	stored, err := store.ReadBehaviorRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, rec.TrustScore, stored.TrustScore)
}

func TestUpdateAfterGameSerializesSamePlayer(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(DefaultParams(), store, nil, quietLogger())
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.UpdateAfterGame(context.Background(), id, i%2 == 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := e.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint(100), rec.TotalGames)
	assert.Equal(t, uint(50), rec.SilentGames)
	assert.Equal(t, 0, e.locks.size(), "per-player locks are released")
}

// slowStore blocks writes for one player to prove other players are not held up.
type slowStore struct {
	*MemoryStore
	blocked uuid.UUID
	release chan struct{}
}

func (s *slowStore) WriteBehaviorRecord(ctx context.Context, rec models.BehaviorRecord) error {
	if rec.PlayerID == s.blocked {
		<-s.release
	}
	return s.MemoryStore.WriteBehaviorRecord(ctx, rec)
}

func TestUpdateAfterGameDoesNotBlockOtherPlayers(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), blocked: uuid.New(), release: make(chan struct{})}
	e := NewEngine(DefaultParams(), store, nil, quietLogger())

	go func() { _, _ = e.UpdateAfterGame(context.Background(), store.blocked, true) }()

	done := make(chan struct{})
	go func() {
		_, err := e.UpdateAfterGame(context.Background(), uuid.New(), false)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update for an unrelated player was blocked")
	}
	close(store.release)
}

func TestSanitizeClampsInvalidRecord(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.WriteBehaviorRecord(context.Background(), models.BehaviorRecord{
		PlayerID: id, TotalGames: 3, SilentGames: 9, TrustScore: 140,
	}))
	e := NewEngine(DefaultParams(), store, nil, quietLogger())

	rec, err := e.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint(3), rec.SilentGames)
	assert.Equal(t, 100.0, rec.TrustScore)

	rec, err = e.UpdateAfterGame(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, uint(4), rec.TotalGames)
	assert.Equal(t, uint(3), rec.SilentGames)
}

func TestCorrect(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.WriteBehaviorRecord(context.Background(), models.BehaviorRecord{PlayerID: id}))
	e := NewEngine(DefaultParams(), store, nil, quietLogger())

	rec, err := e.Correct(context.Background(), id, 100, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, rec.TrustScore, 1e-9)

	_, err = e.Correct(context.Background(), id, 1, 2)
	assert.True(t, errors.Is(err, ErrInvariant))

	_, err = e.Correct(context.Background(), uuid.New(), 1, 1)
	assert.True(t, errors.Is(err, ErrUnknownPlayer))
}

func TestLookupUnknown(t *testing.T) {
	e := NewEngine(DefaultParams(), NewMemoryStore(), nil, quietLogger())
	_, err := e.Lookup(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnknownPlayer)
	_, err = e.Lookup(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestRegisterIsIdempotent(t *testing.T) {
	e := NewEngine(DefaultParams(), NewMemoryStore(), nil, quietLogger())
	id := uuid.New()

	rec, err := e.Register(context.Background(), id, 3)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseScore, rec.TrustScore)
	assert.Equal(t, 3, rec.SkillLevel)

	_, err = e.UpdateAfterGame(context.Background(), id, false)
	require.NoError(t, err)

	again, err := e.Register(context.Background(), id, 9)
	require.NoError(t, err)
	assert.Equal(t, uint(1), again.TotalGames)
	assert.Equal(t, 3, again.SkillLevel)
}
