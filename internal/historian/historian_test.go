package historian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/cache"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type chanSource struct {
	ch chan models.GameOutcome
}

func (c chanSource) Pop(ctx context.Context, timeout time.Duration) (*models.GameOutcome, error) {
	select {
	case o := <-c.ch:
		return &o, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type flakyUpdater struct {
	bad uuid.UUID
	up  *trust.Engine
}

func (f *flakyUpdater) UpdateAfterGame(ctx context.Context, id uuid.UUID, coop bool) (models.BehaviorRecord, error) {
	if id == f.bad {
		return models.BehaviorRecord{}, errors.New("db unavailable")
	}
	return f.up.UpdateAfterGame(ctx, id, coop)
}

func newEngine() (*trust.Engine, *trust.MemoryStore) {
	store := trust.NewMemoryStore()
	return trust.NewEngine(trust.DefaultParams(), store, nil, quietLogger()), store
}

func TestApplyKeepsPerPlayerOrder(t *testing.T) {
	engine, store := newEngine()
	svc := New(chanSource{}, engine, Options{Workers: 4}, quietLogger())
	a, b := uuid.New(), uuid.New()

	batch := []models.GameOutcome{
		{GameID: uuid.New(), PlayerID: a, Cooperated: true},
		{GameID: uuid.New(), PlayerID: b, Cooperated: false},
		{GameID: uuid.New(), PlayerID: a, Cooperated: true},
		{GameID: uuid.New(), PlayerID: a, Cooperated: false},
	}
	assert.Equal(t, 0, svc.Apply(context.Background(), batch))
	assert.Equal(t, int64(4), svc.Applied())

	ra, err := store.ReadBehaviorRecord(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, uint(3), ra.TotalGames)
	assert.Equal(t, uint(2), ra.SilentGames)

	rb, err := store.ReadBehaviorRecord(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, uint(1), rb.TotalGames)
	assert.Equal(t, uint(0), rb.SilentGames)
}

func TestApplyCountsFailures(t *testing.T) {
	engine, _ := newEngine()
	bad := uuid.New()
	svc := New(chanSource{}, &flakyUpdater{bad: bad, up: engine}, Options{}, quietLogger())

	failed := svc.Apply(context.Background(), []models.GameOutcome{
		{PlayerID: bad, Cooperated: true},
		{PlayerID: bad, Cooperated: true},
		{PlayerID: uuid.New(), Cooperated: true},
	})
	assert.Equal(t, 2, failed)
	assert.Equal(t, int64(1), svc.Applied())
	assert.Equal(t, int64(2), svc.Failed())
}

func TestRunBatchesAndFlushesOnShutdown(t *testing.T) {
	engine, store := newEngine()
	src := chanSource{ch: make(chan models.GameOutcome, 16)}
	svc := New(src, engine, Options{BatchSize: 2, FlushInterval: 20 * time.Millisecond, PopBlock: 10 * time.Millisecond}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	id := uuid.New()
	for i := 0; i < 5; i++ {
		src.ch <- models.GameOutcome{GameID: uuid.New(), PlayerID: id, Cooperated: i%2 == 0}
	}
	src.ch <- models.GameOutcome{GameID: uuid.New()} // no player, dropped

	assert.Eventually(t, func() bool { return svc.Applied() == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("historian did not stop")
	}

	rec, err := store.ReadBehaviorRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint(5), rec.TotalGames)
	assert.Equal(t, uint(3), rec.SilentGames)
}

func TestRunAgainstRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	queue := cache.NewOutcomeQueue(rdb, "test_outcomes")
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, queue.Publish(ctx, models.GameOutcome{GameID: uuid.New(), PlayerID: a, Cooperated: true}))
	require.NoError(t, queue.Publish(ctx, models.GameOutcome{GameID: uuid.New(), PlayerID: b, Cooperated: false}))
	require.NoError(t, queue.Publish(ctx, models.GameOutcome{GameID: uuid.New(), PlayerID: a, Cooperated: true}))

	engine, store := newEngine()
	svc := New(queue, engine, Options{BatchSize: 3, PopBlock: time.Second}, quietLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	assert.Eventually(t, func() bool { return svc.Applied() == 3 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("historian did not stop")
	}

	ra, err := store.ReadBehaviorRecord(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint(2), ra.SilentGames)
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
