package trust

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	value float64
	err   error
}

func (c *countingSource) GlobalSilenceRatio(context.Context) (float64, error) {
	c.calls.Add(1)
	return c.value, c.err
}

func TestBaselineCachesWithinInterval(t *testing.T) {
	src := &countingSource{value: 0.42}
	b := NewBaseline(src, DefaultParams(), time.Hour, quietLogger())

	assert.Equal(t, 0.42, b.Get(context.Background()))
	assert.Equal(t, 0.42, b.Get(context.Background()))
	assert.Equal(t, int32(1), src.calls.Load())

	now := time.Now()
	b.now = func() time.Time { return now.Add(2 * time.Hour) }
	b.Get(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBaselineDegenerateFallsBack(t *testing.T) {
	for _, v := range []float64{0, 1} {
		b := NewBaseline(&countingSource{value: v}, DefaultParams(), time.Hour, quietLogger())
		assert.Equal(t, DefaultFallbackBaseline, b.Get(context.Background()))
	}
}

func TestBaselineKeepsPreviousOnError(t *testing.T) {
	src := &countingSource{value: 0.2}
	b := NewBaseline(src, DefaultParams(), time.Hour, quietLogger())
	require.Equal(t, 0.2, b.Refresh(context.Background()))

	src.err = errors.New("db down")
	assert.Equal(t, 0.2, b.Refresh(context.Background()))
}

func TestBaselineBacksOffAfterFailure(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	b := NewBaseline(src, DefaultParams(), time.Hour, quietLogger())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.Equal(t, DefaultFallbackBaseline, b.Get(context.Background()))
	}
	assert.Equal(t, int32(1), src.calls.Load())

	b.now = func() time.Time { return now.Add(failureBackoff) }
	src.err = nil
	src.value = 0.25
	assert.Equal(t, 0.25, b.Get(context.Background()))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestMemoryStoreGlobalSilenceRatio(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.WriteBehaviorRecord(ctx, models.BehaviorRecord{PlayerID: uuid.New(), TotalGames: 10, SilentGames: 2}))
	require.NoError(t, s.WriteBehaviorRecord(ctx, models.BehaviorRecord{PlayerID: uuid.New(), TotalGames: 4, SilentGames: 2}))
	require.NoError(t, s.WriteBehaviorRecord(ctx, models.BehaviorRecord{PlayerID: uuid.New()}))

	v, err := s.GlobalSilenceRatio(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, v, 1e-9)
}
