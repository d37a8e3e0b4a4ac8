package trust

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleRange(t *testing.T) {
	lo, hi := CompatibleRange(50, 10)
	assert.Equal(t, 40.0, lo)
	assert.Equal(t, 60.0, hi)

	lo, hi = CompatibleRange(95, 10)
	assert.Equal(t, 85.0, lo)
	assert.Equal(t, 100.0, hi)

	lo, hi = CompatibleRange(3, 10)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 13.0, hi)

	lo, hi = CompatibleRange(42, -5)
	assert.Equal(t, 42.0, lo)
	assert.Equal(t, 42.0, hi)
}

func TestWidenTolerance(t *testing.T) {
	assert.Equal(t, 10.0, WidenTolerance(10, 0, 5, 50))
	assert.Equal(t, 25.0, WidenTolerance(10, 3, 5, 50))
	assert.Equal(t, 50.0, WidenTolerance(10, 100, 5, 50))
	assert.Equal(t, 10.0, WidenTolerance(10, -2, 5, 50))
}

func TestRankCandidates(t *testing.T) {
	a := models.Candidate{PlayerID: uuid.New(), TrustScore: 55, Waited: time.Second}
	b := models.Candidate{PlayerID: uuid.New(), TrustScore: 45, Waited: 10 * time.Second}
	c := models.Candidate{PlayerID: uuid.New(), TrustScore: 51, Waited: 0}
	d := models.Candidate{PlayerID: uuid.New(), TrustScore: 80, Waited: time.Hour}

	in := []models.Candidate{d, a, c, b}
	ranked := RankCandidates(50, in)
	require.Len(t, ranked, 4)

	assert.Equal(t, c.PlayerID, ranked[0].PlayerID)
	// a and b tie at distance 5; b has waited longer
	assert.Equal(t, b.PlayerID, ranked[1].PlayerID)
	assert.Equal(t, a.PlayerID, ranked[2].PlayerID)
	assert.Equal(t, d.PlayerID, ranked[3].PlayerID)

	assert.Equal(t, d.PlayerID, in[0].PlayerID, "input must not be reordered")
}
