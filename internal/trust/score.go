// internal/trust/score.go
package trust

import (
	"math"
	"time"

	"github.com/jason-s-yu/trustmatch/internal/models"
)

const (
	// DefaultBaseScore is the score of a player with no history, and the midpoint of the scale.
	DefaultBaseScore = 50.0
	// MaxScore is the upper bound of every trust score.
	MaxScore = 100.0
	// DefaultExperienceGames is the number of games after which a player's history counts in full.
	DefaultExperienceGames = 50.0
	// DefaultFallbackBaseline replaces a global silence ratio that carries no information (0, 1 or NaN).
	DefaultFallbackBaseline = 0.3
)

// Params holds the tunable constants of the score formula.
type Params struct {
	BaseScore        float64
	ExperienceGames  float64
	FallbackBaseline float64
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		BaseScore:        DefaultBaseScore,
		ExperienceGames:  DefaultExperienceGames,
		FallbackBaseline: DefaultFallbackBaseline,
	}
}

// withDefaults fills zero fields so a partially specified Params is still usable.
func (p Params) withDefaults() Params {
	if p.BaseScore <= 0 {
		p.BaseScore = DefaultBaseScore
	}
	if p.ExperienceGames <= 0 {
		p.ExperienceGames = DefaultExperienceGames
	}
	if !usableBaseline(p.FallbackBaseline) {
		p.FallbackBaseline = DefaultFallbackBaseline
	}
	return p
}

func usableBaseline(v float64) bool {
	return !math.IsNaN(v) && v > 0 && v < 1
}

// NormalizeBaseline returns globalAverage unless it is degenerate, in which case the
// fallback baseline is used.
func (p Params) NormalizeBaseline(globalAverage float64) float64 {
	p = p.withDefaults()
	if usableBaseline(globalAverage) {
		return globalAverage
	}
	return p.FallbackBaseline
}

// ComputeScore converts a behavior record into a trust score in [0, MaxScore].
//
// A silence ratio at the global baseline maps to BaseScore; ratios below the baseline
// push the score up toward 2*BaseScore and ratios above push it toward 0. The result is
// blended with BaseScore in proportion to how much history the player has, so a handful
// of games cannot produce an extreme score.
func (p Params) ComputeScore(rec models.BehaviorRecord, globalAverage float64) float64 {
	p = p.withDefaults()
	base := p.BaseScore
	if rec.TotalGames == 0 {
		return base
	}

	silent := rec.SilentGames
	if silent > rec.TotalGames {
		silent = rec.TotalGames
	}
	ratio := float64(silent) / float64(rec.TotalGames)
	avg := p.NormalizeBaseline(globalAverage)

	var score float64
	if ratio <= avg {
		score = base + ((avg-ratio)/avg)*base
	} else {
		score = base - ((ratio-avg)/(1-avg))*base
	}

	experience := math.Min(float64(rec.TotalGames)/p.ExperienceGames, 1)
	final := score*experience + base*(1-experience)
	return clamp(final, 0, MaxScore)
}

// ApplyGame returns rec with one more completed game folded in and its score recomputed.
func (p Params) ApplyGame(rec models.BehaviorRecord, wasCooperative bool, globalAverage float64) models.BehaviorRecord {
	rec.TotalGames++
	if wasCooperative {
		rec.SilentGames++
	}
	rec.TrustScore = p.ComputeScore(rec, globalAverage)
	rec.UpdatedAt = time.Now()
	return rec
}

// ComputeScore applies the default Params.
func ComputeScore(rec models.BehaviorRecord, globalAverage float64) float64 {
	return DefaultParams().ComputeScore(rec, globalAverage)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
