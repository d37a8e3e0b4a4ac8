// internal/trust/band.go
package trust

import (
	"math"
	"sort"

	"github.com/jason-s-yu/trustmatch/internal/models"
)

// CompatibleRange returns the score window [target-tolerance, target+tolerance] clamped to
// [0, MaxScore]. A negative tolerance is treated as zero.
func CompatibleRange(targetScore, tolerance float64) (float64, float64) {
	if tolerance < 0 || math.IsNaN(tolerance) {
		tolerance = 0
	}
	return clamp(targetScore-tolerance, 0, MaxScore), clamp(targetScore+tolerance, 0, MaxScore)
}

// WidenTolerance is the linear widening curve applied after each failed attempt:
// base + attempts*step, capped at max.
func WidenTolerance(base float64, attempts int, step, max float64) float64 {
	if attempts < 0 {
		attempts = 0
	}
	t := base + float64(attempts)*step
	if max > 0 && t > max {
		return max
	}
	return t
}

// RankCandidates orders candidates by closeness to targetScore; ties go to whoever has
// waited longest. The input slice is not modified.
func RankCandidates(targetScore float64, candidates []models.Candidate) []models.Candidate {
	ranked := make([]models.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		di := math.Abs(ranked[i].TrustScore - targetScore)
		dj := math.Abs(ranked[j].TrustScore - targetScore)
		if di != dj {
			return di < dj
		}
		return ranked[i].Waited > ranked[j].Waited
	})
	return ranked
}
