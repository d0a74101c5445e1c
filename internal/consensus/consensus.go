// Package consensus reconciles redundant sub-task results into a single
// validated answer with an agreement score. The agreement metric is a
// pluggable policy; problems select one via their decomposition strategy.
package consensus

import (
	"errors"
	"fmt"
	"math"
)

// ErrConsensusNotReached indicates the agreement ratio fell below the
// threshold. It is advisory: after the bounded re-computation rounds are
// exhausted a low-confidence solution is produced instead of a failure.
var ErrConsensusNotReached = errors.New("consensus: agreement below threshold")

// DefaultThreshold is the agreement ratio required when a problem does not
// override it.
const DefaultThreshold = 0.8

// Policy computes agreement across candidate values.
type Policy interface {
	// Name identifies the policy in logs and solutions.
	Name() string
	// Evaluate returns the winning cluster's ratio (size/N), its
	// representative value, and a per-candidate membership flag. Called
	// only with at least one candidate.
	Evaluate(values []any) (ratio float64, representative any, agreed []bool)
}

// NumericTolerance clusters float-convertible candidates by relative
// closeness. Two values agree when |a-b| <= Tolerance * max(|a|,|b|,1).
type NumericTolerance struct {
	// Tolerance is the relative closeness bound. Zero means 0.05.
	Tolerance float64
}

// Name returns the policy identifier.
func (p NumericTolerance) Name() string { return "numeric-tolerance" }

// Evaluate picks the candidate with the most agreeing neighbors as the
// cluster anchor and averages the cluster for the representative value.
func (p NumericTolerance) Evaluate(values []any) (float64, any, []bool) {
	tol := p.Tolerance
	if tol <= 0 {
		tol = 0.05
	}

	nums := make([]float64, len(values))
	numeric := make([]bool, len(values))
	for i, v := range values {
		nums[i], numeric[i] = toFloat(v)
	}

	within := func(a, b float64) bool {
		scale := math.Max(math.Max(math.Abs(a), math.Abs(b)), 1)
		return math.Abs(a-b) <= tol*scale
	}

	bestAnchor, bestCount := -1, 0
	for i := range nums {
		if !numeric[i] {
			continue
		}
		count := 0
		for j := range nums {
			if numeric[j] && within(nums[i], nums[j]) {
				count++
			}
		}
		if count > bestCount {
			bestAnchor, bestCount = i, count
		}
	}

	agreed := make([]bool, len(values))
	if bestAnchor < 0 {
		// Nothing numeric: no agreement.
		return 0, nil, agreed
	}

	sum := 0.0
	for i := range nums {
		if numeric[i] && within(nums[bestAnchor], nums[i]) {
			agreed[i] = true
			sum += nums[i]
		}
	}
	mean := sum / float64(bestCount)
	return float64(bestCount) / float64(len(values)), mean, agreed
}

// MajorityVote clusters candidates by exact printed equality; suited to
// discrete answers.
type MajorityVote struct{}

// Name returns the policy identifier.
func (MajorityVote) Name() string { return "majority-vote" }

// Evaluate returns the plurality answer's share of all candidates.
func (MajorityVote) Evaluate(values []any) (float64, any, []bool) {
	counts := make(map[string]int)
	first := make(map[string]any)
	for _, v := range values {
		key := fmt.Sprintf("%v", v)
		counts[key]++
		if _, ok := first[key]; !ok {
			first[key] = v
		}
	}

	bestKey, bestCount := "", 0
	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < bestKey) {
			bestKey, bestCount = key, count
		}
	}

	agreed := make([]bool, len(values))
	for i, v := range values {
		agreed[i] = fmt.Sprintf("%v", v) == bestKey
	}
	return float64(bestCount) / float64(len(values)), first[bestKey], agreed
}

// toFloat converts common numeric JSON shapes to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
