package consensus

import (
	"log"
	"time"

	"github.com/cortexius/maestro/pkg/models"
)

// Verdict is the outcome of one validation round.
type Verdict struct {
	// Solution is the produced solution. Nil when NeedsMoreRounds is true.
	Solution *models.Solution
	// NeedsMoreRounds asks the scheduler to spawn an additional solver
	// round before validating again.
	NeedsMoreRounds bool
	// Ratio is the agreement ratio observed this round.
	Ratio float64
}

// Validator turns completed sub-task results into a Solution. The validation
// round retry budget is distinct from per-task retries: when agreement falls
// short and rounds remain, the scheduler re-runs the redundant solver tasks.
type Validator struct {
	// MaxExtraRounds bounds additional solver rounds. Zero means none.
	MaxExtraRounds int
}

// Validate reconciles the completed tasks of a problem. The threshold comes
// from the problem's accuracy target when set, DefaultThreshold otherwise.
// round is 1-based.
func (v *Validator) Validate(p *models.Problem, tasks []*models.SubTask, policy Policy, round int, startedAt time.Time, computeTime time.Duration, parallelism int) Verdict {
	threshold := p.AccuracyTarget
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	candidates := candidateTasks(tasks)

	// No redundant candidates means nothing to reconcile: the problem's
	// answer is its terminal task output and consensus is trivial.
	if len(candidates) == 0 {
		return Verdict{
			Ratio: 1,
			Solution: v.solution(p, tasks, models.Consensus{
				Achieved:  true,
				Ratio:     1,
				Threshold: threshold,
				Rounds:    round,
			}, 1, startedAt, computeTime, parallelism),
		}
	}

	values := make([]any, len(candidates))
	for i, t := range candidates {
		values[i] = candidateValue(t)
	}

	ratio, representative, agreed := policy.Evaluate(values)

	votes := make([]models.Vote, len(candidates))
	for i, t := range candidates {
		votes[i] = models.Vote{
			TaskID:   t.ID,
			WorkerID: t.AssignedTo,
			Value:    values[i],
			Agreed:   agreed[i],
		}
	}

	if ratio < threshold && round <= v.MaxExtraRounds {
		log.Printf("[consensus] problem %s: agreement %.2f below %.2f (policy %s), requesting round %d",
			p.ID, ratio, threshold, policy.Name(), round+1)
		return Verdict{NeedsMoreRounds: true, Ratio: ratio}
	}

	cons := models.Consensus{
		Achieved:  ratio >= threshold,
		Ratio:     ratio,
		Threshold: threshold,
		Rounds:    round,
		Votes:     votes,
	}

	confidence := ratio
	if !cons.Achieved {
		// Rounds exhausted: surface the highest-confidence candidate as a
		// low-confidence solution rather than a hard failure.
		representative, confidence = bestCandidate(candidates, values, ratio)
	}

	sol := v.solution(p, tasks, cons, confidence, startedAt, computeTime, parallelism)
	if _, ok := sol.Result["value"]; !ok {
		sol.Result["value"] = representative
	}
	return Verdict{Ratio: ratio, Solution: sol}
}

// solution assembles the immutable Solution record. The aggregated result is
// the output of the problem's terminal task when one exists.
func (v *Validator) solution(p *models.Problem, tasks []*models.SubTask, cons models.Consensus, confidence float64, startedAt time.Time, computeTime time.Duration, parallelism int) *models.Solution {
	result := make(map[string]any)
	if agg := terminalTask(tasks); agg != nil {
		for k, val := range agg.Result {
			result[k] = val
		}
	}

	return &models.Solution{
		ProblemID:  p.ID,
		Result:     result,
		Confidence: confidence,
		Consensus:  cons,
		Performance: models.Performance{
			WallTime:    time.Since(startedAt),
			ComputeTime: computeTime,
			Parallelism: parallelism,
		},
		ProducedAt: time.Now(),
	}
}

// candidateTasks returns the completed redundant solver tasks.
func candidateTasks(tasks []*models.SubTask) []*models.SubTask {
	var out []*models.SubTask
	for _, t := range tasks {
		if t.Redundant && t.Status == models.TaskStatusCompleted {
			out = append(out, t)
		}
	}
	return out
}

// candidateValue extracts a task's vote: the "value" result key, falling
// back to the whole result map.
func candidateValue(t *models.SubTask) any {
	if v, ok := t.Result["value"]; ok {
		return v
	}
	return t.Result
}

// bestCandidate picks the candidate with the highest self-reported
// confidence, defaulting to the agreement ratio.
func bestCandidate(candidates []*models.SubTask, values []any, ratio float64) (any, float64) {
	bestIdx, bestConf := 0, -1.0
	for i, t := range candidates {
		conf, ok := toFloat(t.Result["confidence"])
		if !ok {
			conf = 0
		}
		if conf > bestConf {
			bestIdx, bestConf = i, conf
		}
	}
	if bestConf <= 0 {
		bestConf = ratio
	}
	return values[bestIdx], bestConf
}

// terminalTask returns the completed task no other task depends on, the
// decomposition's aggregate, if there is exactly one.
func terminalTask(tasks []*models.SubTask) *models.SubTask {
	depended := make(map[string]bool)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			depended[dep] = true
		}
	}

	var terminal *models.SubTask
	for _, t := range tasks {
		if t.Status != models.TaskStatusCompleted || depended[t.ID] || t.Redundant {
			continue
		}
		if terminal != nil {
			return nil
		}
		terminal = t
	}
	return terminal
}
