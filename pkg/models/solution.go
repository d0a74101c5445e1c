package models

import "time"

// Vote records one worker's contribution to a consensus round.
type Vote struct {
	// TaskID is the sub-task that produced the candidate.
	TaskID string `json:"task_id"`
	// WorkerID is the worker that computed it.
	WorkerID string `json:"worker_id"`
	// Value is the candidate answer extracted from the task result.
	Value any `json:"value"`
	// Agreed is true if the candidate belongs to the winning cluster.
	Agreed bool `json:"agreed"`
}

// Consensus describes how candidate results were reconciled.
type Consensus struct {
	// Achieved is true when the agreement ratio met the threshold.
	Achieved bool `json:"achieved"`
	// Ratio is the fraction of candidates in the winning cluster.
	Ratio float64 `json:"ratio"`
	// Threshold is the ratio required for agreement.
	Threshold float64 `json:"threshold"`
	// Rounds is the number of validation rounds that ran.
	Rounds int `json:"rounds"`
	// Votes holds every contributing candidate.
	Votes []Vote `json:"votes"`
}

// Performance captures execution metadata for a solved problem.
type Performance struct {
	// WallTime is submission to solution.
	WallTime time.Duration `json:"wall_time"`
	// ComputeTime is the sum of sub-task execution durations.
	ComputeTime time.Duration `json:"compute_time"`
	// Parallelism is the peak number of concurrently running sub-tasks.
	Parallelism int `json:"parallelism"`
}

// Solution is the final, immutable output for a Problem.
type Solution struct {
	// ProblemID is the problem this solution answers.
	ProblemID string `json:"problem_id"`
	// Result is the aggregated answer.
	Result map[string]any `json:"result"`
	// Confidence scores the answer in [0,1].
	Confidence float64 `json:"confidence"`
	// Consensus records the agreement computation.
	Consensus Consensus `json:"consensus"`
	// Performance records execution metadata.
	Performance Performance `json:"performance"`
	// ProducedAt is when the validator emitted the solution.
	ProducedAt time.Time `json:"produced_at"`
}
