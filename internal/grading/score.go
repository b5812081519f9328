package grading

import (
	"fmt"
	"math"
)

// Audit report statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusPartial = "partial"
	StatusError   = "error"
)

// RequirementResult is one requirement's outcome from a completed run.
// Score is 0-100; results arriving without a matching requirement title
// are ignored during aggregation.
type RequirementResult struct {
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
	Passed   bool    `json:"passed"`
	Evidence string  `json:"evidence,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

// Outcome is the settled result of aggregating a run.
type Outcome struct {
	Score  float64
	Status string
}

// Aggregate computes the weight-averaged score over the rubric and the
// submitted results, then grades it against the passing threshold. A run
// where some requirements never reported settles as partial; a rubric
// with no requirements or zero total weight settles as error, since
// there was nothing to evaluate.
func Aggregate(instructions Instructions, results []RequirementResult) Outcome {
	totalWeight := TotalWeight(instructions)
	if !HasObjectives(instructions) || totalWeight <= 0 {
		return Outcome{Status: StatusError}
	}

	byTitle := make(map[string]RequirementResult, len(results))
	for _, result := range results {
		byTitle[result.Title] = result
	}

	var weighted float64
	missing := false
	for _, req := range instructions.Requirements {
		result, ok := byTitle[req.Title]
		if !ok {
			missing = true
			continue
		}
		score := result.Score
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		weighted += req.Weight * score
	}

	score := weighted / totalWeight
	status := StatusFailed
	if missing {
		status = StatusPartial
	} else if score >= instructions.PassingScore {
		status = StatusPassed
	}
	return Outcome{Score: score, Status: status}
}

// FormatScore renders a score with one decimal place, truncating rather
// than rounding so a 79.95 never displays as a passing-looking 80.0.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.1f", math.Trunc(score*10)/10)
}
