// Package tasks holds the kanban rules: status and priority vocabularies,
// the completion contract, and dependency cycle detection.
package tasks

import (
	"fmt"
	"strings"
)

// Task statuses. InProgress is canonical as in_progress; the hyphenated
// spelling is accepted on input for older clients.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusStuck      = "stuck"
)

// Task priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// NormalizeStatus canonicalizes a status value. Empty input defaults to
// todo; unknown values are rejected.
func NormalizeStatus(status string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "":
		return StatusTodo, nil
	case StatusTodo, StatusInProgress, StatusCompleted, StatusStuck:
		return s, nil
	case "in-progress":
		return StatusInProgress, nil
	default:
		return "", fmt.Errorf("unknown task status %q", status)
	}
}

// NormalizePriority canonicalizes a priority value. Empty input defaults
// to medium; unknown values are rejected.
func NormalizePriority(priority string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(priority))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown task priority %q", priority)
	}
}

// ValidateCompletion enforces the completion contract: moving a task to
// completed requires a non-blank resolution reason.
func ValidateCompletion(newStatus, resolutionReason string) error {
	if newStatus != StatusCompleted {
		return nil
	}
	if strings.TrimSpace(resolutionReason) == "" {
		return fmt.Errorf("completing a task requires a resolution reason")
	}
	return nil
}

// WouldCycle reports whether setting taskID's dependency to dependsOn
// would create a cycle, including the self-dependency case. depOf maps a
// task id to its current dependency; the walk is bounded by the chain
// length so a pre-existing cycle in stored data cannot loop forever.
func WouldCycle(taskID, dependsOn string, depOf map[string]string) bool {
	if dependsOn == "" {
		return false
	}
	if taskID == dependsOn {
		return true
	}
	seen := map[string]bool{taskID: true}
	current := dependsOn
	for current != "" {
		if seen[current] {
			return true
		}
		seen[current] = true
		current = depOf[current]
	}
	return false
}
