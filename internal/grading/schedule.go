package grading

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleManual marks an auditor that only runs on demand. An empty
// schedule means the same thing.
const ScheduleManual = "manual"

// Named schedule presets and their cron expressions.
var schedulePresets = map[string]string{
	"daily":     "0 0 * * *",
	"weekly":    "0 0 * * 1",
	"monthly":   "0 0 1 * *",
	"quarterly": "0 0 1 */3 *",
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ResolveSchedule maps a schedule value to its cron expression. Presets
// resolve to their expression, manual and empty resolve to empty, and
// anything else must be a valid five-field cron expression itself.
func ResolveSchedule(schedule string) (string, error) {
	if schedule == "" || schedule == ScheduleManual {
		return "", nil
	}
	if expr, ok := schedulePresets[schedule]; ok {
		return expr, nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return schedule, nil
}

// ValidateSchedule reports whether the schedule value is acceptable.
func ValidateSchedule(schedule string) error {
	_, err := ResolveSchedule(schedule)
	return err
}

// NextRun computes when a scheduled auditor fires next after the given
// time. Manual auditors have no next run.
func NextRun(schedule string, after time.Time) (*time.Time, error) {
	expr, err := ResolveSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, nil
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	next := parsed.Next(after)
	return &next, nil
}
