package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidateCron checks that expr is a standard 5-field cron expression
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}

	return nil
}

// NextOccurrence returns the first time strictly after after that matches expr
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	if err := ValidateCron(expr); err != nil {
		return time.Time{}, err
	}

	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next occurrence of %q: %w", expr, err)
	}

	return next, nil
}
