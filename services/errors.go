package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleAssignee is returned when a matching rule resolves to an empty pool.
	ErrNoEligibleAssignee = errors.New("no eligible assignee")
	// ErrInvalidCondition marks a malformed operator/value combination.
	ErrInvalidCondition = errors.New("invalid condition")
	// ErrInvalidRule marks a rule whose definition cannot be compiled.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrCursorConflict signals a lost compare-and-swap on a rotation cursor.
	// It is retried internally and surfaces only once retries are exhausted.
	ErrCursorConflict = errors.New("cursor conflict")
	ErrNotFound       = errors.New("not found")
	// ErrSweepInProgress is returned when another sweep holds the lease.
	ErrSweepInProgress = errors.New("rotation sweep already in progress")
	ErrLockTimeout     = errors.New("timed out waiting for lock")
	// ErrSegmentNotStatic is returned when explicit membership edits target a dynamic segment.
	ErrSegmentNotStatic = errors.New("segment membership is criteria driven")
	ErrInvalidEvent     = errors.New("invalid entity event")
)

// ActionError describes one failed workflow action.
type ActionError struct {
	RuleID string
	Index  int
	Type   string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %s action %d (%s): %v", e.RuleID, e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func invalidCondition(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCondition, fmt.Sprintf(format, args...))
}

func invalidRule(ruleID, format string, args ...interface{}) error {
	return fmt.Errorf("%w %s: %s", ErrInvalidRule, ruleID, fmt.Sprintf(format, args...))
}
