package services

import (
	"context"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// The automation core never owns persistence. These are the reads it requests
// and the write-intents it emits; PostgresStore and MemoryStore implement all of them.

type SnapshotReader interface {
	GetSnapshot(ctx context.Context, entityID string) (*db.EntitySnapshot, error)
	// ListSnapshots returns every entity of a type in an org, used by full segment recomputes.
	ListSnapshots(ctx context.Context, orgID, entityType string) ([]*db.EntitySnapshot, error)
}

type RuleReader interface {
	GetActiveAssignmentRules(ctx context.Context, orgID, entityType string) ([]db.AssignmentRule, error)
	GetAssignmentRule(ctx context.Context, ruleID string) (*db.AssignmentRule, error)
	GetActiveWorkflowRules(ctx context.Context, orgID, entityType string) ([]db.WorkflowRule, error)
}

type Directory interface {
	GetCandidatePool(ctx context.Context, spec db.PoolSpec) ([]string, error)
	GetPerformanceMetric(ctx context.Context, userID string) (float64, error)
	CountOpenEntities(ctx context.Context, userID string) (int, error)
	GetManager(ctx context.Context, userID string) (string, error)
	// IsInSubtree reports whether userID reports (directly or transitively) to managerID.
	IsInSubtree(ctx context.Context, managerID, userID string) (bool, error)
}

// CursorStore persists round-robin cursors. Names separate the primary
// distribution cursor from the rotation cursor of the same rule.
type CursorStore interface {
	GetCursor(ctx context.Context, ruleID, name string) (string, error)
	// CompareAndSwapCursor sets the cursor to next only if it still equals expected.
	CompareAndSwapCursor(ctx context.Context, ruleID, name, expected, next string) (bool, error)
}

type RotationStore interface {
	SaveRotationState(ctx context.Context, state db.RotationState) error
	GetRotationState(ctx context.Context, entityID string) (*db.RotationState, error)
	DeleteRotationState(ctx context.Context, entityID string) error
	ListDueRotations(ctx context.Context, now time.Time, limit int) ([]db.RotationState, error)
	// PostponeRotation moves a deadline only if it still equals expected.
	PostponeRotation(ctx context.Context, entityID string, expected, next time.Time) (bool, error)
}

type SegmentStore interface {
	GetSegment(ctx context.Context, segmentID string) (*db.LeadSegment, error)
	ListActiveSegments(ctx context.Context, orgID, entityType string) ([]db.LeadSegment, error)
	GetSegmentMembers(ctx context.Context, segmentID string) ([]string, error)
	UpdateSegmentCache(ctx context.Context, segmentID string, members []string, count int, calculatedAt time.Time) error
	// ApplySegmentDelta adds and removes members without rewriting the whole
	// membership, stamps last_calculated and returns the resulting count.
	ApplySegmentDelta(ctx context.Context, segmentID string, add, remove []string, calculatedAt time.Time) (int, error)
	SetStaticMembers(ctx context.Context, segmentID string, members []string) error
}

type ExecutionStore interface {
	// RecordExecution stores the record and bumps the rule's counter. It returns
	// false without counting when the (rule, event key) pair was already recorded.
	RecordExecution(ctx context.Context, rec db.ExecutionRecord) (bool, error)
	// SaveExecutionResults fills in the action outcomes of a recorded execution.
	SaveExecutionResults(ctx context.Context, ruleID, eventKey string, results []db.ActionResult) error
}

type EntityWriter interface {
	SetOwner(ctx context.Context, entityID, userID, queueName string) error
	SetField(ctx context.Context, entityID, field string, value db.Value) error
	CreateTask(ctx context.Context, task db.Task) error
	RecordAssignment(ctx context.Context, rec db.AssignmentRecord) error
}

type NotificationSink interface {
	EmitNotification(ctx context.Context, n db.Notification) error
}

// PushTokenReader resolves device tokens for push delivery.
type PushTokenReader interface {
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// Store is the full collaborator surface.
type Store interface {
	SnapshotReader
	RuleReader
	Directory
	CursorStore
	RotationStore
	SegmentStore
	ExecutionStore
	EntityWriter
	NotificationSink
	PushTokenReader
}

// Dispatcher hands notifications to delivery without blocking rule evaluation.
type Dispatcher interface {
	Dispatch(ctx context.Context, n db.Notification)
}

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
