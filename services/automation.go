package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// ownerFields are the snapshot aliases that change when ownership moves.
var ownerFields = []string{"owner", "owner_id", "assigned_to"}

// AutomationOptions wires optional collaborators. Zero values select
// process-local implementations.
type AutomationOptions struct {
	Locks      Locker
	Deduper    Deduper
	Dispatcher Dispatcher
	Lease      Lease
	Schema     db.FieldSchema

	SweepBatchSize int
	DedupeTTL      time.Duration
}

// AutomationService is the entry point of the automation core. It
// serializes all work per entity and fans events out to assignment,
// segments, rotation and workflows.
type AutomationService struct {
	Store      Store
	Locks      Locker
	Catalog    *RuleCatalog
	Assignment *AssignmentService
	Rotation   *RotationService
	Segments   *SegmentService
	Workflows  *WorkflowService
}

func NewAutomationService(store Store, opts AutomationOptions) *AutomationService {
	locks := opts.Locks
	if locks == nil {
		locks = NewKeyedMutex()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewSinkDispatcher(store)
	}
	deduper := opts.Deduper
	if deduper == nil {
		deduper = NewMemoryDeduper(opts.DedupeTTL)
	}
	schema := opts.Schema
	if schema == nil {
		schema = db.DefaultFieldSchema()
	}

	evaluator := NewConditionEvaluator(schema)
	catalog := NewRuleCatalog(store, evaluator)
	assignment := NewAssignmentService(store, catalog, locks)
	rotation := NewRotationService(store, catalog, assignment, locks, dispatcher)
	rotation.Lease = opts.Lease
	if opts.SweepBatchSize > 0 {
		rotation.BatchSize = opts.SweepBatchSize
	}

	return &AutomationService{
		Store:      store,
		Locks:      locks,
		Catalog:    catalog,
		Assignment: assignment,
		Rotation:   rotation,
		Segments:   NewSegmentService(store, evaluator),
		Workflows:  NewWorkflowService(store, catalog, deduper, dispatcher),
	}
}

// SetClock replaces the time source of every component.
func (s *AutomationService) SetClock(clock Clock) {
	s.Assignment.Clock = clock
	s.Segments.Clock = clock
	s.Workflows.Clock = clock
}

// RouteEntity assigns an unowned entity under the first matching rule.
func (s *AutomationService) RouteEntity(ctx context.Context, req db.RouteRequest) (db.RouteResult, error) {
	if req.EntityID == "" {
		return db.RouteResult{}, fmt.Errorf("%w: entity_id is required", ErrInvalidEvent)
	}
	unlock, err := s.Locks.Lock(ctx, entityLockKey(req.EntityID))
	if err != nil {
		return db.RouteResult{}, err
	}
	defer unlock()

	result, err := s.Assignment.route(ctx, req)
	if err != nil {
		return result, err
	}
	if result.Outcome == db.RouteOutcomeAssigned || result.Outcome == db.RouteOutcomeQueued {
		s.refreshOwnerSegments(ctx, req.EntityID)
	}
	return result, nil
}

// NotifyEntityEvent processes one entity change. Failures in one concern are
// logged and reported without skipping the others.
func (s *AutomationService) NotifyEntityEvent(ctx context.Context, ev db.EntityEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.Workflows.Clock()
	}

	unlock, err := s.Locks.Lock(ctx, entityLockKey(ev.EntityID))
	if err != nil {
		return err
	}
	defer unlock()

	if ev.EventType == db.EventDelete {
		return s.handleDelete(ctx, ev)
	}

	snap, err := s.Store.GetSnapshot(ctx, ev.EntityID)
	if err != nil {
		s.Segments.MarkDirty(ev.OrgID, ev.EntityType, ev.EntityID)
		return fmt.Errorf("failed to load entity %s: %w", ev.EntityID, err)
	}
	if ev.OrgID == "" {
		ev.OrgID = snap.OrgID
	}

	var errs []error

	if ev.EventType == db.EventCreate && !snap.IsAssigned() {
		result, err := s.Assignment.routeSnapshot(ctx, snap, db.RouteRequest{
			EntityID:   snap.ID,
			EntityType: snap.EntityType,
			OrgID:      snap.OrgID,
		})
		switch {
		case errors.Is(err, ErrNoEligibleAssignee):
			log.Printf("Entity %s left unassigned: %v", snap.ID, err)
		case err != nil:
			errs = append(errs, fmt.Errorf("routing: %w", err))
		case result.Outcome == db.RouteOutcomeAssigned || result.Outcome == db.RouteOutcomeQueued:
			routed := *snap
			routed.OwnerID = result.Assignee
			routed.QueueName = result.Queue
			snap = &routed
		}
	}

	if err := s.Segments.HandleEntityEvent(ctx, ev, snap); err != nil {
		errs = append(errs, fmt.Errorf("segments: %w", err))
	}
	if err := s.Rotation.HandleEntityChange(ctx, snap); err != nil {
		errs = append(errs, fmt.Errorf("rotation: %w", err))
	}
	if _, err := s.Workflows.HandleEvent(ctx, ev, snap); err != nil {
		errs = append(errs, fmt.Errorf("workflows: %w", err))
	}
	return errors.Join(errs...)
}

func (s *AutomationService) handleDelete(ctx context.Context, ev db.EntityEvent) error {
	var errs []error
	if err := s.Segments.HandleEntityEvent(ctx, ev, nil); err != nil {
		errs = append(errs, fmt.Errorf("segments: %w", err))
	}
	if err := s.Store.DeleteRotationState(ctx, ev.EntityID); err != nil {
		errs = append(errs, fmt.Errorf("rotation: %w", err))
	}
	return errors.Join(errs...)
}

// RecomputeSegment rebuilds a segment's cached membership.
func (s *AutomationService) RecomputeSegment(ctx context.Context, segmentID string, mode db.RecomputeMode) (db.SegmentStats, error) {
	return s.Segments.Recompute(ctx, segmentID, mode)
}

func (s *AutomationService) AddSegmentMembers(ctx context.Context, segmentID string, entityIDs []string) (db.SegmentStats, error) {
	return s.Segments.AddMembers(ctx, segmentID, entityIDs)
}

func (s *AutomationService) RemoveSegmentMembers(ctx context.Context, segmentID string, entityIDs []string) (db.SegmentStats, error) {
	return s.Segments.RemoveMembers(ctx, segmentID, entityIDs)
}

// SweepRotations reassigns every entity whose rotation deadline passed at now.
func (s *AutomationService) SweepRotations(ctx context.Context, now time.Time) ([]db.ReassignmentEvent, error) {
	events, err := s.Rotation.Sweep(ctx, now)
	for _, ev := range events {
		s.lockAndRefreshOwnerSegments(ctx, ev.EntityID)
	}
	return events, err
}

func (s *AutomationService) lockAndRefreshOwnerSegments(ctx context.Context, entityID string) {
	unlock, err := s.Locks.Lock(ctx, entityLockKey(entityID))
	if err != nil {
		log.Printf("Segment refresh for %s skipped: %v", entityID, err)
		return
	}
	defer unlock()
	s.refreshOwnerSegments(ctx, entityID)
}

// refreshOwnerSegments re-evaluates segments that reference ownership after
// the owner changed. The caller holds the entity lock.
func (s *AutomationService) refreshOwnerSegments(ctx context.Context, entityID string) {
	snap, err := s.Store.GetSnapshot(ctx, entityID)
	if err != nil {
		log.Printf("Segment refresh for %s skipped: %v", entityID, err)
		return
	}
	ev := db.EntityEvent{
		EntityID:      snap.ID,
		EntityType:    snap.EntityType,
		OrgID:         snap.OrgID,
		EventType:     db.EventFieldChange,
		ChangedFields: ownerFields,
	}
	if err := s.Segments.HandleEntityEvent(ctx, ev, snap); err != nil {
		log.Printf("Segment refresh for %s failed: %v", entityID, err)
	}
}

func validateEvent(ev db.EntityEvent) error {
	if ev.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidEvent)
	}
	if ev.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalidEvent)
	}
	switch ev.EventType {
	case db.EventCreate, db.EventUpdate, db.EventStatusChange, db.EventDelete:
	case db.EventFieldChange:
		if len(ev.Changed()) == 0 {
			return fmt.Errorf("%w: field_change requires changed_field", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.EventType)
	}
	return nil
}

// SinkDispatcher writes notifications straight to the store's outbox.
type SinkDispatcher struct {
	Sink NotificationSink
}

func NewSinkDispatcher(sink NotificationSink) *SinkDispatcher {
	return &SinkDispatcher{Sink: sink}
}

func (d *SinkDispatcher) Dispatch(ctx context.Context, n db.Notification) {
	if err := d.Sink.EmitNotification(ctx, n); err != nil {
		log.Printf("Failed to emit notification %s for entity %s: %v", n.ID, n.EntityID, err)
	}
}
