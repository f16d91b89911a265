package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/google/uuid"
)

const (
	defaultSweepBatchSize = 100
	defaultRetryBackoff   = 5 * time.Minute
)

// RotationService reassigns entities whose owner did not act before the
// rotation deadline armed by the assignment engine.
type RotationService struct {
	Store      Store
	Catalog    *RuleCatalog
	Assignment *AssignmentService
	Locks      Locker
	Dispatcher Dispatcher
	// Lease, when set, keeps sweeps from overlapping across processes.
	Lease     Lease
	BatchSize int

	// RetryBackoff postpones a due rotation that failed to process so it
	// leaves the head of the due list.
	RetryBackoff time.Duration

	sweeping atomic.Bool
	randMu   sync.Mutex
	rand     *rand.Rand
}

func NewRotationService(store Store, catalog *RuleCatalog, assignment *AssignmentService, locks Locker, dispatcher Dispatcher) *RotationService {
	return &RotationService{
		Store:        store,
		Catalog:      catalog,
		Assignment:   assignment,
		Locks:        locks,
		Dispatcher:   dispatcher,
		BatchSize:    defaultSweepBatchSize,
		RetryBackoff: defaultRetryBackoff,
		rand:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// SetRandSource replaces the random source used by random rotation.
func (s *RotationService) SetRandSource(src rand.Source) {
	s.randMu.Lock()
	s.rand = rand.New(src)
	s.randMu.Unlock()
}

// Sweep processes every rotation past its deadline at now. A sweep that
// starts while another is running returns ErrSweepInProgress immediately.
func (s *RotationService) Sweep(ctx context.Context, now time.Time) ([]db.ReassignmentEvent, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	if s.Lease != nil {
		release, ok, err := s.Lease.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer release()
	}

	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	due, err := s.Store.ListDueRotations(ctx, now, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list due rotations: %w", err)
	}

	events := make([]db.ReassignmentEvent, 0, len(due))
	for _, state := range due {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		ev, err := s.processDue(ctx, state.EntityID, now)
		if err != nil {
			log.Printf("Rotation: failed to process entity %s: %v", state.EntityID, err)
			s.postpone(ctx, state, now)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if len(due) > 0 {
		log.Printf("Rotation: sweep processed %d due assignments, %d reassigned", len(due), len(events))
	}
	return events, nil
}

// postpone pushes a failing state's deadline past now. The swap is
// conditional so a state re-armed concurrently is left alone.
func (s *RotationService) postpone(ctx context.Context, state db.RotationState, now time.Time) {
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	// the sweep context may be the reason processing failed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	next := now.Add(backoff)
	ok, err := s.Store.PostponeRotation(ctx, state.EntityID, state.Deadline, next)
	if err != nil {
		log.Printf("Rotation: failed to postpone entity %s: %v", state.EntityID, err)
		return
	}
	if ok {
		log.Printf("Rotation: entity %s retried after %s", state.EntityID, next.Format(time.RFC3339))
	}
}

func (s *RotationService) processDue(ctx context.Context, entityID string, now time.Time) (*db.ReassignmentEvent, error) {
	unlock, err := s.Locks.Lock(ctx, entityLockKey(entityID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the lock: a concurrent event may have cleared or re-armed it
	state, err := s.Store.GetRotationState(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if state.Deadline.After(now) {
		return nil, nil
	}

	snap, err := s.Store.GetSnapshot(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.discard(ctx, entityID, "entity no longer exists")
		}
		return nil, err
	}

	rule, err := s.Catalog.AssignmentRule(ctx, state.RuleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || IsInvalidRule(err) {
			return nil, s.discard(ctx, entityID, fmt.Sprintf("rule %s unavailable: %v", state.RuleID, err))
		}
		return nil, err
	}

	if reason := stillApplies(state, snap, rule); reason != "" {
		return nil, s.discard(ctx, entityID, reason)
	}

	limit := time.Duration(rule.Rotation.TimeLimitMinutes) * time.Minute
	newUser, err := s.pickReplacement(ctx, rule, state, snap)
	if err != nil {
		if errors.Is(err, ErrNoEligibleAssignee) {
			// keep the current owner and try again after another window
			log.Printf("Rotation: no replacement for entity %s under rule %s, re-arming", entityID, rule.ID)
			state.Deadline = now.Add(limit)
			return nil, s.Store.SaveRotationState(ctx, *state)
		}
		return nil, err
	}

	if err := s.Store.SetOwner(ctx, entityID, newUser, ""); err != nil {
		return nil, fmt.Errorf("failed to reassign entity %s: %w", entityID, err)
	}
	s.Assignment.recordAssignment(ctx, entityID, newUser, "", rule, db.AssignmentKindRotation, now)

	ev := db.ReassignmentEvent{
		ID:           uuid.New().String(),
		EntityID:     entityID,
		RuleID:       rule.ID,
		PreviousUser: state.AssignedUser,
		NewUser:      newUser,
		RotationType: rule.Rotation.RotationType,
		OccurredAt:   now,
	}

	if rule.Rotation.RotationType == db.RotationManager {
		// escalation ends the rotation
		if err := s.Store.DeleteRotationState(ctx, entityID); err != nil {
			return nil, err
		}
	} else {
		next := db.RotationState{
			EntityID:      entityID,
			RuleID:        rule.ID,
			AssignedUser:  newUser,
			TriggerStatus: state.TriggerStatus,
			AssignedAt:    now,
			Deadline:      now.Add(limit),
		}
		if err := s.Store.SaveRotationState(ctx, next); err != nil {
			return nil, err
		}
		ev.NextDeadline = &next.Deadline
	}

	s.notifyReassignment(ctx, ev, snap)
	log.Printf("Rotation: entity %s reassigned from %s to %s (%s)", entityID, ev.PreviousUser, newUser, ev.RotationType)
	return &ev, nil
}

// stillApplies returns an empty string when the rotation should proceed,
// otherwise the reason it is discarded.
func stillApplies(state *db.RotationState, snap *db.EntitySnapshot, rule *CompiledAssignmentRule) string {
	switch {
	case !rule.IsActive:
		return "rule deactivated"
	case !rule.Rotation.Armed():
		return "rotation disabled on rule"
	case snap.Status != state.TriggerStatus:
		return fmt.Sprintf("status changed from %s to %s", state.TriggerStatus, snap.Status)
	case snap.OwnerID != state.AssignedUser:
		return "owner changed outside rotation"
	case !rule.Match.Evaluate(snap):
		return "rule criteria no longer match"
	}
	return ""
}

func (s *RotationService) discard(ctx context.Context, entityID, reason string) error {
	log.Printf("Rotation: discarding state for entity %s: %s", entityID, reason)
	return s.Store.DeleteRotationState(ctx, entityID)
}

func (s *RotationService) pickReplacement(ctx context.Context, rule *CompiledAssignmentRule, state *db.RotationState, snap *db.EntitySnapshot) (string, error) {
	switch rule.Rotation.RotationType {
	case db.RotationManager:
		manager := rule.AssignTo.TargetManager
		if manager == "" {
			m, err := s.Store.GetManager(ctx, state.AssignedUser)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return "", err
			}
			manager = m
		}
		if manager == "" {
			return "", ErrNoEligibleAssignee
		}
		return manager, nil

	case db.RotationRandom:
		pool, err := s.rotationPool(ctx, rule, snap)
		if err != nil {
			return "", err
		}
		if len(pool) > 1 {
			pool = without(pool, state.AssignedUser)
		}
		s.randMu.Lock()
		idx := s.rand.IntN(len(pool))
		s.randMu.Unlock()
		return pool[idx], nil

	case db.RotationSelective:
		pool, err := s.rotationPool(ctx, rule, snap)
		if err != nil {
			return "", err
		}
		next, err := s.Assignment.advanceCursor(ctx, rule.ID, cursorRotation, pool)
		if err != nil {
			return "", err
		}
		if next == state.AssignedUser && len(pool) > 1 {
			return s.Assignment.advanceCursor(ctx, rule.ID, cursorRotation, pool)
		}
		return next, nil
	}
	return "", invalidRule(rule.ID, "unknown rotation type %q", rule.Rotation.RotationType)
}

// rotationPool is the rule's rotation pool, or its distribution pool when none is configured.
func (s *RotationService) rotationPool(ctx context.Context, rule *CompiledAssignmentRule, snap *db.EntitySnapshot) ([]string, error) {
	if len(rule.Rotation.RotationPool) > 0 {
		pool := sortedUnique(rule.Rotation.RotationPool)
		if len(pool) == 0 {
			return nil, ErrNoEligibleAssignee
		}
		return pool, nil
	}
	return s.Assignment.candidatePool(ctx, rule, snap)
}

// HandleEntityChange discards rotation state that an entity mutation has made
// obsolete. The caller holds the entity lock.
func (s *RotationService) HandleEntityChange(ctx context.Context, snap *db.EntitySnapshot) error {
	state, err := s.Store.GetRotationState(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	switch {
	case snap.Status != state.TriggerStatus:
		return s.discard(ctx, snap.ID, fmt.Sprintf("status left %s", state.TriggerStatus))
	case snap.OwnerID != state.AssignedUser:
		return s.discard(ctx, snap.ID, "owner changed outside rotation")
	}
	return nil
}

func (s *RotationService) notifyReassignment(ctx context.Context, ev db.ReassignmentEvent, snap *db.EntitySnapshot) {
	if s.Dispatcher == nil {
		return
	}
	s.Dispatcher.Dispatch(ctx, db.Notification{
		ID:       uuid.New().String(),
		Type:     db.NotificationReassigned,
		UserID:   ev.NewUser,
		EntityID: ev.EntityID,
		RuleID:   ev.RuleID,
		Title:    fmt.Sprintf("%s reassigned to you", snap.EntityType),
		Body:     fmt.Sprintf("%s %s was not actioned in time by its previous owner", snap.EntityType, snap.ID),
		Data: map[string]interface{}{
			"previous_user": ev.PreviousUser,
			"rotation_type": ev.RotationType,
		},
		CreatedAt: ev.OccurredAt,
	})
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
