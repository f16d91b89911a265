package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/google/uuid"
)

const (
	cursorAssign   = "assign"
	cursorRotation = "rotation"

	maxCursorAttempts = 64
)

// AssignmentService routes entities to exactly one owner under the highest
// priority matching assignment rule.
type AssignmentService struct {
	Store   Store
	Catalog *RuleCatalog
	Locks   Locker
	Clock   Clock

	cursorLocks *KeyedMutex
}

func NewAssignmentService(store Store, catalog *RuleCatalog, locks Locker) *AssignmentService {
	return &AssignmentService{
		Store:       store,
		Catalog:     catalog,
		Locks:       locks,
		Clock:       systemClock,
		cursorLocks: NewKeyedMutex(),
	}
}

// RouteEntity assigns an owner to the entity. Already assigned entities are
// left alone unless the request forces reassignment.
func (s *AssignmentService) RouteEntity(ctx context.Context, req db.RouteRequest) (db.RouteResult, error) {
	unlock, err := s.Locks.Lock(ctx, entityLockKey(req.EntityID))
	if err != nil {
		return db.RouteResult{}, err
	}
	defer unlock()
	return s.route(ctx, req)
}

// route expects the caller to hold the entity lock.
func (s *AssignmentService) route(ctx context.Context, req db.RouteRequest) (db.RouteResult, error) {
	snap, err := s.Store.GetSnapshot(ctx, req.EntityID)
	if err != nil {
		return db.RouteResult{}, fmt.Errorf("failed to load entity %s: %w", req.EntityID, err)
	}
	return s.routeSnapshot(ctx, snap, req)
}

func (s *AssignmentService) routeSnapshot(ctx context.Context, snap *db.EntitySnapshot, req db.RouteRequest) (db.RouteResult, error) {
	if snap.IsAssigned() && !req.Force {
		return db.RouteResult{
			Outcome:  db.RouteOutcomeUnchanged,
			Assignee: snap.OwnerID,
			Queue:    snap.QueueName,
			Reason:   "entity already assigned",
		}, nil
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = snap.OrgID
	}
	entityType := req.EntityType
	if entityType == "" {
		entityType = snap.EntityType
	}
	requester := req.RequesterID
	if requester == "" {
		requester = snap.CreatedBy
	}

	rule, err := s.selectRule(ctx, snap, orgID, entityType, requester)
	if err != nil {
		return db.RouteResult{}, err
	}
	if rule == nil {
		log.Printf("No assignment rule matched entity %s (%s)", snap.ID, entityType)
		return db.RouteResult{Outcome: db.RouteOutcomeUnassigned, Reason: "no matching rule"}, nil
	}
	return s.apply(ctx, snap, rule)
}

// selectRule returns the first matching rule in priority order, or nil.
func (s *AssignmentService) selectRule(ctx context.Context, snap *db.EntitySnapshot, orgID, entityType, requester string) (*CompiledAssignmentRule, error) {
	rules, err := s.Catalog.AssignmentRules(ctx, orgID, entityType)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if rule.DistributionScope == db.ScopeDirectSubordinates {
			if requester == "" {
				continue
			}
			inScope, err := s.Store.IsInSubtree(ctx, rule.AssignTo.TargetManager, requester)
			if err != nil {
				log.Printf("Skipping rule %s: hierarchy lookup failed: %v", rule.ID, err)
				continue
			}
			if !inScope {
				continue
			}
		}
		if rule.Match.Evaluate(snap) {
			return rule, nil
		}
	}
	return nil, nil
}

func (s *AssignmentService) apply(ctx context.Context, snap *db.EntitySnapshot, rule *CompiledAssignmentRule) (db.RouteResult, error) {
	now := s.Clock()

	if rule.AssignTo.Type == db.TargetTypeQueue {
		queue := rule.AssignTo.Value
		if err := s.Store.SetOwner(ctx, snap.ID, "", queue); err != nil {
			return db.RouteResult{}, fmt.Errorf("failed to queue entity %s: %w", snap.ID, err)
		}
		if err := s.Store.DeleteRotationState(ctx, snap.ID); err != nil {
			log.Printf("Failed to clear rotation state for %s: %v", snap.ID, err)
		}
		s.recordAssignment(ctx, snap.ID, "", queue, rule, db.AssignmentKindAuto, now)
		return db.RouteResult{
			Outcome: db.RouteOutcomeQueued,
			Queue:   queue,
			RuleID:  rule.ID,
			Reason:  fmt.Sprintf("Matched rule '%s' (priority %d)", rule.Name, rule.Priority),
		}, nil
	}

	assignee, err := s.resolveAssignee(ctx, rule, snap)
	if err != nil {
		if errors.Is(err, ErrNoEligibleAssignee) {
			log.Printf("Rule %s matched entity %s but has no eligible assignee", rule.ID, snap.ID)
			return db.RouteResult{Outcome: db.RouteOutcomeUnassigned, RuleID: rule.ID, Reason: err.Error()}, err
		}
		return db.RouteResult{}, err
	}

	if err := s.Store.SetOwner(ctx, snap.ID, assignee, ""); err != nil {
		return db.RouteResult{}, fmt.Errorf("failed to assign entity %s: %w", snap.ID, err)
	}
	s.recordAssignment(ctx, snap.ID, assignee, "", rule, db.AssignmentKindAuto, now)

	result := db.RouteResult{
		Outcome:  db.RouteOutcomeAssigned,
		Assignee: assignee,
		RuleID:   rule.ID,
		Reason:   fmt.Sprintf("Matched rule '%s' (priority %d)", rule.Name, rule.Priority),
	}

	if rule.Rotation.Armed() {
		state := db.RotationState{
			EntityID:      snap.ID,
			RuleID:        rule.ID,
			AssignedUser:  assignee,
			TriggerStatus: snap.Status,
			AssignedAt:    now,
			Deadline:      now.Add(time.Duration(rule.Rotation.TimeLimitMinutes) * time.Minute),
		}
		if err := s.Store.SaveRotationState(ctx, state); err != nil {
			return result, fmt.Errorf("failed to arm rotation for %s: %w", snap.ID, err)
		}
		result.Deadline = &state.Deadline
	} else if err := s.Store.DeleteRotationState(ctx, snap.ID); err != nil {
		log.Printf("Failed to clear rotation state for %s: %v", snap.ID, err)
	}

	log.Printf("Assigned entity %s to %s via rule %s", snap.ID, assignee, rule.ID)
	return result, nil
}

func (s *AssignmentService) recordAssignment(ctx context.Context, entityID, userID, queue string, rule *CompiledAssignmentRule, kind string, at time.Time) {
	rec := db.AssignmentRecord{
		ID:         uuid.New().String(),
		EntityID:   entityID,
		UserID:     userID,
		QueueName:  queue,
		RuleID:     rule.ID,
		Kind:       kind,
		Reason:     fmt.Sprintf("%s via rule '%s'", rule.DistributionType, rule.Name),
		AssignedAt: at,
	}
	if err := s.Store.RecordAssignment(ctx, rec); err != nil {
		log.Printf("Failed to record assignment for %s: %v", entityID, err)
	}
}

func (s *AssignmentService) resolveAssignee(ctx context.Context, rule *CompiledAssignmentRule, snap *db.EntitySnapshot) (string, error) {
	switch rule.DistributionType {
	case db.DistributionSpecificUser:
		if rule.AssignTo.Value == "" {
			return "", ErrNoEligibleAssignee
		}
		return rule.AssignTo.Value, nil

	case db.DistributionRoundRobinRole, db.DistributionRoundRobinHierarchy:
		pool, err := s.candidatePool(ctx, rule, snap)
		if err != nil {
			return "", err
		}
		return s.advanceCursor(ctx, rule.ID, cursorAssign, pool)

	case db.DistributionTopPerformer:
		pool, err := s.candidatePool(ctx, rule, snap)
		if err != nil {
			return "", err
		}
		return s.topPerformer(ctx, pool)
	}
	return "", invalidRule(rule.ID, "unknown distribution type %q", rule.DistributionType)
}

// candidatePool returns the rule's candidates sorted by user ID so the
// round-robin cursor has a stable meaning.
func (s *AssignmentService) candidatePool(ctx context.Context, rule *CompiledAssignmentRule, snap *db.EntitySnapshot) ([]string, error) {
	var pool []string
	target := rule.AssignTo
	hierarchical := rule.DistributionType == db.DistributionRoundRobinHierarchy || rule.DistributionScope == db.ScopeDirectSubordinates

	if len(target.Pool) > 0 {
		direct := rule.DistributionScope == db.ScopeDirectSubordinates
		for _, userID := range target.Pool {
			if hierarchical && target.TargetManager != "" {
				ok, err := s.reportsTo(ctx, target.TargetManager, userID, direct)
				if err != nil {
					return nil, fmt.Errorf("failed to check hierarchy for %s: %w", userID, err)
				}
				if !ok {
					continue
				}
			}
			pool = append(pool, userID)
		}
	} else {
		orgID := rule.OrgID
		if orgID == "" {
			orgID = snap.OrgID
		}
		spec := db.PoolSpec{OrgID: orgID, Role: target.TargetRole}
		if hierarchical {
			spec.Manager = target.TargetManager
			spec.Direct = rule.DistributionScope == db.ScopeDirectSubordinates
		}
		users, err := s.Store.GetCandidatePool(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to load candidate pool for rule %s: %w", rule.ID, err)
		}
		pool = users
	}

	pool = sortedUnique(pool)
	if len(pool) == 0 {
		return nil, ErrNoEligibleAssignee
	}
	return pool, nil
}

// reportsTo checks userID against managerID's direct reports when direct is
// set, otherwise against the whole reporting subtree.
func (s *AssignmentService) reportsTo(ctx context.Context, managerID, userID string, direct bool) (bool, error) {
	if !direct {
		return s.Store.IsInSubtree(ctx, managerID, userID)
	}
	manager, err := s.Store.GetManager(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return manager == managerID, nil
}

// advanceCursor moves a rule cursor to the candidate after its current
// position and returns it. The read-modify-write is a compare-and-swap
// against the store, retried on conflict, so concurrent assignments never
// skip or repeat a candidate.
func (s *AssignmentService) advanceCursor(ctx context.Context, ruleID, name string, pool []string) (string, error) {
	if len(pool) == 0 {
		return "", ErrNoEligibleAssignee
	}

	unlock, err := s.cursorLocks.Lock(ctx, cursorLockKey(ruleID, name))
	if err != nil {
		return "", err
	}
	defer unlock()

	for attempt := 0; attempt < maxCursorAttempts; attempt++ {
		current, err := s.Store.GetCursor(ctx, ruleID, name)
		if err != nil {
			return "", fmt.Errorf("failed to read cursor for rule %s: %w", ruleID, err)
		}
		next := nextAfter(pool, current)
		swapped, err := s.Store.CompareAndSwapCursor(ctx, ruleID, name, current, next)
		if err != nil {
			return "", fmt.Errorf("failed to advance cursor for rule %s: %w", ruleID, err)
		}
		if swapped {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: rule %s cursor %s", ErrCursorConflict, ruleID, name)
}

// nextAfter returns the first candidate strictly after current in sorted
// order, wrapping to the start. A cursor that left the pool still resolves.
func nextAfter(pool []string, current string) string {
	idx := sort.SearchStrings(pool, current)
	if idx < len(pool) && pool[idx] == current {
		idx++
	}
	if idx >= len(pool) {
		idx = 0
	}
	return pool[idx]
}

// topPerformer picks the best metric; ties go to the lowest open workload,
// then the lowest user ID.
func (s *AssignmentService) topPerformer(ctx context.Context, pool []string) (string, error) {
	type candidate struct {
		id     string
		metric float64
		open   int
	}
	var best *candidate
	for _, userID := range pool {
		metric, err := s.Store.GetPerformanceMetric(ctx, userID)
		if err != nil {
			log.Printf("Skipping candidate %s: performance lookup failed: %v", userID, err)
			continue
		}
		open, err := s.Store.CountOpenEntities(ctx, userID)
		if err != nil {
			log.Printf("Skipping candidate %s: workload lookup failed: %v", userID, err)
			continue
		}
		c := candidate{id: userID, metric: metric, open: open}
		switch {
		case best == nil,
			c.metric > best.metric,
			c.metric == best.metric && c.open < best.open,
			c.metric == best.metric && c.open == best.open && c.id < best.id:
			best = &c
		}
	}
	if best == nil {
		return "", ErrNoEligibleAssignee
	}
	return best.id, nil
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
