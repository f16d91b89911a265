package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

const defaultInterestTTL = 30 * time.Second

type compiledSegment struct {
	ID        string
	UpdatedAt time.Time
	Match     CompiledConditionSet
}

// segmentInterest maps field names to the dynamic segments whose criteria
// reference them, for one org and entity type.
type segmentInterest struct {
	builtAt time.Time
	all     []*compiledSegment
	byField map[string][]*compiledSegment
}

func (si *segmentInterest) forFields(fields []string) []*compiledSegment {
	seen := make(map[string]bool)
	var out []*compiledSegment
	for _, f := range fields {
		for _, seg := range si.byField[f] {
			if !seen[seg.ID] {
				seen[seg.ID] = true
				out = append(out, seg)
			}
		}
	}
	return out
}

// SegmentService keeps cached segment membership current. Entity events only
// touch segments whose criteria reference a changed field; full rescans happen
// on criteria edits and explicit refreshes.
type SegmentService struct {
	Store       Store
	Evaluator   *ConditionEvaluator
	Clock       Clock
	InterestTTL time.Duration

	locks *KeyedMutex

	mu       sync.Mutex
	interest map[string]*segmentInterest
	compiled map[string]*compiledSegment
	dirty    map[string]map[string]bool
}

func NewSegmentService(store Store, evaluator *ConditionEvaluator) *SegmentService {
	return &SegmentService{
		Store:       store,
		Evaluator:   evaluator,
		Clock:       systemClock,
		InterestTTL: defaultInterestTTL,
		locks:       NewKeyedMutex(),
		interest:    make(map[string]*segmentInterest),
		compiled:    make(map[string]*compiledSegment),
		dirty:       make(map[string]map[string]bool),
	}
}

func scopeKey(orgID, entityType string) string { return orgID + "|" + entityType }

// HandleEntityEvent applies one entity change to the affected segments. snap
// is nil for delete events. The caller holds the entity lock.
func (s *SegmentService) HandleEntityEvent(ctx context.Context, ev db.EntityEvent, snap *db.EntitySnapshot) error {
	orgID, entityType := ev.OrgID, ev.EntityType
	if snap != nil {
		orgID, entityType = snap.OrgID, snap.EntityType
	}
	idx, err := s.interestFor(ctx, orgID, entityType)
	if err != nil {
		return err
	}

	var targets []*compiledSegment
	touchesAll := false
	switch {
	case ev.EventType == db.EventDelete, ev.EventType == db.EventCreate:
		targets, touchesAll = idx.all, true
	case len(ev.Changed()) == 0:
		// an update that does not say what changed may affect anything
		targets, touchesAll = idx.all, true
	default:
		targets = idx.forFields(ev.Changed())
	}

	var firstErr error
	for _, seg := range targets {
		var add, remove []string
		if ev.EventType != db.EventDelete && snap != nil && seg.Match.Evaluate(snap) {
			add = []string{ev.EntityID}
		} else {
			remove = []string{ev.EntityID}
		}
		if err := s.applyDelta(ctx, seg.ID, add, remove); err != nil {
			log.Printf("Segment: failed to update %s for entity %s: %v", seg.ID, ev.EntityID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		s.MarkDirty(orgID, entityType, ev.EntityID)
		return firstErr
	}
	if touchesAll {
		s.clearDirty(orgID, entityType, ev.EntityID)
	}
	return nil
}

func (s *SegmentService) applyDelta(ctx context.Context, segmentID string, add, remove []string) error {
	unlock, err := s.locks.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return err
	}
	defer unlock()
	_, err = s.Store.ApplySegmentDelta(ctx, segmentID, add, remove, s.Clock())
	return err
}

// MarkDirty records an entity whose segment membership may be stale. The next
// incremental recompute of any segment in its scope re-evaluates it.
func (s *SegmentService) MarkDirty(orgID, entityType, entityID string) {
	key := scopeKey(orgID, entityType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty[key] == nil {
		s.dirty[key] = make(map[string]bool)
	}
	s.dirty[key][entityID] = true
}

func (s *SegmentService) clearDirty(orgID, entityType, entityID string) {
	key := scopeKey(orgID, entityType)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty[key], entityID)
}

func (s *SegmentService) dirtyEntities(orgID, entityType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.dirty[scopeKey(orgID, entityType)]))
	for id := range s.dirty[scopeKey(orgID, entityType)] {
		ids = append(ids, id)
	}
	return ids
}

// Recompute rebuilds a segment's cached membership. Static segments are
// recounted from their explicit list regardless of mode.
func (s *SegmentService) Recompute(ctx context.Context, segmentID string, mode db.RecomputeMode) (db.SegmentStats, error) {
	switch mode {
	case "", db.RecomputeIncremental, db.RecomputeFull:
	default:
		return db.SegmentStats{}, fmt.Errorf("unknown recompute mode %q", mode)
	}

	unlock, err := s.locks.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return db.SegmentStats{}, err
	}
	defer unlock()

	seg, err := s.Store.GetSegment(ctx, segmentID)
	if err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to load segment %s: %w", segmentID, err)
	}
	now := s.Clock()

	if seg.Type == db.SegmentStatic {
		members := sortedUnique(seg.StaticLeads)
		if err := s.Store.UpdateSegmentCache(ctx, seg.ID, members, len(members), now); err != nil {
			return db.SegmentStats{}, err
		}
		return db.SegmentStats{SegmentID: seg.ID, LeadCount: len(members), LastCalculated: now}, nil
	}
	if !seg.IsActive {
		log.Printf("Segment: %s is inactive, returning cached stats", seg.ID)
		return cachedStats(seg), nil
	}

	cs, err := s.compile(seg)
	if err != nil {
		return db.SegmentStats{}, err
	}

	if mode == db.RecomputeFull {
		return s.recomputeFull(ctx, seg, cs, now)
	}
	return s.recomputeIncremental(ctx, seg, cs, now)
}

func (s *SegmentService) recomputeFull(ctx context.Context, seg *db.LeadSegment, cs *compiledSegment, now time.Time) (db.SegmentStats, error) {
	snaps, err := s.Store.ListSnapshots(ctx, seg.OrgID, seg.EntityType)
	if err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to list %s entities: %w", seg.EntityType, err)
	}
	members := make([]string, 0)
	for _, snap := range snaps {
		if cs.Match.Evaluate(snap) {
			members = append(members, snap.ID)
		}
	}
	members = sortedUnique(members)
	if err := s.Store.UpdateSegmentCache(ctx, seg.ID, members, len(members), now); err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to update segment %s: %w", seg.ID, err)
	}
	log.Printf("Segment: full recompute of %s matched %d of %d entities", seg.ID, len(members), len(snaps))
	return db.SegmentStats{SegmentID: seg.ID, LeadCount: len(members), LastCalculated: now}, nil
}

func (s *SegmentService) recomputeIncremental(ctx context.Context, seg *db.LeadSegment, cs *compiledSegment, now time.Time) (db.SegmentStats, error) {
	members, err := s.Store.GetSegmentMembers(ctx, seg.ID)
	if err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to load members of %s: %w", seg.ID, err)
	}
	candidates := sortedUnique(append(members, s.dirtyEntities(seg.OrgID, seg.EntityType)...))

	var add, remove []string
	for _, id := range candidates {
		snap, err := s.Store.GetSnapshot(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				remove = append(remove, id)
				continue
			}
			return db.SegmentStats{}, fmt.Errorf("failed to load entity %s: %w", id, err)
		}
		if snap.OrgID == seg.OrgID && snap.EntityType == seg.EntityType && cs.Match.Evaluate(snap) {
			add = append(add, id)
		} else {
			remove = append(remove, id)
		}
	}

	count, err := s.Store.ApplySegmentDelta(ctx, seg.ID, add, remove, now)
	if err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to update segment %s: %w", seg.ID, err)
	}
	return db.SegmentStats{SegmentID: seg.ID, LeadCount: count, LastCalculated: now}, nil
}

// SegmentUpdated is called after a segment's criteria or active flag changed.
// It drops cached compilations and, for active dynamic segments, runs a full recompute.
func (s *SegmentService) SegmentUpdated(ctx context.Context, segmentID string) (db.SegmentStats, error) {
	seg, err := s.Store.GetSegment(ctx, segmentID)
	if err != nil {
		return db.SegmentStats{}, err
	}
	s.mu.Lock()
	delete(s.compiled, segmentID)
	delete(s.interest, scopeKey(seg.OrgID, seg.EntityType))
	s.mu.Unlock()

	if !seg.IsActive {
		return cachedStats(seg), nil
	}
	return s.Recompute(ctx, segmentID, db.RecomputeFull)
}

// AddMembers adds entities to a static segment.
func (s *SegmentService) AddMembers(ctx context.Context, segmentID string, entityIDs []string) (db.SegmentStats, error) {
	return s.editStatic(ctx, segmentID, func(current map[string]bool) {
		for _, id := range entityIDs {
			current[id] = true
		}
	})
}

// RemoveMembers removes entities from a static segment.
func (s *SegmentService) RemoveMembers(ctx context.Context, segmentID string, entityIDs []string) (db.SegmentStats, error) {
	return s.editStatic(ctx, segmentID, func(current map[string]bool) {
		for _, id := range entityIDs {
			delete(current, id)
		}
	})
}

func (s *SegmentService) editStatic(ctx context.Context, segmentID string, edit func(map[string]bool)) (db.SegmentStats, error) {
	unlock, err := s.locks.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return db.SegmentStats{}, err
	}
	defer unlock()

	seg, err := s.Store.GetSegment(ctx, segmentID)
	if err != nil {
		return db.SegmentStats{}, err
	}
	if seg.Type != db.SegmentStatic {
		return db.SegmentStats{}, fmt.Errorf("%w: %s", ErrSegmentNotStatic, segmentID)
	}

	current := make(map[string]bool, len(seg.StaticLeads))
	for _, id := range seg.StaticLeads {
		current[id] = true
	}
	edit(current)
	members := make([]string, 0, len(current))
	for id := range current {
		members = append(members, id)
	}
	members = sortedUnique(members)

	now := s.Clock()
	if err := s.Store.SetStaticMembers(ctx, seg.ID, members); err != nil {
		return db.SegmentStats{}, fmt.Errorf("failed to save members of %s: %w", seg.ID, err)
	}
	if err := s.Store.UpdateSegmentCache(ctx, seg.ID, members, len(members), now); err != nil {
		return db.SegmentStats{}, err
	}
	return db.SegmentStats{SegmentID: seg.ID, LeadCount: len(members), LastCalculated: now}, nil
}

// RefreshAll fully recomputes every active dynamic segment. Failures are
// logged per segment and the first one is returned.
func (s *SegmentService) RefreshAll(ctx context.Context) error {
	segs, err := s.Store.ListActiveSegments(ctx, "", "")
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}
	var firstErr error
	failed := make(map[string]bool)
	for _, seg := range segs {
		if seg.Type != db.SegmentDynamic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Recompute(ctx, seg.ID, db.RecomputeFull); err != nil {
			log.Printf("Segment: refresh of %s failed: %v", seg.ID, err)
			failed[scopeKey(seg.OrgID, seg.EntityType)] = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	for key := range s.dirty {
		if !failed[key] {
			delete(s.dirty, key)
		}
	}
	s.interest = make(map[string]*segmentInterest)
	s.mu.Unlock()
	return firstErr
}

func (s *SegmentService) compile(seg *db.LeadSegment) (*compiledSegment, error) {
	s.mu.Lock()
	cs, ok := s.compiled[seg.ID]
	s.mu.Unlock()
	if ok && cs.UpdatedAt.Equal(seg.UpdatedAt) {
		return cs, nil
	}

	match, err := s.Evaluator.Compile(seg.Criteria)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	cs = &compiledSegment{ID: seg.ID, UpdatedAt: seg.UpdatedAt, Match: match}
	s.mu.Lock()
	s.compiled[seg.ID] = cs
	s.mu.Unlock()
	return cs, nil
}

func (s *SegmentService) interestFor(ctx context.Context, orgID, entityType string) (*segmentInterest, error) {
	key := scopeKey(orgID, entityType)
	now := s.Clock()

	s.mu.Lock()
	idx, ok := s.interest[key]
	s.mu.Unlock()
	if ok && now.Sub(idx.builtAt) < s.InterestTTL {
		return idx, nil
	}

	segs, err := s.Store.ListActiveSegments(ctx, orgID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	idx = &segmentInterest{builtAt: now, byField: make(map[string][]*compiledSegment)}
	for i := range segs {
		seg := &segs[i]
		if seg.Type != db.SegmentDynamic || !seg.IsActive {
			continue
		}
		cs, err := s.compile(seg)
		if err != nil {
			log.Printf("Segment: skipping %s (%s): %v", seg.ID, seg.Name, err)
			continue
		}
		idx.all = append(idx.all, cs)
		for _, f := range cs.Match.Fields() {
			idx.byField[f] = append(idx.byField[f], cs)
		}
	}

	s.mu.Lock()
	s.interest[key] = idx
	s.mu.Unlock()
	return idx, nil
}

// InvalidateInterest drops the cached field index, forcing a reload on the next event.
func (s *SegmentService) InvalidateInterest() {
	s.mu.Lock()
	s.interest = make(map[string]*segmentInterest)
	s.mu.Unlock()
}

func cachedStats(seg *db.LeadSegment) db.SegmentStats {
	stats := db.SegmentStats{SegmentID: seg.ID, LeadCount: seg.LeadCount}
	if seg.LastCalculated != nil {
		stats.LastCalculated = *seg.LastCalculated
	}
	return stats
}
