package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// User is a directory entry of the in-memory store.
type User struct {
	ID          string
	OrgID       string
	Role        string
	Manager     string
	Performance float64
	PushToken   string
}

// MemoryStore implements Store in process memory. It backs tests and the
// single-node "memory" store mode; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	snapshots     map[string]*db.EntitySnapshot
	assignRules   map[string]db.AssignmentRule
	workflowRules map[string]db.WorkflowRule
	users         map[string]User
	cursors       map[string]string
	rotations     map[string]db.RotationState
	segments      map[string]db.LeadSegment
	members       map[string]map[string]bool
	executions    map[string]db.ExecutionRecord
	tasks         []db.Task
	assignments   []db.AssignmentRecord
	notifications []db.Notification

	// CASFailures makes the next n cursor swaps report a conflict.
	CASFailures int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:     make(map[string]*db.EntitySnapshot),
		assignRules:   make(map[string]db.AssignmentRule),
		workflowRules: make(map[string]db.WorkflowRule),
		users:         make(map[string]User),
		cursors:       make(map[string]string),
		rotations:     make(map[string]db.RotationState),
		segments:      make(map[string]db.LeadSegment),
		members:       make(map[string]map[string]bool),
		executions:    make(map[string]db.ExecutionRecord),
	}
}

// ===========================
// SEEDING
// ===========================

func (m *MemoryStore) PutSnapshot(snap db.EntitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = cloneSnapshot(&snap)
}

func (m *MemoryStore) DeleteSnapshot(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, entityID)
}

func (m *MemoryStore) PutAssignmentRule(rule db.AssignmentRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignRules[rule.ID] = rule
}

func (m *MemoryStore) PutWorkflowRule(rule db.WorkflowRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflowRules[rule.ID] = rule
}

func (m *MemoryStore) PutSegment(seg db.LeadSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[seg.ID] = seg
	if _, ok := m.members[seg.ID]; !ok {
		m.members[seg.ID] = make(map[string]bool)
	}
}

func (m *MemoryStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// ===========================
// INSPECTION
// ===========================

func (m *MemoryStore) AssignmentRuleByID(id string) (db.AssignmentRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.assignRules[id]
	return r, ok
}

func (m *MemoryStore) WorkflowRuleByID(id string) (db.WorkflowRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.workflowRules[id]
	return r, ok
}

func (m *MemoryStore) Tasks() []db.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]db.Task(nil), m.tasks...)
}

func (m *MemoryStore) Assignments() []db.AssignmentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]db.AssignmentRecord(nil), m.assignments...)
}

func (m *MemoryStore) Notifications() []db.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]db.Notification(nil), m.notifications...)
}

func (m *MemoryStore) Executions() []db.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]db.ExecutionRecord, 0, len(m.executions))
	for _, rec := range m.executions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// ===========================
// SNAPSHOTS AND RULES
// ===========================

func (m *MemoryStore) GetSnapshot(_ context.Context, entityID string) (*db.EntitySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, orgID, entityType string) ([]*db.EntitySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*db.EntitySnapshot
	for _, snap := range m.snapshots {
		if snap.OrgID == orgID && snap.EntityType == entityType {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetActiveAssignmentRules(_ context.Context, orgID, entityType string) ([]db.AssignmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.AssignmentRule
	for _, r := range m.assignRules {
		if r.IsActive && r.OrgID == orgID && r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAssignmentRule(_ context.Context, ruleID string) (*db.AssignmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.assignRules[ruleID]
	if !ok {
		return nil, fmt.Errorf("assignment rule %s: %w", ruleID, ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) GetActiveWorkflowRules(_ context.Context, orgID, entityType string) ([]db.WorkflowRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.WorkflowRule
	for _, r := range m.workflowRules {
		if r.IsActive && r.OrgID == orgID && r.TriggerEntity == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

// ===========================
// DIRECTORY
// ===========================

func (m *MemoryStore) GetCandidatePool(_ context.Context, spec db.PoolSpec) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, u := range m.users {
		if spec.OrgID != "" && u.OrgID != spec.OrgID {
			continue
		}
		if spec.Role != "" && u.Role != spec.Role {
			continue
		}
		if spec.Manager != "" {
			if spec.Direct && u.Manager != spec.Manager {
				continue
			}
			if !spec.Direct && !m.inSubtree(spec.Manager, u.ID) {
				continue
			}
		}
		out = append(out, u.ID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GetPerformanceMetric(_ context.Context, userID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.Performance, nil
}

func (m *MemoryStore) CountOpenEntities(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terminal := make(map[string]bool, len(db.TerminalStatuses))
	for _, s := range db.TerminalStatuses {
		terminal[s] = true
	}
	n := 0
	for _, snap := range m.snapshots {
		if snap.OwnerID == userID && !terminal[snap.Status] {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetManager(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.Manager, nil
}

func (m *MemoryStore) IsInSubtree(_ context.Context, managerID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inSubtree(managerID, userID), nil
}

// inSubtree walks the reporting chain upwards. The walk is bounded by the
// directory size so a cyclic chain terminates.
func (m *MemoryStore) inSubtree(managerID, userID string) bool {
	current := userID
	for i := 0; i <= len(m.users); i++ {
		u, ok := m.users[current]
		if !ok || u.Manager == "" {
			return false
		}
		if u.Manager == managerID {
			return true
		}
		current = u.Manager
	}
	return false
}

func (m *MemoryStore) GetPushToken(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.PushToken, nil
}

// ===========================
// CURSORS
// ===========================

// The primary cursor lives on the rule itself, like assignment_rules.last_assigned_user.
func (m *MemoryStore) GetCursor(_ context.Context, ruleID, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == cursorAssign {
		r, ok := m.assignRules[ruleID]
		if !ok {
			return "", fmt.Errorf("assignment rule %s: %w", ruleID, ErrNotFound)
		}
		return r.LastAssignedUser, nil
	}
	return m.cursors[ruleID+"|"+name], nil
}

func (m *MemoryStore) CompareAndSwapCursor(_ context.Context, ruleID, name, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CASFailures > 0 {
		m.CASFailures--
		return false, nil
	}
	if name == cursorAssign {
		r, ok := m.assignRules[ruleID]
		if !ok {
			return false, fmt.Errorf("assignment rule %s: %w", ruleID, ErrNotFound)
		}
		if r.LastAssignedUser != expected {
			return false, nil
		}
		r.LastAssignedUser = next
		m.assignRules[ruleID] = r
		return true, nil
	}
	key := ruleID + "|" + name
	if m.cursors[key] != expected {
		return false, nil
	}
	m.cursors[key] = next
	return true, nil
}

// ===========================
// ROTATION
// ===========================

func (m *MemoryStore) SaveRotationState(_ context.Context, state db.RotationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotations[state.EntityID] = state
	return nil
}

func (m *MemoryStore) GetRotationState(_ context.Context, entityID string) (*db.RotationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.rotations[entityID]
	if !ok {
		return nil, fmt.Errorf("rotation state %s: %w", entityID, ErrNotFound)
	}
	return &state, nil
}

func (m *MemoryStore) DeleteRotationState(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rotations, entityID)
	return nil
}

func (m *MemoryStore) PostponeRotation(_ context.Context, entityID string, expected, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.rotations[entityID]
	if !ok || !state.Deadline.Equal(expected) {
		return false, nil
	}
	state.Deadline = next
	m.rotations[entityID] = state
	return true, nil
}

func (m *MemoryStore) ListDueRotations(_ context.Context, now time.Time, limit int) ([]db.RotationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []db.RotationState
	for _, state := range m.rotations {
		if !state.Deadline.After(now) {
			due = append(due, state)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].Deadline.Before(due[j].Deadline)
		}
		return due[i].EntityID < due[j].EntityID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ===========================
// SEGMENTS
// ===========================

func (m *MemoryStore) GetSegment(_ context.Context, segmentID string) (*db.LeadSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	seg.StaticLeads = append([]string(nil), seg.StaticLeads...)
	return &seg, nil
}

func (m *MemoryStore) ListActiveSegments(_ context.Context, orgID, entityType string) ([]db.LeadSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.LeadSegment
	for _, seg := range m.segments {
		if !seg.IsActive {
			continue
		}
		if orgID != "" && seg.OrgID != orgID {
			continue
		}
		if entityType != "" && seg.EntityType != entityType {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSegmentMembers(_ context.Context, segmentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.segments[segmentID]; !ok {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	out := make([]string, 0, len(m.members[segmentID]))
	for id := range m.members[segmentID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) UpdateSegmentCache(_ context.Context, segmentID string, members []string, count int, calculatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[segmentID]
	if !ok {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	set := make(map[string]bool, len(members))
	for _, id := range members {
		set[id] = true
	}
	m.members[segmentID] = set
	seg.LeadCount = count
	at := calculatedAt
	seg.LastCalculated = &at
	m.segments[segmentID] = seg
	return nil
}

func (m *MemoryStore) ApplySegmentDelta(_ context.Context, segmentID string, add, remove []string, calculatedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[segmentID]
	if !ok {
		return 0, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	set := m.members[segmentID]
	if set == nil {
		set = make(map[string]bool)
		m.members[segmentID] = set
	}
	for _, id := range remove {
		delete(set, id)
	}
	for _, id := range add {
		set[id] = true
	}
	seg.LeadCount = len(set)
	at := calculatedAt
	seg.LastCalculated = &at
	m.segments[segmentID] = seg
	return len(set), nil
}

func (m *MemoryStore) SetStaticMembers(_ context.Context, segmentID string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[segmentID]
	if !ok {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	seg.StaticLeads = append([]string(nil), members...)
	m.segments[segmentID] = seg
	return nil
}

// ===========================
// WRITE INTENTS
// ===========================

func (m *MemoryStore) RecordExecution(_ context.Context, rec db.ExecutionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.RuleID + "|" + rec.EventKey
	if _, ok := m.executions[key]; ok {
		return false, nil
	}
	rule, ok := m.workflowRules[rec.RuleID]
	if !ok {
		return false, fmt.Errorf("workflow rule %s: %w", rec.RuleID, ErrNotFound)
	}
	m.executions[key] = rec
	rule.ExecutionCount++
	at := rec.ExecutedAt
	rule.LastExecutedAt = &at
	m.workflowRules[rec.RuleID] = rule
	return true, nil
}

func (m *MemoryStore) SaveExecutionResults(_ context.Context, ruleID, eventKey string, results []db.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleID + "|" + eventKey
	rec, ok := m.executions[key]
	if !ok {
		return fmt.Errorf("execution %s: %w", key, ErrNotFound)
	}
	rec.Results = append([]db.ActionResult(nil), results...)
	m.executions[key] = rec
	return nil
}

func (m *MemoryStore) SetOwner(_ context.Context, entityID, userID, queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[entityID]
	if !ok {
		return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	snap.OwnerID = userID
	snap.QueueName = queueName
	return nil
}

func (m *MemoryStore) SetField(_ context.Context, entityID, field string, value db.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[entityID]
	if !ok {
		return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	if field == "status" {
		snap.Status = value.String()
		return nil
	}
	if snap.Fields == nil {
		snap.Fields = make(map[string]db.Value)
	}
	snap.Fields[field] = value
	return nil
}

func (m *MemoryStore) CreateTask(_ context.Context, task db.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *MemoryStore) RecordAssignment(_ context.Context, rec db.AssignmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, rec)
	return nil
}

func (m *MemoryStore) EmitNotification(_ context.Context, n db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func cloneSnapshot(s *db.EntitySnapshot) *db.EntitySnapshot {
	c := *s
	c.Fields = make(map[string]db.Value, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	return &c
}
