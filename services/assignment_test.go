package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func newAssignmentFixture(t *testing.T) (*MemoryStore, *AssignmentService) {
	t.Helper()
	store := NewMemoryStore()
	catalog := NewRuleCatalog(store, NewConditionEvaluator(db.DefaultFieldSchema()))
	svc := NewAssignmentService(store, catalog, NewKeyedMutex())
	svc.Clock = fixedClock(testNow)
	return store, svc
}

func putLead(store *MemoryStore, id string, fields map[string]db.Value) {
	store.PutSnapshot(db.EntitySnapshot{
		ID:         id,
		EntityType: db.EntityTypeLead,
		OrgID:      "org-1",
		Status:     "new",
		Fields:     fields,
		CreatedAt:  testNow.Add(-time.Hour),
	})
}

func roundRobinRule(id string, pool ...string) db.AssignmentRule {
	return db.AssignmentRule{
		ID:               id,
		Name:             "Sales round robin",
		OrgID:            "org-1",
		EntityType:       db.EntityTypeLead,
		Priority:         10,
		DistributionType: db.DistributionRoundRobinRole,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeUser, TargetRole: "sales_rep", Pool: pool},
		IsActive:         true,
		CreatedAt:        testNow.Add(-24 * time.Hour),
	}
}

func route(t *testing.T, svc *AssignmentService, entityID string) db.RouteResult {
	t.Helper()
	result, err := svc.RouteEntity(context.Background(), db.RouteRequest{EntityID: entityID, EntityType: db.EntityTypeLead})
	require.NoError(t, err)
	return result
}

func TestAssignmentService_RoundRobinContinuesFromCursor(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	rule := roundRobinRule("rule-rr", "U1", "U2", "U3")
	rule.LastAssignedUser = "U2"
	store.PutAssignmentRule(rule)
	putLead(store, "lead-1", nil)
	putLead(store, "lead-2", nil)

	result := route(t, svc, "lead-1")
	assert.Equal(t, db.RouteOutcomeAssigned, result.Outcome)
	assert.Equal(t, "U3", result.Assignee)
	assert.Equal(t, "rule-rr", result.RuleID)

	stored, _ := store.AssignmentRuleByID("rule-rr")
	assert.Equal(t, "U3", stored.LastAssignedUser)

	result = route(t, svc, "lead-2")
	assert.Equal(t, "U1", result.Assignee)

	snap, err := store.GetSnapshot(context.Background(), "lead-2")
	require.NoError(t, err)
	assert.Equal(t, "U1", snap.OwnerID)

	history := store.Assignments()
	require.Len(t, history, 2)
	assert.Equal(t, db.AssignmentKindAuto, history[0].Kind)
	assert.Equal(t, testNow, history[0].AssignedAt)
}

func TestAssignmentService_RoundRobinFairness(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(roundRobinRule("rule-rr", "U3", "U1", "U2"))

	const m = 11
	var picks []string
	for i := 0; i < m; i++ {
		id := fmt.Sprintf("lead-%02d", i)
		putLead(store, id, nil)
		picks = append(picks, route(t, svc, id).Assignee)
	}

	counts := map[string]int{}
	for _, p := range picks {
		counts[p]++
	}
	for _, user := range []string{"U1", "U2", "U3"} {
		assert.GreaterOrEqual(t, counts[user], m/3, user)
		assert.LessOrEqual(t, counts[user], m/3+1, user)
	}

	// no candidate repeats before every other candidate had a turn
	for i := 0; i+3 <= len(picks); i++ {
		window := map[string]bool{picks[i]: true, picks[i+1]: true, picks[i+2]: true}
		assert.Len(t, window, 3, "window starting at %d: %v", i, picks[i:i+3])
	}
}

func TestAssignmentService_ConcurrentAssignmentsStayFair(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(roundRobinRule("rule-rr", "U1", "U2", "U3"))
	store.CASFailures = 5

	const m = 30
	for i := 0; i < m; i++ {
		putLead(store, fmt.Sprintf("lead-%02d", i), nil)
	}

	var wg sync.WaitGroup
	results := make([]string, m)
	errs := make([]error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.RouteEntity(context.Background(), db.RouteRequest{EntityID: fmt.Sprintf("lead-%02d", i), EntityType: db.EntityTypeLead})
			results[i] = res.Assignee
			errs[i] = err
		}(i)
	}
	wg.Wait()

	counts := map[string]int{}
	for i := range results {
		require.NoError(t, errs[i])
		counts[results[i]]++
	}
	assert.Equal(t, map[string]int{"U1": 10, "U2": 10, "U3": 10}, counts)
	assert.Equal(t, 0, store.CASFailures)
}

func TestAssignmentService_CursorConflictExhausted(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(roundRobinRule("rule-rr", "U1", "U2"))
	store.CASFailures = maxCursorAttempts
	putLead(store, "lead-1", nil)

	_, err := svc.RouteEntity(context.Background(), db.RouteRequest{EntityID: "lead-1", EntityType: db.EntityTypeLead})
	assert.True(t, errors.Is(err, ErrCursorConflict))
}

func TestAssignmentService_PriorityOrder(t *testing.T) {
	store, svc := newAssignmentFixture(t)

	low := roundRobinRule("rule-low", "U1")
	low.Priority = 1
	store.PutAssignmentRule(low)

	newer := db.AssignmentRule{
		ID: "rule-newer", OrgID: "org-1", EntityType: db.EntityTypeLead, Priority: 5,
		DistributionType: db.DistributionSpecificUser,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeUser, Value: "U-newer"},
		IsActive:         true, CreatedAt: testNow.Add(-time.Hour),
	}
	older := newer
	older.ID = "rule-older"
	older.AssignTo.Value = "U-older"
	older.CreatedAt = testNow.Add(-48 * time.Hour)
	store.PutAssignmentRule(newer)
	store.PutAssignmentRule(older)

	putLead(store, "lead-1", nil)
	result := route(t, svc, "lead-1")
	assert.Equal(t, "U-older", result.Assignee, "equal priority falls back to creation order")
	assert.Equal(t, "rule-older", result.RuleID)
}

func TestAssignmentService_CriteriaAndInactiveRules(t *testing.T) {
	store, svc := newAssignmentFixture(t)

	webOnly := db.AssignmentRule{
		ID: "rule-web", OrgID: "org-1", EntityType: db.EntityTypeLead, Priority: 20,
		DistributionType: db.DistributionSpecificUser,
		Criteria: db.ConditionSet{Logic: db.LogicAnd, Conditions: []db.Condition{
			{Field: "source", Operator: db.OperatorEquals, Value: "web"},
		}},
		AssignTo: db.AssignTarget{Value: "U-web"},
		IsActive: true,
	}
	inactive := webOnly
	inactive.ID = "rule-inactive"
	inactive.Priority = 99
	inactive.AssignTo.Value = "U-inactive"
	inactive.IsActive = false
	store.PutAssignmentRule(webOnly)
	store.PutAssignmentRule(inactive)

	putLead(store, "lead-web", map[string]db.Value{"source": db.StringValue("web")})
	putLead(store, "lead-ads", map[string]db.Value{"source": db.StringValue("ads")})

	assert.Equal(t, "U-web", route(t, svc, "lead-web").Assignee)

	result := route(t, svc, "lead-ads")
	assert.Equal(t, db.RouteOutcomeUnassigned, result.Outcome)
	assert.Empty(t, result.RuleID)
}

func TestAssignmentService_TopPerformer(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-top", OrgID: "org-1", EntityType: db.EntityTypeLead, Priority: 1,
		DistributionType: db.DistributionTopPerformer,
		AssignTo:         db.AssignTarget{TargetRole: "closer"},
		IsActive:         true,
	})
	store.PutUser(User{ID: "U-a", OrgID: "org-1", Role: "closer", Performance: 90})
	store.PutUser(User{ID: "U-b", OrgID: "org-1", Role: "closer", Performance: 90})
	store.PutUser(User{ID: "U-c", OrgID: "org-1", Role: "closer", Performance: 40})
	store.PutUser(User{ID: "U-d", OrgID: "org-1", Role: "setter", Performance: 99})

	// U-a carries more open work than U-b
	store.PutSnapshot(db.EntitySnapshot{ID: "open-1", EntityType: db.EntityTypeLead, OrgID: "org-1", OwnerID: "U-a", Status: "contacted"})
	store.PutSnapshot(db.EntitySnapshot{ID: "done-1", EntityType: db.EntityTypeLead, OrgID: "org-1", OwnerID: "U-b", Status: "converted"})

	putLead(store, "lead-1", nil)
	assert.Equal(t, "U-b", route(t, svc, "lead-1").Assignee)
}

func TestAssignmentService_TopPerformerTieBreaksOnID(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-top", OrgID: "org-1", EntityType: db.EntityTypeLead,
		DistributionType: db.DistributionTopPerformer,
		AssignTo:         db.AssignTarget{Pool: []string{"U-z", "U-m"}},
		IsActive:         true,
	})
	store.PutUser(User{ID: "U-z", OrgID: "org-1", Performance: 70})
	store.PutUser(User{ID: "U-m", OrgID: "org-1", Performance: 70})

	putLead(store, "lead-1", nil)
	assert.Equal(t, "U-m", route(t, svc, "lead-1").Assignee)
}

func TestAssignmentService_QueueTarget(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-queue", OrgID: "org-1", EntityType: db.EntityTypeLead,
		DistributionType: db.DistributionRoundRobinRole,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeQueue, Value: "inbound"},
		IsActive:         true,
	})
	putLead(store, "lead-1", nil)

	result := route(t, svc, "lead-1")
	assert.Equal(t, db.RouteOutcomeQueued, result.Outcome)
	assert.Equal(t, "inbound", result.Queue)

	snap, err := store.GetSnapshot(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "inbound", snap.QueueName)
	assert.Empty(t, snap.OwnerID)
}

func TestAssignmentService_AlreadyAssigned(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(roundRobinRule("rule-rr", "U1", "U2"))
	store.PutSnapshot(db.EntitySnapshot{ID: "lead-1", EntityType: db.EntityTypeLead, OrgID: "org-1", OwnerID: "U9", Status: "new"})

	result := route(t, svc, "lead-1")
	assert.Equal(t, db.RouteOutcomeUnchanged, result.Outcome)
	assert.Equal(t, "U9", result.Assignee)
	assert.Empty(t, store.Assignments())

	forced, err := svc.RouteEntity(context.Background(), db.RouteRequest{EntityID: "lead-1", EntityType: db.EntityTypeLead, Force: true})
	require.NoError(t, err)
	assert.Equal(t, db.RouteOutcomeAssigned, forced.Outcome)
	assert.Equal(t, "U1", forced.Assignee)
}

func TestAssignmentService_NoEligibleAssignee(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	rule := roundRobinRule("rule-rr")
	rule.AssignTo.TargetRole = "nobody"
	store.PutAssignmentRule(rule)
	putLead(store, "lead-1", nil)

	result, err := svc.RouteEntity(context.Background(), db.RouteRequest{EntityID: "lead-1", EntityType: db.EntityTypeLead})
	assert.True(t, errors.Is(err, ErrNoEligibleAssignee))
	assert.Equal(t, db.RouteOutcomeUnassigned, result.Outcome)
	assert.Equal(t, "rule-rr", result.RuleID)

	snap, _ := store.GetSnapshot(context.Background(), "lead-1")
	assert.Empty(t, snap.OwnerID)
}

func TestAssignmentService_ArmsRotation(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	rule := roundRobinRule("rule-rr", "U1", "U2")
	rule.Rotation = db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}
	store.PutAssignmentRule(rule)
	putLead(store, "lead-1", nil)

	result := route(t, svc, "lead-1")
	require.NotNil(t, result.Deadline)
	assert.Equal(t, testNow.Add(30*time.Minute), *result.Deadline)

	state, err := store.GetRotationState(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "U1", state.AssignedUser)
	assert.Equal(t, "new", state.TriggerStatus)
	assert.Equal(t, "rule-rr", state.RuleID)
}

func TestAssignmentService_DirectSubordinates(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-team", OrgID: "org-1", EntityType: db.EntityTypeLead,
		DistributionType:  db.DistributionRoundRobinHierarchy,
		DistributionScope: db.ScopeDirectSubordinates,
		AssignTo:          db.AssignTarget{TargetManager: "M1"},
		IsActive:          true,
	})
	store.PutUser(User{ID: "M1", OrgID: "org-1"})
	store.PutUser(User{ID: "R1", OrgID: "org-1", Manager: "M1"})
	store.PutUser(User{ID: "R2", OrgID: "org-1", Manager: "M1"})
	store.PutUser(User{ID: "R3", OrgID: "org-1", Manager: "R1"})
	store.PutUser(User{ID: "X1", OrgID: "org-1"})

	store.PutSnapshot(db.EntitySnapshot{ID: "lead-team", EntityType: db.EntityTypeLead, OrgID: "org-1", Status: "new", CreatedBy: "R3"})
	store.PutSnapshot(db.EntitySnapshot{ID: "lead-outside", EntityType: db.EntityTypeLead, OrgID: "org-1", Status: "new", CreatedBy: "X1"})

	first := route(t, svc, "lead-team")
	assert.Equal(t, "R1", first.Assignee, "only direct reports of M1 are candidates")

	outside := route(t, svc, "lead-outside")
	assert.Equal(t, db.RouteOutcomeUnassigned, outside.Outcome, "requester outside the hierarchy does not match")
}

func TestAssignmentService_DirectSubordinatesExplicitPool(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-team", OrgID: "org-1", EntityType: db.EntityTypeLead,
		DistributionType:  db.DistributionRoundRobinHierarchy,
		DistributionScope: db.ScopeDirectSubordinates,
		AssignTo:          db.AssignTarget{TargetManager: "M1", Pool: []string{"R1", "R2", "R3", "X1", "ghost"}},
		IsActive:          true,
	})
	store.PutUser(User{ID: "M1", OrgID: "org-1"})
	store.PutUser(User{ID: "R1", OrgID: "org-1", Manager: "M1"})
	store.PutUser(User{ID: "R2", OrgID: "org-1", Manager: "M1"})
	store.PutUser(User{ID: "R3", OrgID: "org-1", Manager: "R1"})
	store.PutUser(User{ID: "X1", OrgID: "org-1"})

	var got []string
	for _, id := range []string{"lead-a", "lead-b", "lead-c"} {
		store.PutSnapshot(db.EntitySnapshot{ID: id, EntityType: db.EntityTypeLead, OrgID: "org-1", Status: "new", CreatedBy: "R3"})
		got = append(got, route(t, svc, id).Assignee)
	}
	assert.Equal(t, []string{"R1", "R2", "R1"}, got, "indirect reports in the pool are skipped")
}

func TestAssignmentService_HierarchyPoolIncludesIndirectReports(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	store.PutAssignmentRule(db.AssignmentRule{
		ID: "rule-org", OrgID: "org-1", EntityType: db.EntityTypeLead,
		DistributionType: db.DistributionRoundRobinHierarchy,
		AssignTo:         db.AssignTarget{TargetManager: "M1", Pool: []string{"R3", "X1"}},
		IsActive:         true,
	})
	store.PutUser(User{ID: "M1", OrgID: "org-1"})
	store.PutUser(User{ID: "R1", OrgID: "org-1", Manager: "M1"})
	store.PutUser(User{ID: "R3", OrgID: "org-1", Manager: "R1"})
	store.PutUser(User{ID: "X1", OrgID: "org-1"})
	putLead(store, "lead-1", nil)
	putLead(store, "lead-2", nil)

	assert.Equal(t, "R3", route(t, svc, "lead-1").Assignee)
	assert.Equal(t, "R3", route(t, svc, "lead-2").Assignee)
}

func TestAssignmentService_InvalidRuleSkipped(t *testing.T) {
	store, svc := newAssignmentFixture(t)
	broken := roundRobinRule("rule-broken", "U1")
	broken.Priority = 50
	broken.Criteria = db.ConditionSet{Conditions: []db.Condition{{Field: "score", Operator: "roughly", Value: 1}}}
	store.PutAssignmentRule(broken)
	store.PutAssignmentRule(roundRobinRule("rule-ok", "U2"))
	putLead(store, "lead-1", nil)

	result := route(t, svc, "lead-1")
	assert.Equal(t, "rule-ok", result.RuleID)
	assert.Equal(t, "U2", result.Assignee)
}
