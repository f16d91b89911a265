package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []db.Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n db.Notification) {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
}

func (d *recordingDispatcher) Sent() []db.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]db.Notification(nil), d.sent...)
}

type rotationFixture struct {
	store      *MemoryStore
	assignment *AssignmentService
	rotation   *RotationService
	dispatcher *recordingDispatcher
}

func newRotationFixture(t *testing.T, policy db.RotationPolicy, pool ...string) *rotationFixture {
	t.Helper()
	store, assignment := newAssignmentFixture(t)
	dispatcher := &recordingDispatcher{}
	rotation := NewRotationService(store, assignment.Catalog, assignment, assignment.Locks, dispatcher)

	rule := roundRobinRule("rule-rot", pool...)
	rule.Rotation = policy
	store.PutAssignmentRule(rule)
	putLead(store, "lead-1", nil)

	return &rotationFixture{store: store, assignment: assignment, rotation: rotation, dispatcher: dispatcher}
}

func (f *rotationFixture) routeLead(t *testing.T) db.RouteResult {
	t.Helper()
	return route(t, f.assignment, "lead-1")
}

func TestRotationService_SelectiveReassignsOnce(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2", "U3")
	ctx := context.Background()

	assigned := f.routeLead(t)
	require.Equal(t, "U1", assigned.Assignee)

	// not yet due
	events, err := f.rotation.Sweep(ctx, testNow.Add(29*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)

	sweepAt := testNow.Add(31 * time.Minute)
	events, err = f.rotation.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "lead-1", ev.EntityID)
	assert.Equal(t, "U1", ev.PreviousUser)
	assert.Equal(t, "U2", ev.NewUser)
	assert.Equal(t, db.RotationSelective, ev.RotationType)
	require.NotNil(t, ev.NextDeadline)
	assert.Equal(t, sweepAt.Add(30*time.Minute), *ev.NextDeadline)

	snap, err := f.store.GetSnapshot(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "U2", snap.OwnerID)

	state, err := f.store.GetRotationState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "U2", state.AssignedUser)
	assert.Equal(t, sweepAt, state.AssignedAt)

	// the same instant does not fire twice
	events, err = f.rotation.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, events)

	sent := f.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, db.NotificationReassigned, sent[0].Type)
	assert.Equal(t, "U2", sent[0].UserID)

	history := f.store.Assignments()
	require.Len(t, history, 2)
	assert.Equal(t, db.AssignmentKindRotation, history[1].Kind)
	assert.Equal(t, "U2", history[1].UserID)
}

func TestRotationService_StatusChangeCancelsRotation(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2", "U3")
	ctx := context.Background()
	f.routeLead(t)

	snap, err := f.store.GetSnapshot(ctx, "lead-1")
	require.NoError(t, err)
	snap.Status = "contacted"
	f.store.PutSnapshot(*snap)

	events, err := f.rotation.Sweep(ctx, testNow.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.store.GetRotationState(ctx, "lead-1")
	assert.True(t, errors.Is(err, ErrNotFound), "obsolete rotation state is discarded")

	snap, _ = f.store.GetSnapshot(ctx, "lead-1")
	assert.Equal(t, "U1", snap.OwnerID)
	assert.Empty(t, f.dispatcher.Sent())
}

func TestRotationService_StatusChangeAfterReassignment(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2")
	ctx := context.Background()
	f.routeLead(t)

	first := testNow.Add(31 * time.Minute)
	events, err := f.rotation.Sweep(ctx, first)
	require.NoError(t, err)
	require.Len(t, events, 1)

	snap, _ := f.store.GetSnapshot(ctx, "lead-1")
	snap.Status = "contacted"
	snap.UpdatedAt = first.Add(time.Second)
	f.store.PutSnapshot(*snap)
	require.NoError(t, f.rotation.HandleEntityChange(ctx, snap))

	events, err = f.rotation.Sweep(ctx, first.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRotationService_RandomExcludesCurrentOwner(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 15, RotationType: db.RotationRandom}, "U1", "U2", "U3")
	f.rotation.SetRandSource(rand.NewPCG(7, 11))
	ctx := context.Background()
	f.routeLead(t)

	events, err := f.rotation.Sweep(ctx, testNow.Add(16*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEqual(t, "U1", events[0].NewUser)
	assert.Contains(t, []string{"U2", "U3"}, events[0].NewUser)
}

func TestRotationService_RandomUsesRotationPool(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{
		Enabled: true, TimeLimitMinutes: 15, RotationType: db.RotationRandom,
		RotationPool: []string{"U1", "B1"},
	}, "U1", "U2")
	ctx := context.Background()
	f.routeLead(t)

	events, err := f.rotation.Sweep(ctx, testNow.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "B1", events[0].NewUser, "deadline is inclusive and the pool excludes the current owner")
}

func TestRotationService_ManagerEscalation(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 60, RotationType: db.RotationManager}, "U1")
	f.store.PutUser(User{ID: "U1", OrgID: "org-1", Manager: "M1"})
	f.store.PutUser(User{ID: "M1", OrgID: "org-1"})
	ctx := context.Background()
	f.routeLead(t)

	events, err := f.rotation.Sweep(ctx, testNow.Add(61*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "M1", events[0].NewUser)
	assert.Nil(t, events[0].NextDeadline)

	_, err = f.store.GetRotationState(ctx, "lead-1")
	assert.True(t, errors.Is(err, ErrNotFound), "escalation ends the rotation")
}

func TestRotationService_NoReplacementRearms(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 60, RotationType: db.RotationManager}, "U1")
	f.store.PutUser(User{ID: "U1", OrgID: "org-1"})
	ctx := context.Background()
	f.routeLead(t)

	sweepAt := testNow.Add(2 * time.Hour)
	events, err := f.rotation.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, events)

	state, err := f.store.GetRotationState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "U1", state.AssignedUser)
	assert.Equal(t, sweepAt.Add(time.Hour), state.Deadline)
}

func TestRotationService_DeactivatedRuleDiscards(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2")
	ctx := context.Background()
	f.routeLead(t)

	rule, _ := f.store.AssignmentRuleByID("rule-rot")
	rule.IsActive = false
	rule.UpdatedAt = testNow.Add(time.Minute)
	f.store.PutAssignmentRule(rule)

	events, err := f.rotation.Sweep(ctx, testNow.Add(45*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.store.GetRotationState(ctx, "lead-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRotationService_OverlappingSweepIsSkipped(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2")
	ctx := context.Background()
	f.routeLead(t)

	f.rotation.sweeping.Store(true)
	_, err := f.rotation.Sweep(ctx, testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrSweepInProgress))
	f.rotation.sweeping.Store(false)

	lease := &LocalLease{}
	f.rotation.Lease = lease
	release, ok, err := lease.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.rotation.Sweep(ctx, testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrSweepInProgress), "another process holds the lease")

	release()
	events, err := f.rotation.Sweep(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRotationService_BatchSize(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2", "U3")
	putLead(f.store, "lead-2", nil)
	putLead(f.store, "lead-3", nil)
	ctx := context.Background()
	for _, id := range []string{"lead-1", "lead-2", "lead-3"} {
		route(t, f.assignment, id)
	}
	f.rotation.BatchSize = 2

	events, err := f.rotation.Sweep(ctx, testNow.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = f.rotation.Sweep(ctx, testNow.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 1, "the remainder is picked up by the next sweep")
}

type failingOwnerStore struct {
	*MemoryStore
	failFor string
}

func (s *failingOwnerStore) SetOwner(ctx context.Context, entityID, userID, queue string) error {
	if entityID == s.failFor {
		return errors.New("write rejected")
	}
	return s.MemoryStore.SetOwner(ctx, entityID, userID, queue)
}

func TestRotationService_FailingEntityDoesNotBlockOthers(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2")
	ctx := context.Background()
	putLead(f.store, "lead-a", nil)
	putLead(f.store, "lead-b", nil)
	route(t, f.assignment, "lead-a")
	f.assignment.Clock = fixedClock(testNow.Add(time.Minute))
	route(t, f.assignment, "lead-b")

	rotation := NewRotationService(&failingOwnerStore{MemoryStore: f.store, failFor: "lead-a"},
		f.assignment.Catalog, f.assignment, f.assignment.Locks, f.dispatcher)
	rotation.BatchSize = 1
	rotation.RetryBackoff = 10 * time.Minute

	sweepAt := testNow.Add(40 * time.Minute)
	events, err := rotation.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, events)

	state, err := f.store.GetRotationState(ctx, "lead-a")
	require.NoError(t, err)
	assert.Equal(t, sweepAt.Add(10*time.Minute), state.Deadline, "failed rotation is postponed")

	events, err = rotation.Sweep(ctx, sweepAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "lead-b", events[0].EntityID)
}

func TestRotationService_PostponeSkipsRearmedState(t *testing.T) {
	f := newRotationFixture(t, db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective}, "U1", "U2")
	ctx := context.Background()
	f.routeLead(t)

	state, err := f.store.GetRotationState(ctx, "lead-1")
	require.NoError(t, err)
	stale := *state
	state.Deadline = testNow.Add(2 * time.Hour)
	require.NoError(t, f.store.SaveRotationState(ctx, *state))

	f.rotation.postpone(ctx, stale, testNow.Add(31*time.Minute))

	current, err := f.store.GetRotationState(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(2*time.Hour), current.Deadline)
}
