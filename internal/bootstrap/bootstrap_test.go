package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() config.Config {
	return config.Config{
		Store:         config.StoreMemory,
		Rotation:      config.RotationConfig{SweepInterval: time.Minute, SweepBatchSize: 10, LeaseTTL: time.Minute},
		Workflow:      config.WorkflowConfig{DedupeTTL: time.Hour},
		Locks:         config.LocksConfig{TTL: time.Second, Wait: time.Second},
		Notifications: config.NotificationsConfig{QueueSize: 16},
	}
}

func TestRuntime_CloseFlushesSweepNotifications(t *testing.T) {
	rt, err := New(memoryConfig())
	require.NoError(t, err)
	store := rt.Store.(*services.MemoryStore)
	ctx := context.Background()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	rt.Automation.SetClock(func() time.Time { return start })

	store.PutAssignmentRule(db.AssignmentRule{
		ID:               "rule-rr",
		Name:             "Round robin",
		OrgID:            "org-1",
		EntityType:       db.EntityTypeLead,
		Priority:         1,
		DistributionType: db.DistributionRoundRobinRole,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeUser, Pool: []string{"U1", "U2"}},
		Rotation:         db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective},
		IsActive:         true,
		CreatedAt:        start.Add(-time.Hour),
	})
	store.PutSnapshot(db.EntitySnapshot{ID: "lead-1", EntityType: db.EntityTypeLead, OrgID: "org-1", Status: "new", CreatedAt: start})
	_, err = rt.Automation.RouteEntity(ctx, db.RouteRequest{EntityID: "lead-1", EntityType: db.EntityTypeLead})
	require.NoError(t, err)

	rt.StartNotifications()
	events, err := rt.Automation.SweepRotations(ctx, start.Add(31*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)

	rt.Close()

	notes := store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, db.NotificationReassigned, notes[0].Type)
	assert.Equal(t, "U2", notes[0].UserID)
	assert.Equal(t, 0, rt.Notifications.Pending())
}

func TestRuntime_StopNotificationsIsIdempotent(t *testing.T) {
	rt, err := New(memoryConfig())
	require.NoError(t, err)

	rt.StopNotifications()
	rt.StartNotifications()
	rt.StartNotifications()
	rt.Notifications.Dispatch(context.Background(), db.Notification{ID: "n-1", Type: db.NotificationUser})
	rt.StopNotifications()
	rt.Close()

	assert.Len(t, rt.Store.(*services.MemoryStore).Notifications(), 1)
}
