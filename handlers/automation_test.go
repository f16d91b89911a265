package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handlerNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func newAutomationTestRouter(t *testing.T) (*gin.Engine, *services.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := services.NewMemoryStore()
	automation := services.NewAutomationService(store, services.AutomationOptions{DedupeTTL: time.Hour})
	automation.SetClock(func() time.Time { return handlerNow })

	store.PutAssignmentRule(db.AssignmentRule{
		ID:               "rule-rr",
		Name:             "Round robin",
		OrgID:            "org-1",
		EntityType:       db.EntityTypeLead,
		Priority:         1,
		Criteria:         db.ConditionSet{Conditions: []db.Condition{{Field: "source", Operator: db.OperatorEquals, Value: "web"}}},
		DistributionType: db.DistributionRoundRobinRole,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeUser, TargetRole: "sales_rep", Pool: []string{"U1", "U2"}},
		Rotation:         db.RotationPolicy{Enabled: true, TimeLimitMinutes: 30, RotationType: db.RotationSelective},
		IsActive:         true,
		CreatedAt:        handlerNow.Add(-time.Hour),
	})
	store.PutAssignmentRule(db.AssignmentRule{
		ID:               "rule-empty",
		Name:             "Partners",
		OrgID:            "org-1",
		EntityType:       db.EntityTypeLead,
		Priority:         2,
		Criteria:         db.ConditionSet{Conditions: []db.Condition{{Field: "source", Operator: db.OperatorEquals, Value: "partner"}}},
		DistributionType: db.DistributionRoundRobinRole,
		AssignTo:         db.AssignTarget{Type: db.TargetTypeUser, TargetRole: "partner_manager"},
		IsActive:         true,
		CreatedAt:        handlerNow.Add(-time.Hour),
	})
	store.PutSegment(db.LeadSegment{
		ID: "seg-web", Name: "Web", OrgID: "org-1", EntityType: db.EntityTypeLead,
		Type: db.SegmentDynamic, IsActive: true,
		Criteria: db.ConditionSet{Conditions: []db.Condition{{Field: "source", Operator: db.OperatorEquals, Value: "web"}}},
	})
	store.PutSegment(db.LeadSegment{
		ID: "seg-vip", Name: "VIP", OrgID: "org-1", EntityType: db.EntityTypeLead,
		Type: db.SegmentStatic, IsActive: true,
	})
	for id, source := range map[string]string{"lead-1": "web", "lead-2": "partner", "lead-3": "web"} {
		store.PutSnapshot(db.EntitySnapshot{
			ID: id, EntityType: db.EntityTypeLead, OrgID: "org-1", Status: "new",
			Fields:    map[string]db.Value{"source": db.StringValue(source)},
			CreatedAt: handlerNow.Add(-time.Minute),
		})
	}

	handler := NewAutomationHandler(automation)
	r := gin.New()
	api := r.Group("/api/v1")
	api.POST("/route", handler.RouteEntity)
	api.POST("/events", handler.NotifyEntityEvent)
	api.POST("/segments/:id/recompute", handler.RecomputeSegment)
	api.POST("/segments/:id/updated", handler.SegmentUpdated)
	api.POST("/segments/:id/members", handler.AddSegmentMembers)
	api.DELETE("/segments/:id/members", handler.RemoveSegmentMembers)
	api.POST("/rotations/sweep", handler.SweepRotations)
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_RouteEntity(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	t.Run("Assigned", func(t *testing.T) {
		w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_id": "lead-1", "entity_type": db.EntityTypeLead}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var result db.RouteResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, db.RouteOutcomeAssigned, result.Outcome)
		assert.Equal(t, "U1", result.Assignee)
		assert.Equal(t, "rule-rr", result.RuleID)
		require.NotNil(t, result.Deadline)
		assert.True(t, result.Deadline.Equal(handlerNow.Add(30*time.Minute)))
	})

	t.Run("AlreadyAssigned", func(t *testing.T) {
		w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_id": "lead-1", "entity_type": db.EntityTypeLead}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), db.RouteOutcomeUnchanged)
	})

	t.Run("NoEligibleAssignee", func(t *testing.T) {
		w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_id": "lead-2", "entity_type": db.EntityTypeLead}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "rule-empty")
	})

	t.Run("UnknownEntity", func(t *testing.T) {
		w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_id": "ghost", "entity_type": db.EntityTypeLead}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("MissingFields", func(t *testing.T) {
		w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_type": db.EntityTypeLead}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAutomationHandler_NotifyEntityEvent(t *testing.T) {
	r, store := newAutomationTestRouter(t)

	w := doJSON(r, "POST", "/api/v1/events", gin.H{
		"entity_id":   "lead-3",
		"entity_type": db.EntityTypeLead,
		"event_type":  db.EventCreate,
	}, map[string]string{"Idempotency-Key": "evt-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "processed")

	snap, err := store.GetSnapshot(t.Context(), "lead-3")
	require.NoError(t, err)
	assert.Equal(t, "U1", snap.OwnerID)

	members, err := store.GetSegmentMembers(t.Context(), "seg-web")
	require.NoError(t, err)
	assert.Contains(t, members, "lead-3")

	w = doJSON(r, "POST", "/api/v1/events", gin.H{
		"entity_id":   "lead-3",
		"entity_type": db.EntityTypeLead,
		"event_type":  "merged",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/api/v1/events", gin.H{
		"entity_id":   "lead-3",
		"entity_type": db.EntityTypeLead,
		"event_type":  db.EventFieldChange,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "field_change without a field")
}

func TestAutomationHandler_Segments(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	w := doJSON(r, "POST", "/api/v1/segments/seg-web/recompute?mode=full", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats db.SegmentStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "seg-web", stats.SegmentID)
	assert.Equal(t, 2, stats.LeadCount)
	assert.True(t, stats.LastCalculated.Equal(handlerNow))

	w = doJSON(r, "POST", "/api/v1/segments/seg-web/recompute?mode=sometimes", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/api/v1/segments/seg-missing/recompute", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, "POST", "/api/v1/segments/seg-web/updated", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/api/v1/segments/seg-vip/members", gin.H{"entity_ids": []string{"lead-1", "lead-2"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.LeadCount)

	w = doJSON(r, "DELETE", "/api/v1/segments/seg-vip/members", gin.H{"entity_ids": []string{"lead-2"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.LeadCount)

	w = doJSON(r, "POST", "/api/v1/segments/seg-web/members", gin.H{"entity_ids": []string{"lead-2"}}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAutomationHandler_SweepRotations(t *testing.T) {
	r, store := newAutomationTestRouter(t)

	w := doJSON(r, "POST", "/api/v1/route", gin.H{"entity_id": "lead-1", "entity_type": db.EntityTypeLead}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/api/v1/rotations/sweep?now=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/api/v1/rotations/sweep?now="+handlerNow.Add(10*time.Minute).Format(time.RFC3339), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
	assert.Contains(t, w.Body.String(), `"reassignments":[]`)

	w = doJSON(r, "POST", "/api/v1/rotations/sweep?now="+handlerNow.Add(31*time.Minute).Format(time.RFC3339), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Reassignments []db.ReassignmentEvent `json:"reassignments"`
		Total         int                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "lead-1", body.Reassignments[0].EntityID)
	assert.Equal(t, "U2", body.Reassignments[0].NewUser)

	snap, err := store.GetSnapshot(t.Context(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "U2", snap.OwnerID)
}
