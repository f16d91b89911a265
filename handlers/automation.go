package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
	"github.com/gin-gonic/gin"
)

type AutomationHandler struct {
	Automation *services.AutomationService
}

func NewAutomationHandler(automation *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{
		Automation: automation,
	}
}

type segmentMembersRequest struct {
	EntityIDs []string `json:"entity_ids" binding:"required"`
}

// RouteEntity assigns an entity under the first matching assignment rule
func (h *AutomationHandler) RouteEntity(c *gin.Context) {
	var req db.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.Automation.RouteEntity(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrNoEligibleAssignee) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// NotifyEntityEvent feeds one entity change into segments, rotation and workflows
func (h *AutomationHandler) NotifyEntityEvent(c *gin.Context) {
	var ev db.EntityEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && ev.IdempotencyKey == "" {
		ev.IdempotencyKey = key
	}

	if err := h.Automation.NotifyEntityEvent(c.Request.Context(), ev); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "entity_id": ev.EntityID})
}

// RecomputeSegment rebuilds a segment's cached membership
func (h *AutomationHandler) RecomputeSegment(c *gin.Context) {
	mode := db.RecomputeMode(c.DefaultQuery("mode", string(db.RecomputeIncremental)))
	if mode != db.RecomputeIncremental && mode != db.RecomputeFull {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be incremental or full"})
		return
	}

	stats, err := h.Automation.RecomputeSegment(c.Request.Context(), c.Param("id"), mode)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// SegmentUpdated is called after segment criteria were edited
func (h *AutomationHandler) SegmentUpdated(c *gin.Context) {
	stats, err := h.Automation.Segments.SegmentUpdated(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// AddSegmentMembers adds entities to a static segment
func (h *AutomationHandler) AddSegmentMembers(c *gin.Context) {
	var req segmentMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.Automation.AddSegmentMembers(c.Request.Context(), c.Param("id"), req.EntityIDs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// RemoveSegmentMembers removes entities from a static segment
func (h *AutomationHandler) RemoveSegmentMembers(c *gin.Context) {
	var req segmentMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.Automation.RemoveSegmentMembers(c.Request.Context(), c.Param("id"), req.EntityIDs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// SweepRotations runs a rotation sweep immediately
func (h *AutomationHandler) SweepRotations(c *gin.Context) {
	now := time.Now().UTC()
	if raw := c.Query("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "now must be RFC3339"})
			return
		}
		now = parsed
	}

	events, err := h.Automation.SweepRotations(c.Request.Context(), now)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []db.ReassignmentEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"reassignments": events,
		"total":         len(events),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrSweepInProgress), errors.Is(err, services.ErrSegmentNotStatic):
		return http.StatusConflict
	case errors.Is(err, services.ErrNoEligibleAssignee), services.IsInvalidRule(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
