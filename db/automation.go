package db

import "time"

// ===========================
// ENTITY MODELS
// ===========================

const (
	EntityTypeLead        = "lead"
	EntityTypeOpportunity = "opportunity"
	EntityTypeContact     = "contact"
)

// Terminal statuses do not count towards a user's open workload.
var TerminalStatuses = []string{"converted", "lost", "closed_won", "closed_lost"}

// EntitySnapshot is a point-in-time view of a lead, opportunity or contact.
// The engine reads snapshots and never mutates them.
type EntitySnapshot struct {
	ID         string           `json:"id"`
	EntityType string           `json:"entity_type"`
	OrgID      string           `json:"org_id"`
	OwnerID    string           `json:"owner_id,omitempty"`
	QueueName  string           `json:"queue_name,omitempty"`
	Status     string           `json:"status"`
	Fields     map[string]Value `json:"fields"`
	CreatedBy  string           `json:"created_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Field resolves a field by name. Built-in attributes take precedence over
// custom fields. The second result is false when the field is absent.
func (s *EntitySnapshot) Field(name string) (Value, bool) {
	if s == nil {
		return Null(), false
	}
	switch name {
	case "id":
		return StringValue(s.ID), true
	case "status":
		if s.Status == "" {
			break
		}
		return StringValue(s.Status), true
	case "owner", "owner_id", "assigned_to":
		if s.OwnerID == "" {
			return Null(), false
		}
		return StringValue(s.OwnerID), true
	case "org_id":
		return StringValue(s.OrgID), true
	case "created_by":
		if s.CreatedBy == "" {
			return Null(), false
		}
		return StringValue(s.CreatedBy), true
	case "created_at":
		if s.CreatedAt.IsZero() {
			return Null(), false
		}
		return TimeValue(s.CreatedAt), true
	case "updated_at":
		if s.UpdatedAt.IsZero() {
			return Null(), false
		}
		return TimeValue(s.UpdatedAt), true
	}
	v, ok := s.Fields[name]
	return v, ok
}

// IsAssigned reports whether the entity has a user or queue owner.
func (s *EntitySnapshot) IsAssigned() bool {
	return s.OwnerID != "" || s.QueueName != ""
}

// FieldType is the declared type of an entity field, used to coerce condition values.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeDate   FieldType = "date"
	FieldTypeList   FieldType = "list"
)

type FieldSpec struct {
	Type            FieldType `json:"type" mapstructure:"type"`
	CaseInsensitive bool      `json:"case_insensitive" mapstructure:"case_insensitive"`
}

// FieldSchema declares known fields. Undeclared fields are typed by their runtime value.
type FieldSchema map[string]FieldSpec

// DefaultFieldSchema covers the built-in lead attributes.
func DefaultFieldSchema() FieldSchema {
	return FieldSchema{
		"status":     {Type: FieldTypeString},
		"source":     {Type: FieldTypeString},
		"score":      {Type: FieldTypeNumber},
		"city":       {Type: FieldTypeString, CaseInsensitive: true},
		"email":      {Type: FieldTypeString, CaseInsensitive: true},
		"tags":       {Type: FieldTypeList},
		"created_at": {Type: FieldTypeDate},
		"updated_at": {Type: FieldTypeDate},
	}
}

// ===========================
// CONDITIONS
// ===========================

const (
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorContains    = "contains"
	OperatorGreaterThan = "greater_than"
	OperatorLessThan    = "less_than"
	OperatorIn          = "in"
	OperatorNotIn       = "not_in"
	OperatorBetween     = "between"
	OperatorIsEmpty     = "is_empty"
	OperatorIsNotEmpty  = "is_not_empty"
)

const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Condition is the stored form of a single criterion. Value and ValueEnd keep
// their decoded JSON shape until the rule is compiled.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
	ValueEnd interface{} `json:"value_end,omitempty"`
}

type ConditionSet struct {
	Logic      string      `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// ===========================
// ASSIGNMENT RULES
// ===========================

const (
	DistributionSpecificUser        = "specific_user"
	DistributionRoundRobinRole      = "round_robin_role"
	DistributionRoundRobinHierarchy = "round_robin_hierarchy"
	DistributionTopPerformer        = "top_performer"
)

const (
	ScopeOrganisation       = "organisation"
	ScopeDirectSubordinates = "direct_subordinates"
)

const (
	TargetTypeUser  = "user"
	TargetTypeQueue = "queue"
)

const (
	RotationRandom    = "random"
	RotationSelective = "selective"
	RotationManager   = "manager"
)

// AssignTarget says where a matching entity goes.
type AssignTarget struct {
	Type          string   `json:"type"`            // user, queue
	Value         string   `json:"value,omitempty"` // user ID for specific_user, queue name for queue
	TargetRole    string   `json:"target_role,omitempty"`
	TargetManager string   `json:"target_manager,omitempty"`
	Pool          []string `json:"pool,omitempty"` // explicit candidates, overrides the directory lookup
}

type RotationPolicy struct {
	Enabled          bool     `json:"enabled"`
	TimeLimitMinutes int      `json:"time_limit_minutes"`
	RotationType     string   `json:"rotation_type"`
	RotationPool     []string `json:"rotation_pool,omitempty"`
}

// Armed reports whether assignments under this policy get a deadline.
func (p RotationPolicy) Armed() bool {
	return p.Enabled && p.TimeLimitMinutes > 0
}

type AssignmentRule struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	OrgID             string         `json:"org_id"`
	EntityType        string         `json:"entity_type"`
	Priority          int            `json:"priority"` // higher is evaluated first
	DistributionType  string         `json:"distribution_type"`
	DistributionScope string         `json:"distribution_scope"`
	Criteria          ConditionSet   `json:"criteria"`
	AssignTo          AssignTarget   `json:"assign_to"`
	Rotation          RotationPolicy `json:"rotation"`
	LastAssignedUser  string         `json:"last_assigned_user,omitempty"`
	IsActive          bool           `json:"is_active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PoolSpec describes a candidate pool lookup in the user directory.
type PoolSpec struct {
	OrgID   string `json:"org_id"`
	Role    string `json:"role,omitempty"`
	Manager string `json:"manager,omitempty"` // restrict to the manager's subtree
	Direct  bool   `json:"direct,omitempty"`  // only direct reports of Manager
}

const (
	RouteOutcomeAssigned   = "assigned"
	RouteOutcomeQueued     = "queued"
	RouteOutcomeUnassigned = "unassigned"
	RouteOutcomeUnchanged  = "unchanged"
)

type RouteRequest struct {
	EntityID    string `json:"entity_id" binding:"required"`
	EntityType  string `json:"entity_type" binding:"required"`
	OrgID       string `json:"org_id"`
	RequesterID string `json:"requester_id,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

type RouteResult struct {
	Outcome  string     `json:"outcome"`
	Assignee string     `json:"assignee,omitempty"`
	Queue    string     `json:"queue,omitempty"`
	RuleID   string     `json:"rule_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

const (
	AssignmentKindAuto     = "auto"
	AssignmentKindRotation = "rotation"
	AssignmentKindAction   = "action"
)

// AssignmentRecord is the history entry written for every ownership change.
type AssignmentRecord struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id,omitempty"`
	QueueName  string    `json:"queue_name,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	AssignedAt time.Time `json:"assigned_at"`
}

// ===========================
// ROTATION
// ===========================

// RotationState tracks a time-boxed assignment awaiting action by its owner.
type RotationState struct {
	EntityID      string    `json:"entity_id"`
	RuleID        string    `json:"rule_id"`
	AssignedUser  string    `json:"assigned_user"`
	TriggerStatus string    `json:"trigger_status"`
	AssignedAt    time.Time `json:"assigned_at"`
	Deadline      time.Time `json:"deadline"`
}

type ReassignmentEvent struct {
	ID           string     `json:"id"`
	EntityID     string     `json:"entity_id"`
	RuleID       string     `json:"rule_id"`
	PreviousUser string     `json:"previous_user"`
	NewUser      string     `json:"new_user"`
	RotationType string     `json:"rotation_type"`
	OccurredAt   time.Time  `json:"occurred_at"`
	NextDeadline *time.Time `json:"next_deadline,omitempty"`
}

// ===========================
// WORKFLOWS
// ===========================

const (
	EventCreate       = "create"
	EventUpdate       = "update"
	EventFieldChange  = "field_change"
	EventStatusChange = "status_change"
	EventDelete       = "delete"
)

const (
	ActionSendEmail   = "send_email"
	ActionCreateTask  = "create_task"
	ActionUpdateField = "update_field"
	ActionNotifyUser  = "notify_user"
	ActionAssignTo    = "assign_to"
)

type RuleAction struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type WorkflowRule struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	OrgID          string       `json:"org_id"`
	TriggerEntity  string       `json:"trigger_entity"`
	TriggerEvent   string       `json:"trigger_event"`
	TriggerField   string       `json:"trigger_field,omitempty"`
	Conditions     ConditionSet `json:"conditions"`
	Actions        []RuleAction `json:"actions"`
	ExecutionCount int64        `json:"execution_count"`
	LastExecutedAt *time.Time   `json:"last_executed_at,omitempty"`
	IsActive       bool         `json:"is_active"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// EntityEvent is a change notification for one entity.
type EntityEvent struct {
	EntityID       string    `json:"entity_id" binding:"required"`
	EntityType     string    `json:"entity_type" binding:"required"`
	OrgID          string    `json:"org_id"`
	EventType      string    `json:"event_type" binding:"required"`
	ChangedField   string    `json:"changed_field,omitempty"`
	ChangedFields  []string  `json:"changed_fields,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Changed returns every field named by the event, ChangedField first.
func (e EntityEvent) Changed() []string {
	fields := make([]string, 0, len(e.ChangedFields)+1)
	seen := make(map[string]bool, len(e.ChangedFields)+1)
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	add(e.ChangedField)
	for _, f := range e.ChangedFields {
		add(f)
	}
	if e.EventType == EventStatusChange {
		add("status")
	}
	return fields
}

type ActionResult struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ExecutionRecord is written once per (rule, triggering event).
type ExecutionRecord struct {
	RuleID     string         `json:"rule_id"`
	EntityID   string         `json:"entity_id"`
	EventKey   string         `json:"event_key"`
	Results    []ActionResult `json:"results"`
	ExecutedAt time.Time      `json:"executed_at"`
}

type Task struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	RuleID     string     `json:"rule_id,omitempty"`
	Title      string     `json:"title"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const (
	NotificationReassigned = "reassigned"
	NotificationEmail      = "email"
	NotificationUser       = "user"
)

// Notification is a delivery intent handed to the outbox. Delivery channels
// (email, push) own their own retries.
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	EntityID  string                 `json:"entity_id"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ===========================
// SEGMENTS
// ===========================

const (
	SegmentDynamic = "dynamic"
	SegmentStatic  = "static"
)

type LeadSegment struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	OrgID          string       `json:"org_id"`
	EntityType     string       `json:"entity_type"`
	Type           string       `json:"type"`
	Criteria       ConditionSet `json:"criteria"`
	StaticLeads    []string     `json:"static_leads,omitempty"`
	LeadCount      int          `json:"lead_count"`
	LastCalculated *time.Time   `json:"last_calculated,omitempty"`
	IsActive       bool         `json:"is_active"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type RecomputeMode string

const (
	RecomputeIncremental RecomputeMode = "incremental"
	RecomputeFull        RecomputeMode = "full"
)

type SegmentStats struct {
	SegmentID      string    `json:"segment_id"`
	LeadCount      int       `json:"lead_count"`
	LastCalculated time.Time `json:"last_calculated"`
}
