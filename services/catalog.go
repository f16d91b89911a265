package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// CompiledAssignmentRule is an assignment rule whose criteria passed validation.
type CompiledAssignmentRule struct {
	db.AssignmentRule
	Match CompiledConditionSet
}

// CompiledWorkflowRule is a workflow rule with validated conditions and typed actions.
type CompiledWorkflowRule struct {
	db.WorkflowRule
	Match CompiledConditionSet
	Steps []Action
}

type compiledEntry struct {
	updatedAt time.Time
	match     CompiledConditionSet
	steps     []Action
}

// RuleCatalog is the read-only rule view used by every engine component.
// Rules are re-read from the store on each call so deactivation takes effect
// immediately; only the compiled form is cached, keyed by rule ID and updated_at.
type RuleCatalog struct {
	Rules     RuleReader
	Evaluator *ConditionEvaluator

	mu        sync.Mutex
	assign    map[string]compiledEntry
	workflows map[string]compiledEntry
}

func NewRuleCatalog(rules RuleReader, evaluator *ConditionEvaluator) *RuleCatalog {
	return &RuleCatalog{
		Rules:     rules,
		Evaluator: evaluator,
		assign:    make(map[string]compiledEntry),
		workflows: make(map[string]compiledEntry),
	}
}

// AssignmentRules returns active, valid assignment rules ordered by priority
// (highest first), then creation time, then ID. Invalid rules are logged and skipped.
func (c *RuleCatalog) AssignmentRules(ctx context.Context, orgID, entityType string) ([]*CompiledAssignmentRule, error) {
	rules, err := c.Rules.GetActiveAssignmentRules(ctx, orgID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment rules: %w", err)
	}

	compiled := make([]*CompiledAssignmentRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		cr, err := c.CompileAssignmentRule(rule)
		if err != nil {
			log.Printf("Skipping assignment rule %s (%s): %v", rule.ID, rule.Name, err)
			continue
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return compiled, nil
}

// AssignmentRule loads a single rule regardless of its active flag.
func (c *RuleCatalog) AssignmentRule(ctx context.Context, ruleID string) (*CompiledAssignmentRule, error) {
	rule, err := c.Rules.GetAssignmentRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return c.CompileAssignmentRule(*rule)
}

func (c *RuleCatalog) CompileAssignmentRule(rule db.AssignmentRule) (*CompiledAssignmentRule, error) {
	if err := validateAssignmentRule(rule); err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.assign[rule.ID]
	c.mu.Unlock()
	if ok && entry.updatedAt.Equal(rule.UpdatedAt) {
		return &CompiledAssignmentRule{AssignmentRule: rule, Match: entry.match}, nil
	}

	match, err := c.Evaluator.Compile(rule.Criteria)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.assign[rule.ID] = compiledEntry{updatedAt: rule.UpdatedAt, match: match}
	c.mu.Unlock()
	return &CompiledAssignmentRule{AssignmentRule: rule, Match: match}, nil
}

// WorkflowRules returns active, valid workflow rules in creation order.
func (c *RuleCatalog) WorkflowRules(ctx context.Context, orgID, entityType string) ([]*CompiledWorkflowRule, error) {
	rules, err := c.Rules.GetActiveWorkflowRules(ctx, orgID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow rules: %w", err)
	}

	compiled := make([]*CompiledWorkflowRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		cr, err := c.CompileWorkflowRule(rule)
		if err != nil {
			log.Printf("Skipping workflow rule %s (%s): %v", rule.ID, rule.Name, err)
			continue
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].CreatedAt.Before(compiled[j].CreatedAt)
	})
	return compiled, nil
}

func (c *RuleCatalog) CompileWorkflowRule(rule db.WorkflowRule) (*CompiledWorkflowRule, error) {
	if err := validateWorkflowRule(rule); err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.workflows[rule.ID]
	c.mu.Unlock()
	if ok && entry.updatedAt.Equal(rule.UpdatedAt) {
		return &CompiledWorkflowRule{WorkflowRule: rule, Match: entry.match, Steps: entry.steps}, nil
	}

	match, err := c.Evaluator.Compile(rule.Conditions)
	if err != nil {
		return nil, err
	}
	steps := make([]Action, 0, len(rule.Actions))
	for i, ra := range rule.Actions {
		action, err := ParseAction(ra)
		if err != nil {
			return nil, invalidRule(rule.ID, "action %d: %v", i, err)
		}
		steps = append(steps, action)
	}

	c.mu.Lock()
	c.workflows[rule.ID] = compiledEntry{updatedAt: rule.UpdatedAt, match: match, steps: steps}
	c.mu.Unlock()
	return &CompiledWorkflowRule{WorkflowRule: rule, Match: match, Steps: steps}, nil
}

func validateAssignmentRule(rule db.AssignmentRule) error {
	switch rule.DistributionType {
	case db.DistributionSpecificUser, db.DistributionRoundRobinRole,
		db.DistributionRoundRobinHierarchy, db.DistributionTopPerformer:
	default:
		return invalidRule(rule.ID, "unknown distribution type %q", rule.DistributionType)
	}

	switch rule.DistributionScope {
	case "", db.ScopeOrganisation:
	case db.ScopeDirectSubordinates:
		if rule.AssignTo.TargetManager == "" {
			return invalidRule(rule.ID, "direct_subordinates scope requires target_manager")
		}
	default:
		return invalidRule(rule.ID, "unknown distribution scope %q", rule.DistributionScope)
	}

	switch rule.AssignTo.Type {
	case "", db.TargetTypeUser:
		if rule.DistributionType == db.DistributionSpecificUser && rule.AssignTo.Value == "" {
			return invalidRule(rule.ID, "specific_user requires assign_to.value")
		}
	case db.TargetTypeQueue:
		if rule.AssignTo.Value == "" {
			return invalidRule(rule.ID, "queue target requires a queue name")
		}
	default:
		return invalidRule(rule.ID, "unknown target type %q", rule.AssignTo.Type)
	}

	if rule.Rotation.Enabled {
		if rule.Rotation.TimeLimitMinutes < 0 {
			return invalidRule(rule.ID, "negative rotation time limit")
		}
		switch rule.Rotation.RotationType {
		case db.RotationRandom, db.RotationSelective, db.RotationManager:
		default:
			return invalidRule(rule.ID, "unknown rotation type %q", rule.Rotation.RotationType)
		}
	}
	return nil
}

func validateWorkflowRule(rule db.WorkflowRule) error {
	switch rule.TriggerEvent {
	case db.EventCreate, db.EventUpdate, db.EventStatusChange:
		if rule.TriggerField != "" {
			return invalidRule(rule.ID, "trigger_field is only valid for field_change")
		}
	case db.EventFieldChange:
		if rule.TriggerField == "" {
			return invalidRule(rule.ID, "field_change requires trigger_field")
		}
	default:
		return invalidRule(rule.ID, "unknown trigger event %q", rule.TriggerEvent)
	}
	if rule.TriggerEntity == "" {
		return invalidRule(rule.ID, "trigger_entity is required")
	}
	return nil
}

// IsInvalidRule reports whether err came from rule or condition validation.
func IsInvalidRule(err error) bool {
	return errors.Is(err, ErrInvalidRule) || errors.Is(err, ErrInvalidCondition)
}
