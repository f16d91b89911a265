package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// WorkflowService runs workflow rules against entity events. Each rule's
// execution is counted at most once per triggering event.
type WorkflowService struct {
	Store      Store
	Catalog    *RuleCatalog
	Deduper    Deduper
	Dispatcher Dispatcher
	Clock      Clock
}

func NewWorkflowService(store Store, catalog *RuleCatalog, deduper Deduper, dispatcher Dispatcher) *WorkflowService {
	return &WorkflowService{
		Store:      store,
		Catalog:    catalog,
		Deduper:    deduper,
		Dispatcher: dispatcher,
		Clock:      systemClock,
	}
}

// HandleEvent evaluates every triggered rule and returns the execution
// records written for this delivery. Redelivered events produce none.
// The caller holds the entity lock.
func (s *WorkflowService) HandleEvent(ctx context.Context, ev db.EntityEvent, snap *db.EntitySnapshot) ([]db.ExecutionRecord, error) {
	rules, err := s.Catalog.WorkflowRules(ctx, ev.OrgID, ev.EntityType)
	if err != nil {
		return nil, err
	}

	eventKey := executionKey(ev)
	var records []db.ExecutionRecord
	for _, rule := range rules {
		if !triggers(rule, ev) {
			continue
		}
		rec, err := s.runRule(ctx, rule, ev, snap, eventKey)
		if err != nil {
			log.Printf("Workflow: rule %s failed for entity %s: %v", rule.ID, ev.EntityID, err)
			continue
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func triggers(rule *CompiledWorkflowRule, ev db.EntityEvent) bool {
	if !rule.IsActive || rule.TriggerEntity != ev.EntityType || rule.TriggerEvent != ev.EventType {
		return false
	}
	if rule.TriggerEvent != db.EventFieldChange {
		return true
	}
	for _, f := range ev.Changed() {
		if f == rule.TriggerField {
			return true
		}
	}
	return false
}

func (s *WorkflowService) runRule(ctx context.Context, rule *CompiledWorkflowRule, ev db.EntityEvent, snap *db.EntitySnapshot, eventKey string) (*db.ExecutionRecord, error) {
	if !rule.Match.Evaluate(snap) {
		return nil, nil
	}

	claimKey := rule.ID + ":" + eventKey
	if s.Deduper != nil {
		claimed, err := s.Deduper.Claim(ctx, claimKey)
		if err != nil {
			return nil, err
		}
		if !claimed {
			log.Printf("Workflow: rule %s already ran for event %s", rule.ID, eventKey)
			return nil, nil
		}
	}

	now := s.Clock()
	rec := db.ExecutionRecord{
		RuleID:     rule.ID,
		EntityID:   ev.EntityID,
		EventKey:   eventKey,
		Results:    make([]db.ActionResult, 0, len(rule.Steps)),
		ExecutedAt: now,
	}

	// the durable row is the claim that survives lost dedupe keys, so it is
	// written before any action fires
	inserted, err := s.Store.RecordExecution(ctx, rec)
	if err != nil {
		if s.Deduper != nil {
			// let a redelivery retry
			if rerr := s.Deduper.Release(ctx, claimKey); rerr != nil {
				log.Printf("Workflow: failed to release claim %s: %v", claimKey, rerr)
			}
		}
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	if !inserted {
		log.Printf("Workflow: rule %s already executed for event %s", rule.ID, eventKey)
		return nil, nil
	}

	ac := &ActionContext{
		Store:      s.Store,
		Dispatcher: s.Dispatcher,
		Snapshot:   snap,
		Rule:       rule,
		Event:      ev,
		Now:        now,
	}
	for i, step := range rule.Steps {
		result := db.ActionResult{Index: i, Type: step.Type(), OK: true}
		if err := runAction(ctx, step, ac); err != nil {
			aerr := &ActionError{RuleID: rule.ID, Index: i, Type: step.Type(), Err: err}
			log.Printf("Workflow: %v", aerr)
			result.OK = false
			result.Error = err.Error()
		}
		rec.Results = append(rec.Results, result)
	}

	if err := s.Store.SaveExecutionResults(ctx, rule.ID, eventKey, rec.Results); err != nil {
		log.Printf("Workflow: failed to save results of rule %s for event %s: %v", rule.ID, eventKey, err)
	}
	return &rec, nil
}

// runAction isolates a single action so a panic fails only that step.
func runAction(ctx context.Context, step Action, ac *ActionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return step.Execute(ctx, ac)
}

// executionKey identifies one triggering event. Deliveries without an
// idempotency key can't be told apart and fall back to the occurrence time.
func executionKey(ev db.EntityEvent) string {
	key := ev.IdempotencyKey
	if key == "" {
		key = ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000000000Z")
	}
	sum := sha256.Sum256([]byte(ev.EntityID + "|" + ev.EventType + "|" + key))
	return hex.EncodeToString(sum[:])
}
