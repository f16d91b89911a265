package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/lib/pq"
)

// maxHierarchyDepth bounds recursive reporting-chain queries.
const maxHierarchyDepth = 32

// PostgresStore is the durable Store. Cursors and rotation states live here
// so fairness and deadlines survive restarts.
type PostgresStore struct {
	PG *sql.DB
}

func NewPostgresStore(pg *sql.DB) *PostgresStore {
	return &PostgresStore{PG: pg}
}

// ===========================
// SNAPSHOTS
// ===========================

const snapshotColumns = `id, entity_type, org_id, owner_id, queue_name, status, fields, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*db.EntitySnapshot, error) {
	var snap db.EntitySnapshot
	var ownerID, queueName, createdBy sql.NullString
	var fields []byte

	if err := row.Scan(
		&snap.ID, &snap.EntityType, &snap.OrgID, &ownerID, &queueName,
		&snap.Status, &fields, &createdBy, &snap.CreatedAt, &snap.UpdatedAt,
	); err != nil {
		return nil, err
	}
	snap.OwnerID = ownerID.String
	snap.QueueName = queueName.String
	snap.CreatedBy = createdBy.String

	snap.Fields = make(map[string]db.Value)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &snap.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", snap.ID, err)
		}
	}
	return &snap, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, entityID string) (*db.EntitySnapshot, error) {
	row := s.PG.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM entities WHERE id = $1`, entityID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return snap, err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, orgID, entityType string) ([]*db.EntitySnapshot, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2
		ORDER BY id
	`, orgID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*db.EntitySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ===========================
// RULES
// ===========================

const assignmentRuleColumns = `id, name, org_id, entity_type, priority, distribution_type, distribution_scope,
	criteria, assign_to, rotation, last_assigned_user, is_active, created_at, updated_at`

func scanAssignmentRule(row rowScanner) (*db.AssignmentRule, error) {
	var rule db.AssignmentRule
	var criteria, assignTo, rotation []byte
	var lastAssigned sql.NullString

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.OrgID, &rule.EntityType, &rule.Priority,
		&rule.DistributionType, &rule.DistributionScope,
		&criteria, &assignTo, &rotation, &lastAssigned,
		&rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.LastAssignedUser = lastAssigned.String

	// rows with undecodable JSON are dropped by the list query
	if err := decodeJSON(criteria, &rule.Criteria); err != nil {
		return nil, invalidRule(rule.ID, "criteria: %v", err)
	}
	if err := decodeJSON(assignTo, &rule.AssignTo); err != nil {
		return nil, invalidRule(rule.ID, "assign_to: %v", err)
	}
	if err := decodeJSON(rotation, &rule.Rotation); err != nil {
		return nil, invalidRule(rule.ID, "rotation: %v", err)
	}
	return &rule, nil
}

func (s *PostgresStore) GetActiveAssignmentRules(ctx context.Context, orgID, entityType string) ([]db.AssignmentRule, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT `+assignmentRuleColumns+`
		FROM assignment_rules
		WHERE org_id = $1 AND entity_type = $2 AND is_active = true
		ORDER BY priority DESC, created_at ASC
	`, orgID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []db.AssignmentRule
	for rows.Next() {
		rule, err := scanAssignmentRule(rows)
		if err != nil {
			if IsInvalidRule(err) {
				log.Printf("Skipping assignment rule: %v", err)
				continue
			}
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) GetAssignmentRule(ctx context.Context, ruleID string) (*db.AssignmentRule, error) {
	row := s.PG.QueryRowContext(ctx, `SELECT `+assignmentRuleColumns+` FROM assignment_rules WHERE id = $1`, ruleID)
	rule, err := scanAssignmentRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment rule %s: %w", ruleID, ErrNotFound)
	}
	return rule, err
}

func (s *PostgresStore) GetActiveWorkflowRules(ctx context.Context, orgID, entityType string) ([]db.WorkflowRule, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, name, org_id, trigger_entity, trigger_event, trigger_field, conditions, actions,
			execution_count, last_executed_at, is_active, created_at, updated_at
		FROM workflow_rules
		WHERE org_id = $1 AND trigger_entity = $2 AND is_active = true
		ORDER BY created_at ASC
	`, orgID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []db.WorkflowRule
	for rows.Next() {
		var rule db.WorkflowRule
		var triggerField sql.NullString
		var conditions, actions []byte
		var lastExecuted sql.NullTime

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.OrgID, &rule.TriggerEntity, &rule.TriggerEvent, &triggerField,
			&conditions, &actions, &rule.ExecutionCount, &lastExecuted,
			&rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule.TriggerField = triggerField.String
		if lastExecuted.Valid {
			rule.LastExecutedAt = &lastExecuted.Time
		}
		if err := decodeJSON(conditions, &rule.Conditions); err != nil {
			log.Printf("Skipping workflow rule %s: conditions: %v", rule.ID, err)
			continue
		}
		if err := decodeJSON(actions, &rule.Actions); err != nil {
			log.Printf("Skipping workflow rule %s: actions: %v", rule.ID, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ===========================
// DIRECTORY
// ===========================

func (s *PostgresStore) GetCandidatePool(ctx context.Context, spec db.PoolSpec) ([]string, error) {
	var rows *sql.Rows
	var err error

	switch {
	case spec.Manager == "":
		rows, err = s.PG.QueryContext(ctx, `
			SELECT id FROM users
			WHERE is_active = true AND ($1 = '' OR org_id = $1) AND ($2 = '' OR role = $2)
			ORDER BY id
		`, spec.OrgID, spec.Role)
	case spec.Direct:
		rows, err = s.PG.QueryContext(ctx, `
			SELECT id FROM users
			WHERE is_active = true AND ($1 = '' OR org_id = $1) AND ($2 = '' OR role = $2) AND manager_id = $3
			ORDER BY id
		`, spec.OrgID, spec.Role, spec.Manager)
	default:
		rows, err = s.PG.QueryContext(ctx, `
			WITH RECURSIVE team AS (
				SELECT id, 1 AS depth FROM users WHERE manager_id = $3
				UNION ALL
				SELECT u.id, t.depth + 1 FROM users u JOIN team t ON u.manager_id = t.id
				WHERE t.depth < $4
			)
			SELECT DISTINCT u.id FROM users u JOIN team t ON t.id = u.id
			WHERE u.is_active = true AND ($1 = '' OR u.org_id = $1) AND ($2 = '' OR u.role = $2)
			ORDER BY u.id
		`, spec.OrgID, spec.Role, spec.Manager, maxHierarchyDepth)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPerformanceMetric(ctx context.Context, userID string) (float64, error) {
	var score float64
	err := s.PG.QueryRowContext(ctx, `SELECT performance_score FROM users WHERE id = $1`, userID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return score, err
}

func (s *PostgresStore) CountOpenEntities(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.PG.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities WHERE owner_id = $1 AND NOT (status = ANY($2))
	`, userID, pq.Array(db.TerminalStatuses)).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetManager(ctx context.Context, userID string) (string, error) {
	var manager sql.NullString
	err := s.PG.QueryRowContext(ctx, `SELECT manager_id FROM users WHERE id = $1`, userID).Scan(&manager)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return manager.String, err
}

func (s *PostgresStore) IsInSubtree(ctx context.Context, managerID, userID string) (bool, error) {
	var ok bool
	err := s.PG.QueryRowContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, manager_id, 1 AS depth FROM users WHERE id = $2
			UNION ALL
			SELECT u.id, u.manager_id, c.depth + 1 FROM users u JOIN chain c ON u.id = c.manager_id
			WHERE c.depth < $3
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE manager_id = $1)
	`, managerID, userID, maxHierarchyDepth).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) GetPushToken(ctx context.Context, userID string) (string, error) {
	var token sql.NullString
	err := s.PG.QueryRowContext(ctx, `SELECT fcm_token FROM users WHERE id = $1`, userID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return token.String, err
}

// ===========================
// CURSORS
// ===========================

func cursorColumn(name string) (string, error) {
	switch name {
	case cursorAssign:
		return "last_assigned_user", nil
	case cursorRotation:
		return "rotation_cursor", nil
	}
	return "", fmt.Errorf("unknown cursor %q", name)
}

func (s *PostgresStore) GetCursor(ctx context.Context, ruleID, name string) (string, error) {
	column, err := cursorColumn(name)
	if err != nil {
		return "", err
	}
	var cursor sql.NullString
	err = s.PG.QueryRowContext(ctx, `SELECT `+column+` FROM assignment_rules WHERE id = $1`, ruleID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("assignment rule %s: %w", ruleID, ErrNotFound)
	}
	return cursor.String, err
}

func (s *PostgresStore) CompareAndSwapCursor(ctx context.Context, ruleID, name, expected, next string) (bool, error) {
	column, err := cursorColumn(name)
	if err != nil {
		return false, err
	}
	result, err := s.PG.ExecContext(ctx, `
		UPDATE assignment_rules SET `+column+` = $1
		WHERE id = $2 AND COALESCE(`+column+`, '') = $3
	`, next, ruleID, expected)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ===========================
// ROTATION
// ===========================

func (s *PostgresStore) SaveRotationState(ctx context.Context, state db.RotationState) error {
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO rotation_states (entity_id, rule_id, assigned_user, trigger_status, assigned_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id) DO UPDATE SET
			rule_id = EXCLUDED.rule_id,
			assigned_user = EXCLUDED.assigned_user,
			trigger_status = EXCLUDED.trigger_status,
			assigned_at = EXCLUDED.assigned_at,
			deadline = EXCLUDED.deadline
	`, state.EntityID, state.RuleID, state.AssignedUser, state.TriggerStatus, state.AssignedAt, state.Deadline)
	return err
}

func (s *PostgresStore) GetRotationState(ctx context.Context, entityID string) (*db.RotationState, error) {
	var state db.RotationState
	err := s.PG.QueryRowContext(ctx, `
		SELECT entity_id, rule_id, assigned_user, trigger_status, assigned_at, deadline
		FROM rotation_states WHERE entity_id = $1
	`, entityID).Scan(&state.EntityID, &state.RuleID, &state.AssignedUser, &state.TriggerStatus, &state.AssignedAt, &state.Deadline)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rotation state %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *PostgresStore) DeleteRotationState(ctx context.Context, entityID string) error {
	_, err := s.PG.ExecContext(ctx, `DELETE FROM rotation_states WHERE entity_id = $1`, entityID)
	return err
}

func (s *PostgresStore) PostponeRotation(ctx context.Context, entityID string, expected, next time.Time) (bool, error) {
	result, err := s.PG.ExecContext(ctx, `
		UPDATE rotation_states SET deadline = $3
		WHERE entity_id = $1 AND deadline = $2
	`, entityID, expected, next)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ListDueRotations(ctx context.Context, now time.Time, limit int) ([]db.RotationState, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT entity_id, rule_id, assigned_user, trigger_status, assigned_at, deadline
		FROM rotation_states
		WHERE deadline <= $1
		ORDER BY deadline ASC, entity_id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []db.RotationState
	for rows.Next() {
		var state db.RotationState
		if err := rows.Scan(&state.EntityID, &state.RuleID, &state.AssignedUser, &state.TriggerStatus, &state.AssignedAt, &state.Deadline); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// ===========================
// SEGMENTS
// ===========================

const segmentColumns = `id, name, org_id, entity_type, segment_type, criteria, static_leads, lead_count,
	last_calculated, is_active, created_at, updated_at`

func scanSegment(row rowScanner) (*db.LeadSegment, error) {
	var seg db.LeadSegment
	var criteria []byte
	var lastCalculated sql.NullTime

	if err := row.Scan(
		&seg.ID, &seg.Name, &seg.OrgID, &seg.EntityType, &seg.Type, &criteria,
		pq.Array(&seg.StaticLeads), &seg.LeadCount, &lastCalculated,
		&seg.IsActive, &seg.CreatedAt, &seg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastCalculated.Valid {
		seg.LastCalculated = &lastCalculated.Time
	}
	if err := decodeJSON(criteria, &seg.Criteria); err != nil {
		return nil, fmt.Errorf("segment %s criteria: %w", seg.ID, err)
	}
	return &seg, nil
}

func (s *PostgresStore) GetSegment(ctx context.Context, segmentID string) (*db.LeadSegment, error) {
	seg, err := scanSegment(s.PG.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM lead_segments WHERE id = $1`, segmentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	return seg, err
}

func (s *PostgresStore) ListActiveSegments(ctx context.Context, orgID, entityType string) ([]db.LeadSegment, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT `+segmentColumns+`
		FROM lead_segments
		WHERE is_active = true AND ($1 = '' OR org_id = $1) AND ($2 = '' OR entity_type = $2)
		ORDER BY id
	`, orgID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []db.LeadSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return segs, rows.Err()
}

func (s *PostgresStore) GetSegmentMembers(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := s.PG.QueryContext(ctx, `SELECT entity_id FROM segment_members WHERE segment_id = $1 ORDER BY entity_id`, segmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateSegmentCache(ctx context.Context, segmentID string, members []string, count int, calculatedAt time.Time) error {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_members WHERE segment_id = $1`, segmentID); err != nil {
		return err
	}
	if len(members) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segment_members (segment_id, entity_id)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`, segmentID, pq.Array(members)); err != nil {
			return err
		}
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE lead_segments SET lead_count = $1, last_calculated = $2 WHERE id = $3
	`, count, calculatedAt, segmentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	return tx.Commit()
}

func (s *PostgresStore) ApplySegmentDelta(ctx context.Context, segmentID string, add, remove []string, calculatedAt time.Time) (int, error) {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if len(remove) > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM segment_members WHERE segment_id = $1 AND entity_id = ANY($2)
		`, segmentID, pq.Array(remove)); err != nil {
			return 0, err
		}
	}
	if len(add) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segment_members (segment_id, entity_id)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`, segmentID, pq.Array(add)); err != nil {
			return 0, err
		}
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		UPDATE lead_segments
		SET lead_count = (SELECT COUNT(*) FROM segment_members WHERE segment_id = $1), last_calculated = $2
		WHERE id = $1
		RETURNING lead_count
	`, segmentID, calculatedAt).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *PostgresStore) SetStaticMembers(ctx context.Context, segmentID string, members []string) error {
	result, err := s.PG.ExecContext(ctx, `
		UPDATE lead_segments SET static_leads = $1, updated_at = NOW() WHERE id = $2
	`, pq.Array(members), segmentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	return nil
}

// ===========================
// WRITE INTENTS
// ===========================

func (s *PostgresStore) RecordExecution(ctx context.Context, rec db.ExecutionRecord) (bool, error) {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return false, err
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_executions (rule_id, event_key, entity_id, results, executed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rule_id, event_key) DO NOTHING
	`, rec.RuleID, rec.EventKey, rec.EntityID, results, rec.ExecutedAt)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_rules
		SET execution_count = execution_count + 1, last_executed_at = $1
		WHERE id = $2
	`, rec.ExecutedAt, rec.RuleID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) SaveExecutionResults(ctx context.Context, ruleID, eventKey string, results []db.ActionResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}
	result, err := s.PG.ExecContext(ctx, `
		UPDATE workflow_executions SET results = $1
		WHERE rule_id = $2 AND event_key = $3
	`, raw, ruleID, eventKey)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s/%s: %w", ruleID, eventKey, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetOwner(ctx context.Context, entityID, userID, queueName string) error {
	result, err := s.PG.ExecContext(ctx, `
		UPDATE entities SET owner_id = NULLIF($1, ''), queue_name = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $3
	`, userID, queueName, entityID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetField(ctx context.Context, entityID, field string, value db.Value) error {
	var result sql.Result
	var err error
	if field == "status" {
		result, err = s.PG.ExecContext(ctx, `UPDATE entities SET status = $1, updated_at = NOW() WHERE id = $2`, value.String(), entityID)
	} else {
		encoded, merr := json.Marshal(value)
		if merr != nil {
			return merr
		}
		result, err = s.PG.ExecContext(ctx, `
			UPDATE entities
			SET fields = jsonb_set(COALESCE(fields, '{}'::jsonb), ARRAY[$1]::text[], $2::jsonb, true), updated_at = NOW()
			WHERE id = $3
		`, field, string(encoded), entityID)
	}
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task db.Task) error {
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO entity_tasks (id, entity_id, rule_id, title, assigned_to, due_at, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7)
	`, task.ID, task.EntityID, task.RuleID, task.Title, task.AssignedTo, task.DueAt, task.CreatedAt)
	return err
}

func (s *PostgresStore) RecordAssignment(ctx context.Context, rec db.AssignmentRecord) error {
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO assignment_history (id, entity_id, user_id, queue_name, rule_id, kind, reason, assigned_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
	`, rec.ID, rec.EntityID, rec.UserID, rec.QueueName, rec.RuleID, rec.Kind, rec.Reason, rec.AssignedAt)
	return err
}

func (s *PostgresStore) EmitNotification(ctx context.Context, n db.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	if n.Data == nil {
		data = []byte("{}")
	}
	_, err = s.PG.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, type, user_id, recipient, entity_id, rule_id, title, body, data, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.Type, n.UserID, n.Recipient, n.EntityID, n.RuleID, n.Title, n.Body, data, n.CreatedAt)
	return err
}

func decodeJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
