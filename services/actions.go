package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/google/uuid"
)

// OwnerRecipient targets the entity's current owner.
const OwnerRecipient = "owner"

// ActionContext is everything an action may touch while it runs.
type ActionContext struct {
	Store      Store
	Dispatcher Dispatcher
	Snapshot   *db.EntitySnapshot
	Rule       *CompiledWorkflowRule
	Event      db.EntityEvent
	Now        time.Time
}

// Action is one typed workflow step. Implementations carry only the fields
// their type needs and are built by ParseAction when the rule is loaded.
type Action interface {
	Type() string
	Execute(ctx context.Context, ac *ActionContext) error
}

// ParseAction validates a stored action definition.
func ParseAction(ra db.RuleAction) (Action, error) {
	cfg := ra.Config
	switch ra.Type {
	case db.ActionSendEmail:
		a := SendEmailAction{
			To:       configString(cfg, "to"),
			Subject:  configString(cfg, "subject"),
			Template: configString(cfg, "template"),
		}
		if a.To == "" {
			return nil, fmt.Errorf("send_email requires config.to")
		}
		if a.Subject == "" && a.Template == "" {
			return nil, fmt.Errorf("send_email requires a subject or template")
		}
		return a, nil

	case db.ActionCreateTask:
		a := CreateTaskAction{
			Title:    configString(cfg, "title"),
			AssignTo: configString(cfg, "assign_to"),
		}
		if a.Title == "" {
			return nil, fmt.Errorf("create_task requires config.title")
		}
		if raw, ok := cfg["due_in_minutes"]; ok {
			n, ok := configNumber(raw)
			if !ok || n < 0 {
				return nil, fmt.Errorf("create_task due_in_minutes must be a non-negative number")
			}
			a.DueIn = time.Duration(n) * time.Minute
		}
		return a, nil

	case db.ActionUpdateField:
		a := UpdateFieldAction{Field: configString(cfg, "field")}
		if a.Field == "" {
			return nil, fmt.Errorf("update_field requires config.field")
		}
		switch a.Field {
		case "id", "org_id", "owner", "owner_id", "assigned_to", "created_at", "created_by":
			return nil, fmt.Errorf("update_field cannot write %s", a.Field)
		}
		a.Value = db.FromAny(cfg["value"])
		return a, nil

	case db.ActionNotifyUser:
		a := NotifyUserAction{
			UserID:  configString(cfg, "user_id"),
			Message: configString(cfg, "message"),
		}
		if a.UserID == "" {
			a.UserID = OwnerRecipient
		}
		if a.Message == "" {
			return nil, fmt.Errorf("notify_user requires config.message")
		}
		return a, nil

	case db.ActionAssignTo:
		a := AssignToAction{
			UserID: configString(cfg, "user_id"),
			Queue:  configString(cfg, "queue"),
		}
		if (a.UserID == "") == (a.Queue == "") {
			return nil, fmt.Errorf("assign_to requires exactly one of user_id or queue")
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown action type %q", ra.Type)
}

type SendEmailAction struct {
	To       string // address, "owner", or "field:<name>"
	Subject  string
	Template string
}

func (SendEmailAction) Type() string { return db.ActionSendEmail }

func (a SendEmailAction) Execute(ctx context.Context, ac *ActionContext) error {
	n := newNotification(ac, db.NotificationEmail)
	switch {
	case a.To == OwnerRecipient:
		if ac.Snapshot.OwnerID == "" {
			return fmt.Errorf("entity %s has no owner to email", ac.Snapshot.ID)
		}
		n.UserID = ac.Snapshot.OwnerID
	case strings.HasPrefix(a.To, "field:"):
		v, ok := ac.Snapshot.Field(strings.TrimPrefix(a.To, "field:"))
		if !ok || v.IsEmpty() {
			return fmt.Errorf("recipient field %s is empty", a.To)
		}
		n.Recipient = v.String()
	default:
		n.Recipient = a.To
	}
	n.Title = renderTemplate(a.Subject, ac.Snapshot)
	n.Body = renderTemplate(a.Template, ac.Snapshot)
	n.Data["template"] = a.Template
	ac.Dispatcher.Dispatch(ctx, n)
	return nil
}

type CreateTaskAction struct {
	Title    string
	AssignTo string // user ID or "owner"; empty means owner
	DueIn    time.Duration
}

func (CreateTaskAction) Type() string { return db.ActionCreateTask }

func (a CreateTaskAction) Execute(ctx context.Context, ac *ActionContext) error {
	assignee := a.AssignTo
	if assignee == "" || assignee == OwnerRecipient {
		assignee = ac.Snapshot.OwnerID
	}
	task := db.Task{
		ID:         uuid.New().String(),
		EntityID:   ac.Snapshot.ID,
		RuleID:     ac.Rule.ID,
		Title:      renderTemplate(a.Title, ac.Snapshot),
		AssignedTo: assignee,
		CreatedAt:  ac.Now,
	}
	if a.DueIn > 0 {
		due := ac.Now.Add(a.DueIn)
		task.DueAt = &due
	}
	return ac.Store.CreateTask(ctx, task)
}

type UpdateFieldAction struct {
	Field string
	Value db.Value
}

func (UpdateFieldAction) Type() string { return db.ActionUpdateField }

func (a UpdateFieldAction) Execute(ctx context.Context, ac *ActionContext) error {
	return ac.Store.SetField(ctx, ac.Snapshot.ID, a.Field, a.Value)
}

type NotifyUserAction struct {
	UserID  string
	Message string
}

func (NotifyUserAction) Type() string { return db.ActionNotifyUser }

func (a NotifyUserAction) Execute(ctx context.Context, ac *ActionContext) error {
	userID := a.UserID
	if userID == OwnerRecipient {
		userID = ac.Snapshot.OwnerID
	}
	if userID == "" {
		return fmt.Errorf("entity %s has no owner to notify", ac.Snapshot.ID)
	}
	n := newNotification(ac, db.NotificationUser)
	n.UserID = userID
	n.Title = ac.Rule.Name
	n.Body = renderTemplate(a.Message, ac.Snapshot)
	ac.Dispatcher.Dispatch(ctx, n)
	return nil
}

type AssignToAction struct {
	UserID string
	Queue  string
}

func (AssignToAction) Type() string { return db.ActionAssignTo }

func (a AssignToAction) Execute(ctx context.Context, ac *ActionContext) error {
	if err := ac.Store.SetOwner(ctx, ac.Snapshot.ID, a.UserID, a.Queue); err != nil {
		return err
	}
	// ownership moved outside of rotation, so any pending deadline is void
	if err := ac.Store.DeleteRotationState(ctx, ac.Snapshot.ID); err != nil {
		return err
	}
	return ac.Store.RecordAssignment(ctx, db.AssignmentRecord{
		ID:         uuid.New().String(),
		EntityID:   ac.Snapshot.ID,
		UserID:     a.UserID,
		QueueName:  a.Queue,
		RuleID:     ac.Rule.ID,
		Kind:       db.AssignmentKindAction,
		Reason:     fmt.Sprintf("workflow rule '%s'", ac.Rule.Name),
		AssignedAt: ac.Now,
	})
}

func newNotification(ac *ActionContext, kind string) db.Notification {
	return db.Notification{
		ID:       uuid.New().String(),
		Type:     kind,
		EntityID: ac.Snapshot.ID,
		RuleID:   ac.Rule.ID,
		Data: map[string]interface{}{
			"event_type":  ac.Event.EventType,
			"entity_type": ac.Snapshot.EntityType,
		},
		CreatedAt: ac.Now,
	}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// renderTemplate substitutes {{field}} and {{lead.field}} placeholders with
// snapshot values. Unknown fields render as empty strings.
func renderTemplate(tmpl string, s *db.EntitySnapshot) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		v, ok := s.Field(name)
		if !ok {
			return ""
		}
		return v.String()
	})
}

func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func configNumber(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
