package services

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMessageSender
type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) Send(ctx context.Context, message *messaging.Message) (string, error) {
	args := m.Called(ctx, message)
	return args.String(0), args.Error(1)
}

func newPushFixture(t *testing.T) (*MemoryStore, *MockMessageSender, *FCMService) {
	t.Helper()
	store := NewMemoryStore()
	store.PutUser(User{ID: "U1", OrgID: "org-1", Role: "sales_rep", PushToken: "device-1"})
	store.PutUser(User{ID: "U2", OrgID: "org-1", Role: "sales_rep"})
	sender := new(MockMessageSender)
	return store, sender, NewFCMServiceWithSender(store, sender)
}

func TestFCMService_SendNotification(t *testing.T) {
	_, sender, fcm := newPushFixture(t)

	sender.On("Send", mock.Anything, mock.MatchedBy(func(m *messaging.Message) bool {
		return m.Token == "device-1" &&
			m.Notification.Title == "Lead reassigned" &&
			m.Data["notification_id"] == "n-1" &&
			m.Data["entity_id"] == "lead-1" &&
			m.Data["rule_id"] == "rule-1" &&
			m.Data["previous_user"] == "U9" &&
			m.Data["type"] == db.NotificationReassigned
	})).Return("projects/x/messages/1", nil).Once()

	err := fcm.SendNotification(context.Background(), db.Notification{
		ID:       "n-1",
		Type:     db.NotificationReassigned,
		UserID:   "U1",
		EntityID: "lead-1",
		RuleID:   "rule-1",
		Title:    "Lead reassigned",
		Body:     "lead-1 is now yours",
		Data: map[string]interface{}{
			"previous_user": "U9",
			"type":          "overridden",
		},
	})
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestFCMService_SkipsWithoutDevice(t *testing.T) {
	_, sender, fcm := newPushFixture(t)
	ctx := context.Background()

	// no token on file
	require.NoError(t, fcm.SendNotification(ctx, db.Notification{ID: "n-1", UserID: "U2"}))
	// unknown user
	require.NoError(t, fcm.SendNotification(ctx, db.Notification{ID: "n-2", UserID: "ghost"}))
	// no recipient user
	require.NoError(t, fcm.SendNotification(ctx, db.Notification{ID: "n-3", Type: db.NotificationEmail}))

	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestFCMService_Disabled(t *testing.T) {
	store := NewMemoryStore()
	fcm := NewFCMService(store, "")

	assert.False(t, fcm.Enabled())
	assert.NoError(t, fcm.SendNotification(context.Background(), db.Notification{ID: "n-1", UserID: "U1"}))
}

func TestFCMService_SendError(t *testing.T) {
	_, sender, fcm := newPushFixture(t)
	boom := errors.New("unavailable")
	sender.On("Send", mock.Anything, mock.Anything).Return("", boom)

	err := fcm.SendNotification(context.Background(), db.Notification{ID: "n-1", UserID: "U1"})
	assert.ErrorIs(t, err, boom)
}
