package services

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"google.golang.org/api/option"
)

// MessageSender is the part of the Firebase messaging client we use.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMService pushes user notifications to mobile devices.
type FCMService struct {
	Tokens PushTokenReader
	client MessageSender
}

// NewFCMService initializes Firebase messaging from a service account file.
// Push is optional: without credentials the service logs and skips delivery.
func NewFCMService(tokens PushTokenReader, credentialsFile string) *FCMService {
	service := &FCMService{Tokens: tokens}
	if credentialsFile == "" {
		log.Println("FCM Service: no credentials configured, push notifications disabled")
		return service
	}

	app, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		log.Printf("Firebase app not initialized: %v", err)
		return service
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("Firebase messaging client not initialized: %v", err)
		return service
	}

	service.client = client
	log.Println("FCM Service: Firebase messaging initialized")
	return service
}

// NewFCMServiceWithSender is used when the messaging client is built elsewhere.
func NewFCMServiceWithSender(tokens PushTokenReader, sender MessageSender) *FCMService {
	return &FCMService{Tokens: tokens, client: sender}
}

func (s *FCMService) Enabled() bool {
	return s.client != nil
}

// SendNotification pushes n to its user's device. Notifications without a
// user or users without a device token are skipped.
func (s *FCMService) SendNotification(ctx context.Context, n db.Notification) error {
	if s.client == nil || n.UserID == "" {
		return nil
	}

	token, err := s.Tokens.GetPushToken(ctx, n.UserID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("error fetching push token for %s: %w", n.UserID, err)
	}
	if token == "" {
		return nil
	}

	data := map[string]string{
		"notification_id": n.ID,
		"type":            n.Type,
		"entity_id":       n.EntityID,
	}
	if n.RuleID != "" {
		data["rule_id"] = n.RuleID
	}
	for k, v := range n.Data {
		if _, taken := data[k]; !taken {
			data[k] = fmt.Sprintf("%v", v)
		}
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:         "ic_notification",
				Sound:        "default",
				ChannelID:    "lead_updates",
				DefaultSound: true,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: n.Title,
						Body:  n.Body,
					},
					Sound: "default",
					CustomData: map[string]interface{}{
						"entity_id": n.EntityID,
						"type":      n.Type,
					},
				},
			},
		},
	}

	response, err := s.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending push to user %s: %w", n.UserID, err)
	}
	log.Printf("Sent push notification %s to user %s: %s", n.ID, n.UserID, response)
	return nil
}
