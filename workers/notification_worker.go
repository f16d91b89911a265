package workers

import (
	"context"
	"log"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
)

const (
	maxDeliveryAttempts = 3
	deliveryBackoff     = 200 * time.Millisecond
)

// NotificationWorker delivers notifications off the rule-evaluation path.
// It implements services.Dispatcher: Dispatch only enqueues.
type NotificationWorker struct {
	Sink       services.NotificationSink
	FCMService *services.FCMService
	queue      chan db.Notification
}

func NewNotificationWorker(sink services.NotificationSink, fcmService *services.FCMService, queueSize int) *NotificationWorker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &NotificationWorker{
		Sink:       sink,
		FCMService: fcmService,
		queue:      make(chan db.Notification, queueSize),
	}
}

// Dispatch queues n for delivery. When the queue is full the outbox write
// happens inline so the intent is never dropped.
func (w *NotificationWorker) Dispatch(ctx context.Context, n db.Notification) {
	select {
	case w.queue <- n:
	default:
		log.Printf("Notification queue full, writing %s inline", n.ID)
		w.emit(ctx, n)
	}
}

// Pending reports how many notifications are waiting for delivery.
func (w *NotificationWorker) Pending() int {
	return len(w.queue)
}

// StartNotificationWorker delivers queued notifications until ctx is done,
// then drains whatever is still queued.
func (w *NotificationWorker) StartNotificationWorker(ctx context.Context) {
	log.Println("Notification worker started")
	for {
		select {
		case n := <-w.queue:
			w.deliver(ctx, n)
		case <-ctx.Done():
			w.drain()
			log.Println("Notification worker stopped")
			return
		}
	}
}

func (w *NotificationWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case n := <-w.queue:
			w.deliver(ctx, n)
		default:
			return
		}
	}
}

func (w *NotificationWorker) deliver(ctx context.Context, n db.Notification) {
	if !w.emit(ctx, n) {
		return
	}
	if w.FCMService == nil || n.Type == db.NotificationEmail {
		return
	}
	if err := w.FCMService.SendNotification(ctx, n); err != nil {
		log.Printf("Push delivery failed for notification %s: %v", n.ID, err)
	}
}

// emit writes n to the outbox, retrying a bounded number of times.
func (w *NotificationWorker) emit(ctx context.Context, n db.Notification) bool {
	var err error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if err = w.Sink.EmitNotification(ctx, n); err == nil {
			return true
		}
		if attempt < maxDeliveryAttempts {
			select {
			case <-ctx.Done():
				attempt = maxDeliveryAttempts
			case <-time.After(deliveryBackoff * time.Duration(attempt)):
			}
		}
	}
	log.Printf("Failed to emit notification %s after %d attempts: %v", n.ID, maxDeliveryAttempts, err)
	return false
}
