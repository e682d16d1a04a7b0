package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
)

// Notifier publishes threshold events as JSON on <prefix>.<threshold>.
type Notifier struct {
	queue  messagequeue.Queue
	prefix string
}

// NewNotifier creates a notifier publishing through queue.
func NewNotifier(queue messagequeue.Queue, prefix string) *Notifier {
	return &Notifier{queue: queue, prefix: prefix}
}

func (n *Notifier) Name() string { return "nats" }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{Structured: true}
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error { //nolint:gocritic // hugeParam: interface signature
	if n.queue == nil {
		return notifier.ErrNotConfigured
	}
	data, err := json.Marshal(messagequeue.NotificationPayload{
		Project:   notification.Project,
		Threshold: notification.Threshold,
		Balance:   notification.Balance,
		Used:      notification.Used,
		Granted:   notification.Granted,
		Resolved:  notification.Resolved,
		Timestamp: notification.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("nats notifier marshal: %w", err)
	}
	return n.queue.Publish(ctx, messagequeue.NotificationSubject(n.prefix, notification.Threshold), data)
}
