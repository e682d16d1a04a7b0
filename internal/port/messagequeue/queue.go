// Package messagequeue defines the event bus the engine publishes task
// results and threshold events on, and receives reload requests from.
package messagequeue

import "context"

// Handler processes one message. ctx carries the request and correlation
// IDs of the publisher. A returned error asks for redelivery.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and consumes JSON messages.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe consumes messages published after the call. The returned
	// function stops the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)
	// Drain stops consuming, flushes pending publishes and closes.
	Drain() error
	Close() error
	IsConnected() bool
}

// Subjects. All of them live under the credits.> stream.
const (
	SubjectNotifications = "credits.notifications" // credits.notifications.<threshold>
	SubjectConfigReload  = "credits.config.reload"
	SubjectTaskCompleted = "credits.tasks.completed"
)

// NotificationSubject returns the subject a threshold event is published on.
func NotificationSubject(prefix, threshold string) string {
	if prefix == "" {
		prefix = SubjectNotifications
	}
	return prefix + "." + threshold
}
