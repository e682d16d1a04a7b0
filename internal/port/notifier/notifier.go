// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`  // "info", "warning", "error"
	Source  string `json:"source"` // e.g. "credits.warning", "credits.resolved"

	// Threshold event details.
	Project   string    `json:"project"`
	Threshold string    `json:"threshold"`
	Balance   string    `json:"balance"`
	Used      string    `json:"used"`
	Granted   string    `json:"granted"`
	Resolved  bool      `json:"resolved,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	Structured     bool `json:"structured"` // delivers the event fields machine readable
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack", "email").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
