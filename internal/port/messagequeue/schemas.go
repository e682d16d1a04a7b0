package messagequeue

import "time"

// NotificationPayload is the schema for credits.notifications.* messages.
type NotificationPayload struct {
	Project   string    `json:"project"`
	Threshold string    `json:"threshold"`
	Balance   string    `json:"balance"`
	Used      string    `json:"used"`
	Granted   string    `json:"granted"`
	Resolved  bool      `json:"resolved,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigReloadPayload is the schema for credits.config.reload messages.
type ConfigReloadPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// TaskCompletedPayload is the schema for credits.tasks.completed messages.
type TaskCompletedPayload struct {
	ProjectID      string    `json:"project_id"`
	CorrelationID  string    `json:"correlation_id"`
	EntriesWritten int       `json:"entries_written"`
	Balance        string    `json:"balance"`
	Watermark      time.Time `json:"watermark"`
	Error          string    `json:"error,omitempty"`
}
