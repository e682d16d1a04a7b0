package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/Strob0t/CreditForge/internal/adapter/otel"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

// NotificationService tracks threshold state per project and dispatches
// events to all registered notifiers.
type NotificationService struct {
	store     ledger.Store
	notifiers []notifier.Notifier
	timeout   time.Duration
	retry     resilience.RetryPolicy
	metrics   *cfotel.Metrics
}

// NewNotificationService creates a NotificationService. Every send is
// bounded by cfg.SendTimeout and tried at most cfg.MaxAttempts times.
func NewNotificationService(store ledger.Store, notifiers []notifier.Notifier, cfg config.Notify) *NotificationService {
	return &NotificationService{
		store:     store,
		notifiers: notifiers,
		timeout:   cfg.SendTimeout,
		retry: resilience.RetryPolicy{
			MaxAttempts:     cfg.MaxAttempts,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

// SetMetrics attaches metric instruments.
func (s *NotificationService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Track evaluates an observation against the stored state of a project. A
// state change is persisted before the event is dispatched, so an event is
// emitted at most once even if dispatch fails.
func (s *NotificationService) Track(ctx context.Context, projectID string, obs notification.Observation, ts notification.Thresholds, p notification.Policy) (*notification.Event, error) {
	st, err := s.store.NotificationState(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load notification state: %w", err)
	}

	next, ev := notification.Evaluate(st, obs, ts, p)
	if stateChanged(st, next) {
		if err := s.store.SaveNotificationState(ctx, next); err != nil {
			return nil, fmt.Errorf("save notification state: %w", err)
		}
		if ev == nil && next.Level != st.Level {
			slog.InfoContext(ctx, "notification level regressed after top-up",
				"from", st.Level, "to", next.Level, "granted", obs.Granted)
		}
	}
	if ev == nil {
		return nil, nil
	}

	ev.ProjectID = projectID
	slog.InfoContext(ctx, "notification threshold crossed",
		"level", ev.Level, "previous", ev.Previous, "resolved", ev.Resolved, "remaining", ev.Remaining)
	if s.metrics != nil {
		s.metrics.Notifications.Add(ctx, 1, cfotel.Project(projectID))
	}
	s.Notify(ctx, EventNotification(ev))
	return ev, nil
}

// Notify sends a notification to all registered notifiers.
// Errors are logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) { //nolint:gocritic // hugeParam
	ctx, span := cfotel.StartNotifySpan(ctx, n.Project, n.Threshold)
	defer span.End()

	for _, provider := range s.notifiers {
		err := resilience.Do(ctx, s.retry, "notify "+provider.Name(), func(ctx context.Context) error {
			sendCtx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			return provider.Send(sendCtx, n)
		}, nil)
		if err != nil {
			slog.WarnContext(ctx, "notification send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.DebugContext(ctx, "notification sent", "provider", provider.Name(), "title", n.Title)
	}
}

func stateChanged(a, b notification.State) bool {
	return a.Level != b.Level || !a.LastGranted.Equal(b.LastGranted) || !a.TransitionAt.Equal(b.TransitionAt)
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}

// EventNotification renders a threshold event for the notifiers.
func EventNotification(ev *notification.Event) notifier.Notification {
	n := notifier.Notification{
		Project:   ev.ProjectID,
		Threshold: ev.Level.String(),
		Balance:   ev.Remaining.String(),
		Used:      ev.Used().String(),
		Granted:   ev.Granted.String(),
		Resolved:  ev.Resolved,
		Timestamp: ev.At,
		Source:    "credits." + ev.Level.String(),
	}
	switch {
	case ev.Resolved:
		n.Level = "info"
		n.Source = "credits.resolved"
		n.Title = fmt.Sprintf("Credits topped up for project %s", ev.ProjectID)
		n.Message = fmt.Sprintf("Project %s is back to %s with %s of %s credits remaining.",
			ev.ProjectID, ev.Level, ev.Remaining, ev.Granted)
	case ev.Level == notification.LevelWarning:
		n.Level = "warning"
		n.Title = fmt.Sprintf("Credits running low for project %s", ev.ProjectID)
		n.Message = fmt.Sprintf("Project %s has used %s of %s credits, %s remaining.",
			ev.ProjectID, ev.Used(), ev.Granted, ev.Remaining)
	default:
		n.Level = "error"
		n.Title = fmt.Sprintf("Credits %s for project %s", ev.Level, ev.ProjectID)
		n.Message = fmt.Sprintf("Project %s has used %s of %s credits, %s remaining.",
			ev.ProjectID, ev.Used(), ev.Granted, ev.Remaining)
	}
	return n
}
