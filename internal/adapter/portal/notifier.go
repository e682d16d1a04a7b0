package portal

import (
	"context"
	"time"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
)

// Notifier forwards threshold events to the portal mail contact endpoint.
type Notifier struct {
	client *Client
}

// NewNotifier wraps a portal client.
func NewNotifier(c *Client) *Notifier {
	return &Notifier{client: c}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{Structured: true}
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	return n.client.InformThreshold(ctx, notification)
}

func init() {
	notifier.Register(providerName, func(cfg map[string]string) (notifier.Notifier, error) {
		timeout, _ := time.ParseDuration(cfg["timeout"])
		return NewNotifier(NewClient(config.Portal{
			BaseURL:        cfg["base_url"],
			APIKey:         cfg["api_key"],
			MailContactURL: cfg["mail_contact_url"],
			Timeout:        timeout,
		})), nil
	})
}
