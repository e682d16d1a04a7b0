package main

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/Strob0t/CreditForge/internal/adapter/discord" // registers "discord"
	_ "github.com/Strob0t/CreditForge/internal/adapter/email"   // registers "email"
	cfnats "github.com/Strob0t/CreditForge/internal/adapter/nats"
	"github.com/Strob0t/CreditForge/internal/adapter/portal"
	_ "github.com/Strob0t/CreditForge/internal/adapter/slack"   // registers "slack"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
)

// buildNotifiers creates every notifier named in notify.enabled. The nats
// and portal notifiers reuse the service's queue and portal client; the
// others come from the notifier registry.
func buildNotifiers(cfg *config.Config, queue messagequeue.Queue, portalClient *portal.Client) ([]notifier.Notifier, error) {
	out := make([]notifier.Notifier, 0, len(cfg.Notify.Enabled))
	for _, name := range cfg.Notify.Enabled {
		switch name {
		case "nats":
			if queue == nil {
				return nil, fmt.Errorf("notifier nats: nats.url is not set")
			}
			out = append(out, cfnats.NewNotifier(queue, cfg.Notify.NATSSubject))
		case "portal":
			if portalClient == nil {
				return nil, fmt.Errorf("notifier portal: portal.base_url is not set")
			}
			out = append(out, portal.NewNotifier(portalClient))
		default:
			n, err := notifier.New(name, notifierConfig(name, &cfg.Notify))
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// notifierConfig flattens a notifier's config section into the registry
// factory format.
func notifierConfig(name string, n *config.Notify) map[string]string {
	switch name {
	case "email":
		e := n.Email
		return map[string]string{
			"host":      e.Host,
			"port":      strconv.Itoa(e.Port),
			"username":  e.Username,
			"password":  e.Password,
			"from":      e.From,
			"to":        strings.Join(e.To, ","),
			"cc":        strings.Join(e.Cc, ","),
			"overwrite": e.Overwrite,
			"starttls":  strconv.FormatBool(e.StartTLS),
			"subject":   e.Subject,
			"body":      e.Body,
		}
	case "slack":
		return map[string]string{"webhook_url": n.Slack.WebhookURL}
	case "discord":
		return map[string]string{"webhook_url": n.Discord.WebhookURL}
	default:
		return map[string]string{}
	}
}
