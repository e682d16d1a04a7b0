package email

import (
	"strconv"
	"strings"

	"github.com/Strob0t/CreditForge/internal/port/notifier"
)

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		port, _ := strconv.Atoi(config["port"])
		startTLS, _ := strconv.ParseBool(config["starttls"])
		return NewNotifier(SMTPConfig{
			Host:      config["host"],
			Port:      port,
			Username:  config["username"],
			Password:  config["password"],
			From:      config["from"],
			To:        splitList(config["to"]),
			Cc:        splitList(config["cc"]),
			Overwrite: config["overwrite"],
			StartTLS:  startTLS,
			Subject:   config["subject"],
			Body:      config["body"],
		})
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
