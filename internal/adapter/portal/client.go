// Package portal provides an HTTP client for the cloud portal that owns
// granted-credit allotments and mails project maintainers.
package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
	"github.com/Strob0t/CreditForge/internal/port/pmprovider"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

const providerName = "portal"

// Client talks to the portal API.
type Client struct {
	baseURL    string
	apiKey     string
	mailURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// Compile-time interface check.
var _ pmprovider.Provider = (*Client)(nil)

// NewClient creates a portal client.
func NewClient(cfg config.Portal) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		mailURL:    cfg.MailContactURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
// Unknown projects do not count as failures.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	b.SetIgnore(func(err error) bool { return errors.Is(err, domain.ErrNotFound) })
	c.breaker = b
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// GrantedCredits returns the credits granted to a project. The portal
// answers with a bare number.
func (c *Client) GrantedCredits(ctx context.Context, projectID string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, pmprovider.ErrNotSupported
	}
	q := url.Values{"project_name": {projectID}}
	body, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/secure/granted-credits/?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("granted credits %s: %w", projectID, err)
	}
	granted, err := decimal.NewFromString(strings.TrimSpace(string(body)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("granted credits %s: parse %q: %w", projectID, body, err)
	}
	return granted, nil
}

// ReportUsage publishes the used credits of a project.
func (c *Client) ReportUsage(ctx context.Context, projectID string, used decimal.Decimal) error {
	if c.baseURL == "" {
		return pmprovider.ErrNotSupported
	}
	form := url.Values{
		"project_name": {projectID},
		"used_credits": {used.String()},
	}
	if _, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/secure/used-credits/", form); err != nil {
		return fmt.Errorf("report usage %s: %w", projectID, err)
	}
	return nil
}

// InformThreshold asks the portal to mail the project maintainers about a
// threshold crossing.
func (c *Client) InformThreshold(ctx context.Context, n notifier.Notification) error { //nolint:gocritic // hugeParam
	if c.mailURL == "" {
		return notifier.ErrNotConfigured
	}
	form := url.Values{
		"project_name":    {n.Project},
		"granted_credits": {n.Granted},
		"used_credits":    {n.Used},
		"threshold":       {n.Threshold},
		"timestamp":       {strconv.FormatInt(n.Timestamp.Unix(), 10)},
	}
	if n.Resolved {
		form.Set("resolved", "true")
	}
	if _, err := c.doRequest(ctx, http.MethodPost, c.mailURL, form); err != nil {
		return fmt.Errorf("inform threshold %s: %w", n.Project, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, target string, form url.Values) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if form != nil {
			bodyReader = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req) //nolint:gosec // portal URL from trusted config
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			return domain.ErrNotFound
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("portal API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
