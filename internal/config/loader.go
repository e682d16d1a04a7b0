package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/CreditForge/internal/domain/notification"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "creditforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	// yaml.v3 merges mappings into existing maps; a rate table from the
	// file replaces the default one instead of extending it.
	var probe struct {
		Accounting struct {
			Resources map[string]Resource `yaml:"resources"`
		} `yaml:"accounting"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(probe.Accounting.Resources) > 0 {
		cfg.Accounting.Resources = nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CREDITFORGE_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CREDITFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CREDITFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CREDITFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CREDITFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CREDITFORGE_PG_HEALTH_CHECK")
	setString(&cfg.Measurement.DSN, "CREDITFORGE_MEASUREMENT_DSN")
	setString(&cfg.Measurement.Schema, "CREDITFORGE_MEASUREMENT_SCHEMA")
	setDuration(&cfg.Measurement.Step, "CREDITFORGE_MEASUREMENT_STEP")
	setInt32(&cfg.Measurement.MaxConns, "CREDITFORGE_MEASUREMENT_MAX_CONNS")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CREDITFORGE_NATS_STREAM")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CREDITFORGE_REDIS_DB")
	setDuration(&cfg.Redis.LockTTL, "CREDITFORGE_REDIS_LOCK_TTL")
	setString(&cfg.Portal.BaseURL, "CREDITFORGE_PORTAL_URL")
	setString(&cfg.Portal.APIKey, "CREDITFORGE_PORTAL_API_KEY")
	setString(&cfg.Portal.MailContactURL, "CREDITFORGE_PORTAL_MAIL_URL")
	setDuration(&cfg.Portal.Timeout, "CREDITFORGE_PORTAL_TIMEOUT")
	setString(&cfg.Logging.Level, "CREDITFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CREDITFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CREDITFORGE_LOG_ASYNC")
	setInt(&cfg.Logging.BufferSize, "CREDITFORGE_LOG_BUFFER_SIZE")
	setInt(&cfg.Breaker.MaxFailures, "CREDITFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CREDITFORGE_BREAKER_TIMEOUT")
	setUint(&cfg.Retry.MaxAttempts, "CREDITFORGE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialInterval, "CREDITFORGE_RETRY_INITIAL_INTERVAL")
	setDuration(&cfg.Retry.MaxInterval, "CREDITFORGE_RETRY_MAX_INTERVAL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CREDITFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CREDITFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "CREDITFORGE_CACHE_L2_TTL")
	setDuration(&cfg.Cache.GrantedTTL, "CREDITFORGE_CACHE_GRANTED_TTL")

	// OpenTelemetry
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTel.Insecure, "CREDITFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRate, "CREDITFORGE_OTEL_SAMPLE_RATE")

	// Notifications
	setList(&cfg.Notify.Enabled, "CREDITFORGE_NOTIFY_ENABLED")
	setDuration(&cfg.Notify.SendTimeout, "CREDITFORGE_NOTIFY_SEND_TIMEOUT")
	setUint(&cfg.Notify.MaxAttempts, "CREDITFORGE_NOTIFY_MAX_ATTEMPTS")
	setString(&cfg.Notify.Email.Host, "MAIL_SMTP_SERVER")
	setInt(&cfg.Notify.Email.Port, "MAIL_SMTP_PORT")
	setString(&cfg.Notify.Email.Username, "MAIL_SMTP_USER")
	setString(&cfg.Notify.Email.Password, "MAIL_SMTP_PASSWORD")
	setString(&cfg.Notify.Email.From, "MAIL_FROM")
	setList(&cfg.Notify.Email.To, "MAIL_TO")
	setList(&cfg.Notify.Email.Cc, "CLOUD_GOVERNANCE_MAIL")
	setString(&cfg.Notify.Email.Overwrite, "NOTIFICATION_TO_OVERWRITE")
	setBool(&cfg.Notify.Email.StartTLS, "CREDITFORGE_MAIL_STARTTLS")
	setString(&cfg.Notify.Slack.WebhookURL, "CREDITFORGE_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.Discord.WebhookURL, "CREDITFORGE_DISCORD_WEBHOOK_URL")

	// Accounting
	setInt(&cfg.Accounting.Workers, "CREDITFORGE_WORKERS")
	setInt32(&cfg.Accounting.Precision, "CREDITFORGE_PRECISION")
	setDuration(&cfg.Accounting.Interval, "CREDITFORGE_INTERVAL")
	setDuration(&cfg.Accounting.TaskTimeout, "CREDITFORGE_TASK_TIMEOUT")
	setList(&cfg.Accounting.ProjectWhitelist, "CREDITFORGE_PROJECT_WHITELIST")
	setResources(&cfg.Accounting.Resources, "CREDITFORGE_RESOURCES")
	setString(&cfg.Accounting.Thresholds.Warning, "CREDITFORGE_THRESHOLD_WARNING")
	setString(&cfg.Accounting.Thresholds.Critical, "CREDITFORGE_THRESHOLD_CRITICAL")
	setString(&cfg.Accounting.Thresholds.Exhausted, "CREDITFORGE_THRESHOLD_EXHAUSTED")
	setBool(&cfg.Accounting.NotifyOnRecovery, "CREDITFORGE_NOTIFY_ON_RECOVERY")
	setString(&cfg.Accounting.GapPolicy, "CREDITFORGE_GAP_POLICY")
	setString(&cfg.Accounting.LedgerDriver, "CREDITFORGE_LEDGER_DRIVER")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Accounting.LedgerDriver {
	case LedgerPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("accounting.ledger_driver %q is not supported", cfg.Accounting.LedgerDriver)
	}
	if cfg.Measurement.Step <= 0 {
		return errors.New("measurement.step must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Notify.MaxAttempts < 1 {
		return errors.New("notify.max_attempts must be >= 1")
	}
	// The lease is renewed while held, but a lock that could expire inside
	// one task deadline is never right.
	if cfg.Redis.Addr != "" && cfg.Redis.LockTTL <= cfg.Accounting.TaskTimeout {
		return errors.New("redis.lock_ttl must be greater than accounting.task_timeout")
	}
	return validateAccounting(&cfg.Accounting)
}

func validateAccounting(a *Accounting) error {
	if a.Workers < 1 {
		return errors.New("accounting.workers must be >= 1")
	}
	if a.Precision < 0 || a.Precision > 18 {
		return errors.New("accounting.precision must be between 0 and 18")
	}
	if a.Interval <= 0 {
		return errors.New("accounting.interval must be > 0")
	}
	if a.TaskTimeout <= 0 {
		return errors.New("accounting.task_timeout must be > 0")
	}
	if len(a.Resources) == 0 {
		return errors.New("accounting.resources is required")
	}
	for name, r := range a.Resources {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return fmt.Errorf("accounting.resources.%s.rate: %w", name, err)
		}
		if rate.IsNegative() {
			return fmt.Errorf("accounting.resources.%s.rate must be >= 0", name)
		}
		if r.Kind != "counter" && r.Kind != "delta" {
			return fmt.Errorf("accounting.resources.%s.kind must be counter or delta", name)
		}
	}
	if _, err := notification.ParseThresholds(a.Thresholds.Warning, a.Thresholds.Critical, a.Thresholds.Exhausted); err != nil {
		return fmt.Errorf("accounting.thresholds: %w", err)
	}
	if a.GapPolicy != GapRebaseline && a.GapPolicy != GapCarry {
		return fmt.Errorf("accounting.gap_policy %q is not supported", a.GapPolicy)
	}
	return nil
}

// Whitelisted reports whether project may be scheduled. An empty whitelist
// admits every project.
func (a *Accounting) Whitelisted(project string) bool {
	if len(a.ProjectWhitelist) == 0 {
		return true
	}
	for _, p := range a.ProjectWhitelist {
		if p == project {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint(n)
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList parses a semicolon separated list, e.g. "a;b;c".
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// setResources parses "metric=rate[:kind];..." into a rate table that
// replaces the current one. Malformed items are skipped.
func setResources(dst *map[string]Resource, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]Resource)
	for _, item := range strings.Split(v, ";") {
		name, entry, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || name == "" {
			continue
		}
		rate, kind, _ := strings.Cut(entry, ":")
		if kind == "" {
			kind = "counter"
		}
		out[name] = Resource{Rate: rate, Kind: kind, Name: name}
	}
	if len(out) > 0 {
		*dst = out
	}
}
