package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Accounting.Workers != 10 {
		t.Errorf("expected 10 workers, got %d", cfg.Accounting.Workers)
	}
	if cfg.Accounting.Precision != 2 {
		t.Errorf("expected precision 2, got %d", cfg.Accounting.Precision)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if got := cfg.Accounting.Resources["project_mb_usage"].Rate; got != "0.3" {
		t.Errorf("expected RAM rate 0.3, got %s", got)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
postgres:
  max_conns: 20
logging:
  level: "debug"
accounting:
  workers: 3
  project_whitelist: ["alpha", "beta"]
  thresholds:
    warning: "25%"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Accounting.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Accounting.Workers)
	}
	if len(cfg.Accounting.ProjectWhitelist) != 2 {
		t.Errorf("expected 2 whitelisted projects, got %v", cfg.Accounting.ProjectWhitelist)
	}
	if cfg.Accounting.Thresholds.Warning != "25%" {
		t.Errorf("expected warning 25%%, got %s", cfg.Accounting.Thresholds.Warning)
	}
	// Unchanged fields keep defaults
	if cfg.Accounting.Thresholds.Critical != "10%" {
		t.Errorf("expected default critical threshold, got %s", cfg.Accounting.Thresholds.Critical)
	}
	if len(cfg.Accounting.Resources) != 2 {
		t.Errorf("expected default rate table, got %v", cfg.Accounting.Resources)
	}
}

func TestLoadYAMLReplacesRateTable(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")
	content := `
accounting:
  resources:
    gpu_hours:
      rate: "4.5"
      kind: delta
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if len(cfg.Accounting.Resources) != 1 {
		t.Fatalf("expected rate table to be replaced, got %v", cfg.Accounting.Resources)
	}
	if r := cfg.Accounting.Resources["gpu_hours"]; r.Rate != "4.5" || r.Kind != "delta" {
		t.Errorf("unexpected resource %+v", r)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CREDITFORGE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("CREDITFORGE_PG_MAX_CONNS", "25")
	t.Setenv("CREDITFORGE_LOG_LEVEL", "warn")
	t.Setenv("CREDITFORGE_BREAKER_TIMEOUT", "1m")
	t.Setenv("CREDITFORGE_WORKERS", "4")
	t.Setenv("CREDITFORGE_PRECISION", "3")
	t.Setenv("CREDITFORGE_PROJECT_WHITELIST", "alpha; beta;;gamma")
	t.Setenv("CREDITFORGE_RESOURCES", "project_vcpu_usage=2;gpu=7.5:delta;broken")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Accounting.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Accounting.Workers)
	}
	if cfg.Accounting.Precision != 3 {
		t.Errorf("expected precision 3, got %d", cfg.Accounting.Precision)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(cfg.Accounting.ProjectWhitelist) != len(want) {
		t.Fatalf("expected whitelist %v, got %v", want, cfg.Accounting.ProjectWhitelist)
	}
	for i := range want {
		if cfg.Accounting.ProjectWhitelist[i] != want[i] {
			t.Errorf("whitelist[%d]: expected %s, got %s", i, want[i], cfg.Accounting.ProjectWhitelist[i])
		}
	}
	if len(cfg.Accounting.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %v", cfg.Accounting.Resources)
	}
	if r := cfg.Accounting.Resources["project_vcpu_usage"]; r.Rate != "2" || r.Kind != "counter" {
		t.Errorf("unexpected vcpu resource %+v", r)
	}
	if r := cfg.Accounting.Resources["gpu"]; r.Rate != "7.5" || r.Kind != "delta" {
		t.Errorf("unexpected gpu resource %+v", r)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CREDITFORGE_WORKERS", "many")
	t.Setenv("CREDITFORGE_INTERVAL", "soon")

	loadEnv(&cfg)

	if cfg.Accounting.Workers != 10 {
		t.Errorf("expected default workers, got %d", cfg.Accounting.Workers)
	}
	if cfg.Accounting.Interval != 5*time.Minute {
		t.Errorf("expected default interval, got %v", cfg.Accounting.Interval)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero workers",
			modify: func(c *Config) { c.Accounting.Workers = 0 },
			errMsg: "accounting.workers must be >= 1",
		},
		{
			name:   "negative precision",
			modify: func(c *Config) { c.Accounting.Precision = -1 },
			errMsg: "accounting.precision must be between 0 and 18",
		},
		{
			name:   "empty rate table",
			modify: func(c *Config) { c.Accounting.Resources = nil },
			errMsg: "accounting.resources is required",
		},
		{
			name: "negative rate",
			modify: func(c *Config) {
				c.Accounting.Resources = map[string]Resource{"cpu": {Rate: "-1", Kind: "counter"}}
			},
			errMsg: "accounting.resources.cpu.rate must be >= 0",
		},
		{
			name: "unknown kind",
			modify: func(c *Config) {
				c.Accounting.Resources = map[string]Resource{"cpu": {Rate: "1", Kind: "gauge"}}
			},
			errMsg: "accounting.resources.cpu.kind must be counter or delta",
		},
		{
			name:   "unknown gap policy",
			modify: func(c *Config) { c.Accounting.GapPolicy = "fill" },
			errMsg: `accounting.gap_policy "fill" is not supported`,
		},
		{
			name: "lock ttl not above task timeout",
			modify: func(c *Config) {
				c.Redis.Addr = "localhost:6379"
				c.Redis.LockTTL = c.Accounting.TaskTimeout
			},
			errMsg: "redis.lock_ttl must be greater than accounting.task_timeout",
		},
		{
			name: "unordered thresholds",
			modify: func(c *Config) {
				c.Accounting.Thresholds = Thresholds{Warning: "10", Critical: "50", Exhausted: "0"}
			},
			errMsg: "accounting.thresholds: threshold critical (50) must be below warning (10)",
		},
		{
			name:   "unknown ledger driver",
			modify: func(c *Config) { c.Accounting.LedgerDriver = "sqlite" },
			errMsg: `accounting.ledger_driver "sqlite" is not supported`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidateMemoryDriverSkipsDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Accounting.LedgerDriver = LedgerMemory
	cfg.Postgres.DSN = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("memory ledger should not require a DSN, got %v", err)
	}
}

func TestValidateThresholds(t *testing.T) {
	cfg := Defaults()
	cfg.Accounting.Thresholds.Critical = "ten%"
	if err := validate(&cfg); err == nil {
		t.Error("expected error for malformed threshold")
	}

	cfg = Defaults()
	cfg.Accounting.Thresholds.Warning = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("empty threshold disables the level, got %v", err)
	}

	cfg = Defaults()
	cfg.Redis.Addr = "localhost:6379"
	if err := validate(&cfg); err != nil {
		t.Errorf("default lock ttl should exceed the task timeout, got %v", err)
	}
}

func TestWhitelisted(t *testing.T) {
	a := Accounting{}
	if !a.Whitelisted("anything") {
		t.Error("empty whitelist should admit every project")
	}

	a.ProjectWhitelist = []string{"alpha"}
	if !a.Whitelisted("alpha") {
		t.Error("expected alpha to be whitelisted")
	}
	if a.Whitelisted("beta") {
		t.Error("expected beta to be rejected")
	}
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"--port", "9090", "--log-level", "debug", "--workers", "2"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "9090" {
		t.Errorf("expected port 9090, got %v", flags.Port)
	}
	if flags.LogLevel == nil || *flags.LogLevel != "debug" {
		t.Errorf("expected log-level debug, got %v", flags.LogLevel)
	}
	if flags.Workers == nil || *flags.Workers != 2 {
		t.Errorf("expected workers 2, got %v", flags.Workers)
	}
	// Unset flags remain nil
	if flags.DSN != nil {
		t.Errorf("expected nil DSN, got %v", *flags.DSN)
	}
	if flags.ConfigPath != nil {
		t.Errorf("expected nil ConfigPath, got %v", *flags.ConfigPath)
	}
}

func TestParseFlagsShorthand(t *testing.T) {
	flags, err := ParseFlags([]string{"-p", "7070", "-c", "custom.yaml"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "7070" {
		t.Errorf("expected port 7070, got %v", flags.Port)
	}
	if flags.ConfigPath == nil || *flags.ConfigPath != "custom.yaml" {
		t.Errorf("expected config custom.yaml, got %v", flags.ConfigPath)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	_, err := ParseFlags([]string{"--unknown-flag"})
	if err == nil {
		t.Error("expected error for unknown flag, got nil")
	}
}

func TestCLIOverridesEnv(t *testing.T) {
	t.Setenv("CREDITFORGE_PORT", "7070")
	t.Setenv("CREDITFORGE_WORKERS", "6")

	flags, err := ParseFlags([]string{"--port", "3333", "--workers", "1", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	if err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadWithCLI(flags)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "3333" {
		t.Errorf("expected CLI port 3333 to override ENV 7070, got %s", cfg.Server.Port)
	}
	if cfg.Accounting.Workers != 1 {
		t.Errorf("expected CLI workers 1 to override ENV 6, got %d", cfg.Accounting.Workers)
	}
}
