package postgres

import (
	"os"
	"strings"
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"PGHOST", "PGPORT", "PGDATABASE", "PGUSER", "PGPASSWORD", "PGSSLMODE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Host != "postgres-dbt" || cfg.Port != 5432 || cfg.Database != "analytics" || cfg.User != "dbt_user" || cfg.Password != "dbt_password" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "6543")
	t.Setenv("PGDATABASE", "warehouse")
	t.Setenv("PGUSER", "loader")
	t.Setenv("PGPASSWORD", "s3cret")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Host != "db.internal" || cfg.Port != 6543 || cfg.Database != "warehouse" || cfg.User != "loader" || cfg.Password != "s3cret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigFromEnvInvalidPort(t *testing.T) {
	t.Setenv("PGPORT", "not-a-port")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{Host: "h", Port: 5432, Database: "d", User: "u", PingTimeout: 1, MaxOpenConns: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	bad := base
	bad.Port = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected port error")
	}
	bad = base
	bad.MaxIdleConns = 2
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected idle conns error")
	}
}

func TestURLEscapesCredentials(t *testing.T) {
	cfg := Config{Host: "localhost", Port: 5432, Database: "analytics", User: "dbt_user", Password: "p@ss:/word", SSLMode: "disable"}
	got := cfg.URL()
	if !strings.HasPrefix(got, "postgres://dbt_user:") {
		t.Fatalf("URL()=%q", got)
	}
	if strings.Contains(got, "p@ss:/word") {
		t.Fatalf("password not escaped: %q", got)
	}
	if !strings.HasSuffix(got, "@localhost:5432/analytics?sslmode=disable") {
		t.Fatalf("URL()=%q", got)
	}
}

func TestLogAttrsOmitPassword(t *testing.T) {
	cfg := Config{Host: "h", Port: 1, Database: "d", User: "u", Password: "secret"}
	for _, v := range cfg.LogAttrs() {
		if s, ok := v.(string); ok && s == "secret" {
			t.Fatalf("password leaked into log attrs")
		}
	}
}
