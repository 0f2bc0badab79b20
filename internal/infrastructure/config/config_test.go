package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestConfig writes a config file to a temp dir and returns its path.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const validSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	path := writeTestConfig(t, `
security:
  jwt:
    secret: "`+validSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "./data/gatekeep.db" {
		t.Errorf("default database path = %q", cfg.Database.Path)
	}
	if cfg.Scope.StalePolicy != PolicyGrace {
		t.Errorf("default stale policy = %q, want grace", cfg.Scope.StalePolicy)
	}
	if cfg.Scope.GracePeriod != 300 {
		t.Errorf("default grace period = %d, want 300", cfg.Scope.GracePeriod)
	}
	if cfg.WebSocket.MaxConnectionsPerPrincipal != 5 {
		t.Errorf("default connection cap = %d, want 5", cfg.WebSocket.MaxConnectionsPerPrincipal)
	}
	if cfg.Scope.FailOpenOnLookupError {
		t.Error("fail_open_on_lookup_error should default to false (fail closed)")
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should be disabled by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: /var/lib/gatekeep/state.db
scope:
  stale_policy: hard
  grace_period: 60
  fail_open_on_lookup_error: true
security:
  jwt:
    secret: "`+validSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/var/lib/gatekeep/state.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Scope.StalePolicy != PolicyHard {
		t.Errorf("stale policy = %q, want hard", cfg.Scope.StalePolicy)
	}
	if cfg.Scope.GracePeriod != 60 {
		t.Errorf("grace period = %d, want 60", cfg.Scope.GracePeriod)
	}
	if !cfg.Scope.FailOpenOnLookupError {
		t.Error("fail_open_on_lookup_error should be true from file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: /from/file.db
security:
  jwt:
    secret: "`+validSecret+`"
`)

	t.Setenv("GATEKEEP_DATABASE_PATH", "/from/env.db")
	t.Setenv("GATEKEEP_JWT_SECRET", strings.Repeat("s", 48))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/from/env.db" {
		t.Errorf("database path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Security.JWT.Secret != strings.Repeat("s", 48) {
		t.Error("jwt secret should come from environment")
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeTestConfig(t, `
database:
  path: /tmp/test.db
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should fail without a JWT secret")
	}
	if !strings.Contains(err.Error(), "jwt.secret") {
		t.Errorf("error should mention jwt.secret: %v", err)
	}
}

func TestLoad_ShortSecret(t *testing.T) {
	path := writeTestConfig(t, `
security:
  jwt:
    secret: "too-short"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject secrets under 32 characters")
	}
}

func TestLoad_InvalidStalePolicy(t *testing.T) {
	path := writeTestConfig(t, `
scope:
  stale_policy: lenient
security:
  jwt:
    secret: "`+validSecret+`"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should reject unknown stale policies")
	}
	if !strings.Contains(err.Error(), "stale_policy") {
		t.Errorf("error should mention stale_policy: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.Scope.GetGracePeriod().Seconds(); got != 300 {
		t.Errorf("grace period = %vs, want 300s", got)
	}
	if got := cfg.Scope.GetReconciliationInterval().Seconds(); got != 30 {
		t.Errorf("reconciliation interval = %vs, want 30s", got)
	}
	if got := cfg.Scope.GetRecencyWindow().Minutes(); got != 30 {
		t.Errorf("recency window = %vm, want 30m", got)
	}
	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("read timeout = %vs, want 30s", got)
	}
}
