package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trunkdial.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
api:
  host: 127.0.0.1
  port: 9090
  enable_cors: true
  jwt_secret: testing-secret
ami:
  host: 10.0.0.5
  port: 5038
  username: dialer
  secret: s3cret
  context: outbound
database:
  host: db.local
  port: 3306
  username: trunkdial
  password: pw
  database: trunkdial
dialer:
  poll_interval_ms: 250
  originate_timeout_s: 30
  status_broadcast_s: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := cfg.API.Address(); got != "127.0.0.1:9090" {
		t.Errorf("api address = %s", got)
	}
	if got := cfg.AMI.Address(); got != "10.0.0.5:5038" {
		t.Errorf("ami address = %s", got)
	}
	if cfg.AMI.Context != "outbound" {
		t.Errorf("ami context = %s", cfg.AMI.Context)
	}
	if got := cfg.Dialer.PollInterval(); got != 250*time.Millisecond {
		t.Errorf("poll interval = %s", got)
	}
	if got := cfg.Dialer.OriginateTimeout(); got != 30*time.Second {
		t.Errorf("originate timeout = %s", got)
	}
	want := "trunkdial:pw@tcp(db.local:3306)/trunkdial?parseTime=true&charset=utf8mb4"
	if got := cfg.Database.DSN(); got != want {
		t.Errorf("dsn = %s, want %s", got, want)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 8080
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AMI.Context != "trunkdial-out" {
		t.Errorf("default ami context = %s", cfg.AMI.Context)
	}
	if cfg.AMI.ReconnectInterval != 5 {
		t.Errorf("default reconnect = %d", cfg.AMI.ReconnectInterval)
	}
	if cfg.Database.MaxOpenConns != 25 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("default pool = %d/%d", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
	if cfg.Dialer.PollInterval() != 500*time.Millisecond {
		t.Errorf("default poll = %s", cfg.Dialer.PollInterval())
	}
	if cfg.Dialer.OriginateTimeout() != 45*time.Second {
		t.Errorf("default originate timeout = %s", cfg.Dialer.OriginateTimeout())
	}
	if cfg.Dialer.StatusBroadcast() != 3*time.Second {
		t.Errorf("default broadcast = %s", cfg.Dialer.StatusBroadcast())
	}
	if cfg.Dialer.MaxCallDuration() != 600*time.Second {
		t.Errorf("default max call duration = %s", cfg.Dialer.MaxCallDuration())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  username: from-file
  password: from-file
`)

	t.Setenv("TRUNKDIAL_DB_USERNAME", "from-env")
	t.Setenv("TRUNKDIAL_DB_PASSWORD", "env-pw")
	t.Setenv("TRUNKDIAL_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Database.Username != "from-env" || cfg.Database.Password != "env-pw" {
		t.Errorf("db credentials = %s/%s", cfg.Database.Username, cfg.Database.Password)
	}
	if cfg.API.JWTSecret != "env-secret" {
		t.Errorf("jwt secret = %s", cfg.API.JWTSecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
