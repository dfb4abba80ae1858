package server

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "SERVER_PORT", "ALLOWED_ORIGINS", "MAX_MESSAGE_SIZE",
		"RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_INTERVAL", "API_RATE_LIMIT_BURST",
		"API_RATE_LIMIT_REFILL_INTERVAL", "SHUTDOWN_TIMEOUT", "JWT_SECRET", "JWT_ALGORITHM",
		"DATABASE_URL", "RELAY_URL", "RELAY_TOPIC", "DEFAULT_ROOM", "HISTORY_LIMIT",
		"SEND_BUFFER_SIZE", "WRITE_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

// TestNewConfigFromEnv tests environment overrides. It verifies that valid
// values replace the defaults and invalid ones fall back to them.
func TestNewConfigFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("SHUTDOWN_TIMEOUT", "750ms")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RELAY_URL", "redis://localhost:6379/0")
	t.Setenv("DEFAULT_ROOM", "  lobby ")
	t.Setenv("HISTORY_LIMIT", "0")
	t.Setenv("WRITE_TIMEOUT", "nonsense")
	t.Setenv("LOG_FORMAT", "json")

	cfg := NewConfigFromEnv()

	if cfg.Port != ":9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 4096 {
		t.Errorf("MaxMessageSize = %d, want default", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.RefillInterval != 2*time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.ShutdownTimeout != 750*time.Millisecond {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.Auth.Secret != "s3cret" || cfg.Auth.Algorithm != "HS256" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Relay.URL != "redis://localhost:6379/0" || cfg.Relay.Topic == "" {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Realtime.DefaultRoom != "lobby" || cfg.Realtime.HistoryLimit != 0 {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.Realtime.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want default", cfg.Realtime.WriteTimeout)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "collabhub.yaml")
	yaml := `
port: ":7000"
allowed_origins: ["https://app.example"]
max_message_size: 8192
auth:
  secret: from-file
  algorithm: HS512
relay:
  url: nats://localhost:4222
realtime:
  default_room: ops
  history_limit: 20
  pong_wait: 30s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != ":7001" {
		t.Errorf("env should override file: Port = %q", cfg.Port)
	}
	if cfg.MaxMessageSize != 8192 || cfg.Auth.Secret != "from-file" || cfg.Auth.Algorithm != "HS512" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Relay.URL != "nats://localhost:4222" || cfg.Realtime.DefaultRoom != "ops" {
		t.Errorf("nested values not applied: %+v %+v", cfg.Relay, cfg.Realtime)
	}
	if cfg.Realtime.PongWait != 30*time.Second || cfg.Realtime.HistoryLimit != 20 {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.Realtime.SendBufferSize != 256 {
		t.Errorf("SendBufferSize = %d, want default", cfg.Realtime.SendBufferSize)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	clearConfigEnv(t)

	if _, err := LoadConfig(""); err == nil {
		t.Error("expected an error without JWT_SECRET")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("port: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "x")
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected a parse error")
	}

	t.Setenv("CONFIG_FILE", bad)
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected CONFIG_FILE to be read")
	}
}

func TestHubConfigMapping(t *testing.T) {
	cfg := NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 4, RefillInterval: 2 * time.Second}
	cfg.Realtime.HistoryLimit = 0
	cfg.Realtime.PongWait = 5 * time.Second

	hc := cfg.HubConfig()
	if hc.PongWait != 5*time.Second {
		t.Errorf("PongWait = %v", hc.PongWait)
	}
	if hc.RateBurst != 4 || hc.RateInterval != 500*time.Millisecond {
		t.Errorf("rate = %d per %v", hc.RateBurst, hc.RateInterval)
	}
	if hc.HistoryLimit >= 0 {
		t.Errorf("HistoryLimit = %d, want history disabled", hc.HistoryLimit)
	}
	if hc.DefaultRoom != "general" || hc.RelayTopic != "collabhub:broadcast" {
		t.Errorf("HubConfig = %+v", hc)
	}
}
