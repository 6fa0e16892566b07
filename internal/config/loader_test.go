package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
)

func TestValidate_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("expected error for missing api key, got nil")
	}
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("error should wrap ErrMissingAPIKey, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "bananas" },
			wantSub: "server.log_level",
		},
		{
			name:    "public url without host",
			mutate:  func(c *config.Config) { c.Server.PublicURL = "https://" },
			wantSub: "has no host",
		},
		{
			name:    "public url scheme",
			mutate:  func(c *config.Config) { c.Server.PublicURL = "ftp://relay.example.com" },
			wantSub: "scheme",
		},
		{
			name:    "audio mode",
			mutate:  func(c *config.Config) { c.Relay.AudioMode = "opus" },
			wantSub: "relay.audio_mode",
		},
		{
			name: "ulaw at wrong rate",
			mutate: func(c *config.Config) {
				c.Relay.AudioMode = "g711_ulaw"
				c.Relay.BackendSampleRate = 16000
			},
			wantSub: "relay.audio_mode",
		},
		{
			name:    "pcm16 without rate",
			mutate:  func(c *config.Config) { c.Relay.BackendSampleRate = 0 },
			wantSub: "backend_sample_rate",
		},
		{
			name:    "keepalive",
			mutate:  func(c *config.Config) { c.Relay.KeepAliveInterval = 0 },
			wantSub: "keepalive_interval",
		},
		{
			name:    "threshold",
			mutate:  func(c *config.Config) { c.Relay.TurnDetection.Threshold = 1.5 },
			wantSub: "threshold",
		},
		{
			name:    "signature without token",
			mutate:  func(c *config.Config) { c.Twilio.ValidateSignature = true },
			wantSub: "validate_signature",
		},
		{
			name:    "tls incomplete",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "cert.pem"} },
			wantSub: "server.tls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.OpenAI.APIKey = "sk-test"
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error should mention %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Relay.ReadyTimeout = -1
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sub := range []string{"log_level", "ready_timeout", "api_key"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error missing %q: %v", sub, err)
		}
	}
}

func TestValidate_DefaultsWithKeyPass(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voxrelay.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxrelay.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey == "" {
		t.Error("api key not loaded")
	}
}

func TestLoadDotEnv_MissingFileSkipped(t *testing.T) {
	t.Parallel()
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("VOXRELAY_TEST_A=from-file\nVOXRELAY_TEST_B=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOXRELAY_TEST_A", "from-env")
	t.Setenv("VOXRELAY_TEST_B", "")
	os.Unsetenv("VOXRELAY_TEST_B")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VOXRELAY_TEST_A"); got != "from-env" {
		t.Errorf("VOXRELAY_TEST_A = %q, want from-env", got)
	}
	if got := os.Getenv("VOXRELAY_TEST_B"); got != "from-file" {
		t.Errorf("VOXRELAY_TEST_B = %q, want from-file", got)
	}
}
