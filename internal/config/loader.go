package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrMissingAPIKey is reported by [Validate] when no OpenAI API key is
// configured. The server cannot relay anything without one.
var ErrMissingAPIKey = errors.New("config: openai.api_key (OPENAI_API_KEY) is required")

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables that override the YAML file.
const (
	EnvAPIKey       = "OPENAI_API_KEY"
	EnvModel        = "OPENAI_MODEL"
	EnvPort         = "PORT"
	EnvListenAddr   = "LISTEN_ADDR"
	EnvPublicURL    = "PUBLIC_URL"
	EnvLogLevel     = "LOG_LEVEL"
	EnvEnvironment  = "ENVIRONMENT"
	EnvVoice        = "VOICE"
	EnvInstructions = "SYSTEM_PROMPT"
	EnvAudioMode    = "AUDIO_MODE"
	EnvSampleRate   = "BACKEND_SAMPLE_RATE"
	EnvAuthToken    = "TWILIO_AUTH_TOKEN"
	EnvGreeting     = "GREETING"
	EnvPostgresDSN  = "CALLLOG_POSTGRES_DSN"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped; with no arguments ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load builds the configuration from the YAML file at path, overlaid with the
// process environment, and validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(strings.NewReader(""), os.LookupEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Parse(r, nil)
}

// Parse decodes a YAML config from r on top of [Default], applies
// environment overrides through lookup (nil skips them) and validates the
// result. Empty input yields the defaults.
func Parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every recognised variable that lookup reports
// as set. PORT is shorthand for listening on all interfaces.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvAPIKey, &cfg.OpenAI.APIKey)
	str(EnvModel, &cfg.OpenAI.Model)
	str(EnvPublicURL, &cfg.Server.PublicURL)
	str(EnvEnvironment, &cfg.Server.Environment)
	str(EnvVoice, &cfg.OpenAI.Voice)
	str(EnvInstructions, &cfg.OpenAI.Instructions)
	str(EnvAuthToken, &cfg.Twilio.AuthToken)
	str(EnvGreeting, &cfg.Twilio.Greeting)
	str(EnvPostgresDSN, &cfg.CallLog.PostgresDSN)

	if v, ok := lookup(EnvPort); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: %s %q is not a port number", EnvPort, v)
		}
		cfg.Server.ListenAddr = ":" + v
	}
	str(EnvListenAddr, &cfg.Server.ListenAddr)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvAudioMode); ok && v != "" {
		cfg.Relay.AudioMode = audio.Encoding(v)
	}
	if v, ok := lookup(EnvSampleRate); ok && v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s %q is not an integer", EnvSampleRate, v)
		}
		cfg.Relay.BackendSampleRate = rate
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.public_url: %w", err))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("server.public_url %q has no host", cfg.Server.PublicURL))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("server.public_url scheme %q is invalid; valid values: http, https", u.Scheme))
		}
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// OpenAI
	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	if cfg.OpenAI.Model == "" {
		errs = append(errs, errors.New("openai.model is required"))
	}
	if cfg.OpenAI.Instructions == "" {
		slog.Warn("openai.instructions is empty; the assistant will run without a system prompt")
	}

	// Relay
	if _, err := audio.NewTranscoder(cfg.Relay.AudioMode, cfg.Relay.BackendSampleRate); err != nil {
		errs = append(errs, fmt.Errorf("relay.audio_mode/backend_sample_rate: %w", err))
	}
	if cfg.Relay.PendingMax < 0 {
		errs = append(errs, fmt.Errorf("relay.pending_max %s must not be negative", cfg.Relay.PendingMax))
	}
	if cfg.Relay.KeepAliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.keepalive_interval %s must be positive", cfg.Relay.KeepAliveInterval))
	}
	if cfg.Relay.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.connect_timeout %s must be positive", cfg.Relay.ConnectTimeout))
	}
	if cfg.Relay.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.ready_timeout %s must be positive", cfg.Relay.ReadyTimeout))
	}
	td := cfg.Relay.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("relay.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPadding < 0 || td.SilenceDuration < 0 {
		errs = append(errs, errors.New("relay.turn_detection durations must not be negative"))
	}
	if cfg.Relay.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("relay.breaker.max_failures %d must not be negative", cfg.Relay.Breaker.MaxFailures))
	}

	// Twilio
	if cfg.Twilio.ValidateSignature && cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.validate_signature requires twilio.auth_token (TWILIO_AUTH_TOKEN)"))
	}

	// Call log
	if cfg.CallLog.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("calllog.memory_limit %d must not be negative", cfg.CallLog.MemoryLimit))
	}

	return errors.Join(errs...)
}
