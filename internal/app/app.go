// Package app wires all voxrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithCallLog, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/calllog"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/openai"
)

// readHeaderTimeout bounds slow clients sending request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the voxrelay server.
type App struct {
	cfg atomic.Pointer[config.Config]
	log *slog.Logger

	provider  s2s.Provider
	relay     *relay.Relay
	calls     calllog.Store
	breaker   *resilience.CircuitBreaker
	health    *health.Handler
	checkers  []health.Checker
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	level     *slog.LevelVar

	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the speech backend instead of creating an OpenAI
// realtime provider from config. No readiness probe is installed for an
// injected provider.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithCallLog injects the call ledger instead of creating one from config.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.calls = s }
}

// WithTelemetry makes the app record into t and serve its metrics on
// /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated.
//
// New performs all initialisation synchronously: metrics, backend provider
// and readiness probe, circuit breaker, call ledger connection, relay and
// HTTP routes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.telemetry != nil {
		m, err := observe.NewMetrics(a.telemetry.MeterProvider)
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	} else {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Backend provider ──────────────────────────────────────────────
	a.initProvider(cfg)

	// ── 3. Circuit breaker ───────────────────────────────────────────────
	a.initBreaker(cfg)

	// ── 4. Call ledger ───────────────────────────────────────────────────
	if err := a.initCallLog(ctx, cfg); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 5. Relay ─────────────────────────────────────────────────────────
	rcfg, err := RelayConfig(cfg)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: relay config: %w", err)
	}
	a.relay = relay.New(a.provider, rcfg,
		relay.WithLogger(a.log),
		relay.WithMetrics(a.metrics),
		relay.WithBreaker(a.breaker),
		relay.WithRecorder(a.calls),
	)

	// ── 6. Health + routes ───────────────────────────────────────────────
	a.health = health.New(a.checkers...)
	a.health.SetDetails(cfg.Server.Environment, a.relay.Registry().Len)
	a.handler = observe.Middleware(a.metrics)(a.routes())

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProvider builds the OpenAI realtime provider and its readiness probe
// unless a provider was injected.
func (a *App) initProvider(cfg *config.Config) {
	if a.provider != nil {
		return
	}
	oc := cfg.OpenAI

	var popts []openai.Option
	if oc.Model != "" {
		popts = append(popts, openai.WithModel(oc.Model))
	}
	if oc.RealtimeURL != "" {
		popts = append(popts, openai.WithBaseURL(oc.RealtimeURL))
	}
	a.provider = openai.New(oc.APIKey, popts...)

	var probeOpts []openai.ProbeOption
	if oc.APIBaseURL != "" {
		probeOpts = append(probeOpts, openai.WithProbeBaseURL(oc.APIBaseURL))
	}
	probe := openai.NewProbe(oc.APIKey, oc.Model, probeOpts...)
	a.checkers = append(a.checkers, health.Checker{Name: "openai", Check: probe.Check})
}

// initBreaker creates the breaker guarding backend dials. A zero
// max_failures disables it.
func (a *App) initBreaker(cfg *config.Config) {
	bc := cfg.Relay.Breaker
	if bc.MaxFailures <= 0 {
		return
	}
	m := a.metrics
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "openai-realtime",
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		Logger:       a.log,
		OnStateChange: func(_ string, _, to resilience.State) {
			m.RecordCircuitTransition(context.Background(), to.String())
		},
	})
	a.checkers = append(a.checkers, health.Checker{Name: "breaker", Check: a.breaker.Check})
}

// initCallLog connects the PostgreSQL ledger when a DSN is configured and
// falls back to the in-memory ledger otherwise.
func (a *App) initCallLog(ctx context.Context, cfg *config.Config) error {
	if a.calls != nil {
		return nil
	}
	if dsn := cfg.CallLog.PostgresDSN; dsn != "" {
		store, err := calllog.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.calls = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.log.Info("call log connected", "backend", "postgres")
		return nil
	}
	a.calls = calllog.NewMemStore(cfg.CallLog.MemoryLimit)
	a.log.Info("call log in memory", "limit", cfg.CallLog.MemoryLimit)
	return nil
}

// RelayConfig translates the file configuration into relay settings.
func RelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	tc, err := audio.NewTranscoder(rc.AudioMode, rc.BackendSampleRate)
	if err != nil {
		return relay.Config{}, err
	}

	out := relay.Config{
		Session: s2s.SessionConfig{
			Voice:              cfg.OpenAI.Voice,
			Instructions:       cfg.OpenAI.Instructions,
			TranscriptionModel: cfg.OpenAI.TranscriptionModel,
			TurnDetection: s2s.TurnDetection{
				Type:            rc.TurnDetection.Type,
				Threshold:       rc.TurnDetection.Threshold,
				PrefixPadding:   rc.TurnDetection.PrefixPadding,
				SilenceDuration: rc.TurnDetection.SilenceDuration,
			},
		},
		Transcoder:        tc,
		CarryRemainder:    rc.CarryRemainder,
		KeepAliveInterval: rc.KeepAliveInterval,
		ConnectTimeout:    rc.ConnectTimeout,
		ReadyTimeout:      rc.ReadyTimeout,
		LogTranscripts:    rc.LogTranscripts,
	}
	if rc.PendingMax > 0 {
		f := tc.BackendFormat()
		bytesPerSecond := f.SampleRate * f.Encoding.BytesPerSample()
		out.PendingMaxBytes = int(float64(bytesPerSecond) * rc.PendingMax.Seconds())
	}
	return out, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Relay returns the call relay.
func (a *App) Relay() *relay.Relay { return a.relay }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Ready runs every readiness check once and joins their failures. It is
// used at startup to surface a bad API key or model before the first call.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, c := range a.checkers {
		if err := c.Check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig switches to next. Voice, instructions, turn detection and
// relay tuning apply to calls accepted afterwards; calls in progress keep
// their settings. Settings that need a restart are logged and ignored.
func (a *App) ApplyConfig(next *config.Config) {
	prev := a.cfg.Load()
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.RelayChanged {
		rc, err := RelayConfig(next)
		if err != nil {
			a.log.Error("config reload rejected", "err", err)
			return
		}
		a.relay.SetConfig(rc)
		a.log.Info("relay settings updated for new calls",
			"voice", next.OpenAI.Voice,
			"audio_mode", next.Relay.AudioMode,
		)
	}
	for _, name := range d.RestartRequired {
		a.log.Warn("setting changed but requires a restart", "setting", name)
	}
	a.cfg.Store(next)
}

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg.Load()
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every active call, stops the HTTP server and runs the
// closers. It respects the context deadline: if ctx expires first the
// remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.relay.Registry().Len())

		// Calls first: their sockets are hijacked and invisible to the server.
		if err := a.relay.Shutdown(ctx); err != nil {
			a.log.Warn("relay shutdown incomplete", "err", err)
			shutdownErr = err
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}
		a.runClosers()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
