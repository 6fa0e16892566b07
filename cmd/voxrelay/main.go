// Command voxrelay bridges Twilio phone calls to the OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file; empty uses the environment only")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		switch {
		case errors.Is(err, config.ErrMissingAPIKey):
			fmt.Fprintln(os.Stderr, "voxrelay: OPENAI_API_KEY is not set; export it or add it to .env")
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found\n", *configPath)
		default:
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithTelemetry(tel),
		app.WithLevelVar(level),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, 10*time.Second)
	if err := application.Ready(readyCtx); err != nil {
		slog.Warn("backend not ready yet, calls may fail", "err", err)
	}
	cancelReady()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			application.ApplyConfig(next)
		})
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload failed, keeping active config", "err", err)
			}
		}
	}
}

// printStartupSummary writes a human-readable overview of the active
// configuration to stdout. Secrets are never printed.
func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxrelay · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.OpenAI.Model)
	printRow("Voice", cfg.OpenAI.Voice)
	printRow("Audio mode", string(cfg.Relay.AudioMode))
	if cfg.Twilio.ValidateSignature {
		printRow("Signatures", "verified")
	} else {
		printRow("Signatures", "(not checked)")
	}
	if cfg.CallLog.PostgresDSN != "" {
		printRow("Call log", "postgres")
	} else {
		printRow("Call log", fmt.Sprintf("memory (%d)", cfg.CallLog.MemoryLimit))
	}
	if cfg.Server.PublicURL != "" {
		printRow("Public URL", cfg.Server.PublicURL)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
