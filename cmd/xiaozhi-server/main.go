// Command xiaozhi-server is the main entry point for the voice session
// engine.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/xiaozhi-go/xiaozhi-server/internal/activation"
	"github.com/xiaozhi-go/xiaozhi-server/internal/config"
	"github.com/xiaozhi-go/xiaozhi-server/internal/health"
	"github.com/xiaozhi-go/xiaozhi-server/internal/observe"
	"github.com/xiaozhi-go/xiaozhi-server/internal/resilience"
	"github.com/xiaozhi-go/xiaozhi-server/internal/server"
	"github.com/xiaozhi-go/xiaozhi-server/internal/session"
	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
	"github.com/xiaozhi-go/xiaozhi-server/internal/store/memory"
	"github.com/xiaozhi-go/xiaozhi-server/internal/store/postgres"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/embeddings"
	openaiembeddings "github.com/xiaozhi-go/xiaozhi-server/pkg/provider/embeddings/openai"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm"
	anyllmprovider "github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm/anyllm"
	openaillm "github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm/openai"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt/whisper"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/tts"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "xiaozhi-server: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "xiaozhi-server: %v\n", err)
		}
		return 1
	}

	// ── Logger ──────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("xiaozhi-server starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: "dev"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Persistence ───────────────────────────────────────────────────────
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Provider registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, sttProvider, ttsProvider, embeddingsProvider, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── HTTP/WS front door ────────────────────────────────────────────────
	activationHandler := activation.New(st, activation.Config{
		WebsocketURL:    cfg.Activation.WebsocketURL,
		SignatureKey:    cfg.Activation.SignatureKey,
		FirmwareVersion: cfg.Activation.FirmwareVersion,
	}, logger)

	healthHandler := health.New(health.Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if llmProvider == nil {
				return errors.New("no llm provider configured")
			}
			return nil
		},
	})

	sessionDeps := func(deviceID string) session.Deps {
		return session.Deps{
			LLM:             llmProvider,
			STT:             sttProvider,
			TTS:             ttsProvider,
			Store:           st,
			Embeddings:      embeddingsProvider,
			MaxIdleDuration: time.Duration(cfg.Chat.MaxIdleDurationMs) * time.Millisecond,
			StandbyPrompt:   cfg.Chat.StandbyPrompt,
			HistoryLimit:    cfg.LLM.HistoryLimit,
			Metrics:         metrics,
			Logger:          logger.With("device", deviceID),
		}
	}

	srv := server.New(server.Config{ListenAddr: cfg.Server.ListenAddr}, sessionDeps, metrics, logger, activationHandler, healthHandler)

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			slog.Error("run error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Persistence wiring ────────────────────────────────────────────────────

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres store: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with xiaozhi-server. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anyllm"},
	"stt":        {"whisper"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// registerBuiltinProviders wires the real provider factories into reg.
//
// "anyllm" fans out to any backend github.com/mozilla-ai/any-llm-go
// supports; entry.Options["backend"] selects which one (default "openai"),
// making it the catch-all slot for LLM backends that do not warrant their
// own provider package.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(e.BaseURL))
		}
		return openaillm.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllmprovider.New(backend, e.Model, opts...)
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return whisper.New(e.BaseURL)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []openaiembeddings.Option
		if e.BaseURL != "" {
			opts = append(opts, openaiembeddings.WithBaseURL(e.BaseURL))
		}
		return openaiembeddings.New(e.APIKey, e.Model, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the single configured provider per kind.
// Provider kinds missing from the registry are skipped rather than fatal,
// matching the tolerant-startup convention: a deployment may defer wiring a
// provider it does not yet need.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, stt.Provider, tts.Provider, embeddings.Provider, error) {
	var (
		llmP llm.Provider
		sttP stt.Provider
		ttsP tts.Provider
		embP embeddings.Provider
	)

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered — skipping", "kind", "llm", "name", name)
		case err != nil:
			return nil, nil, nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		default:
			llmP = wrapLLM(name, p)
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered — skipping", "kind", "stt", "name", name)
		case err != nil:
			return nil, nil, nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		default:
			sttP = wrapSTT(name, p)
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered — skipping", "kind", "tts", "name", name)
		case err != nil:
			return nil, nil, nil, nil, fmt.Errorf("create tts provider %q: %w", name, err)
		default:
			ttsP = wrapTTS(name, p)
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("embeddings provider not registered — semantic recall disabled", "name", name)
		case err != nil:
			return nil, nil, nil, nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		default:
			embP = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return llmP, sttP, ttsP, embP, nil
}

// wrapLLM wraps a single LLM backend in a [resilience.LLMFallback] so its
// calls are circuit-broken even with no fallback registered — a second
// backend can be added later (e.g. via AddFallback) without touching
// callers.
func wrapLLM(name string, p llm.Provider) llm.Provider {
	return resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
}

func wrapSTT(name string, p stt.Provider) stt.Provider {
	return resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
}

func wrapTTS(name string, p tts.Provider) tts.Provider {
	return resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
}

// ── Startup summary ───────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     xiaozhi-server — startup summary  ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Store backend   : %-19s ║\n", orDefault(cfg.Store.Backend, "memory"))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
