package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/apiloop/internal/agent"
	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/catalog"
	"github.com/nugget/apiloop/internal/config"
	"github.com/nugget/apiloop/internal/connwatch"
	"github.com/nugget/apiloop/internal/events"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/llm"
	"github.com/nugget/apiloop/internal/opstate"
	"github.com/nugget/apiloop/internal/patterns"
	"github.com/nugget/apiloop/internal/telemetry"
	"github.com/nugget/apiloop/internal/usage"
)

// app holds every long-lived component shared by serve and ask.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    opstate.Store
	patterns *patterns.Memory
	exec     *executor.Executor
	llm      *llm.MultiClient
	loop     *agent.Loop
	usage    *usage.Store
	bus      *events.Bus
	watch    *connwatch.Manager

	shutdownTracing func(context.Context) error
	closers         []io.Closer
}

// newApp opens the stores and builds the loop. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
		watch:  connwatch.NewManager(logger),
	}
	a.shutdownTracing = telemetry.Setup(cfg.Tracing, logger)

	state, err := openState(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.state = state
	a.patterns = openPatterns(ctx, state, logger)

	if cfg.Usage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("create usage directory: %w", err)
		}
		store, err := usage.NewStore(cfg.State.Driver, cfg.Usage.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		a.usage = store
		a.closers = append(a.closers, store)
	}

	client, closers, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.llm = client
	a.closers = append(a.closers, closers...)

	catalogText, err := catalog.Load(cfg.API.SummaryFile)
	if err != nil {
		// The loop still works without a listing, only less well.
		logger.Warn("endpoint summary unavailable", "path", cfg.API.SummaryFile, "error", err)
	}

	a.exec = executor.New(executor.Config{
		BaseURL:          cfg.API.BaseURL,
		Token:            cfg.API.Token,
		Timeout:          cfg.API.Timeout(),
		MaxResponseBytes: cfg.API.MaxResponseBytes,
	}, logger)

	opts := []agent.Option{
		agent.WithEventBus(a.bus),
		agent.WithProviderLookup(client.ProviderFor),
		agent.WithExtractor(&callplan.Extractor{RawFallback: cfg.Extractor.RawFallbackEnabled()}),
	}
	if cfg.Extractor.IntentThreshold > 0 {
		opts = append(opts, agent.WithIntentDetector(callplan.NewKeywordIntent(cfg.Extractor.IntentThreshold)))
	} else {
		opts = append(opts, agent.WithIntentDetector(callplan.NoIntent{}))
	}
	if a.usage != nil {
		opts = append(opts, agent.WithUsage(a.usage, cfg.Usage.Pricing))
	}

	a.loop = agent.NewLoop(agent.Config{
		Model:                cfg.Models.Default,
		MaxTurns:             cfg.Loop.MaxTurns,
		MaxValidationRetries: cfg.Loop.MaxValidationRetries,
		ModelTimeout:         cfg.Models.Timeout(),
		Catalog:              catalogText,
	}, client, a.exec, a.patterns, logger, opts...)

	a.watchServices(ctx)

	logger.Info("agent ready",
		"model", cfg.Models.Default,
		"provider", client.ProviderFor(cfg.Models.Default),
		"providers", client.Providers(),
		"catalog_bytes", len(catalogText),
		"usage", a.usage != nil,
	)
	return a, nil
}

// watchServices starts health probes for the model provider and the
// resource API. Transitions are published on the bus.
func (a *app) watchServices(ctx context.Context) {
	report := func(s connwatch.ServiceStatus) {
		a.bus.Emit(events.SourceAgent, events.KindServiceStatus, map[string]any{
			"service": s.Name,
			"ready":   s.Ready,
			"error":   s.LastError,
		})
	}
	a.watch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "llm",
		Probe:    a.llm.Ping,
		OnChange: report,
	})
	a.watch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "resource_api",
		Probe:    a.exec.Ping,
		OnChange: report,
	})
}

// Close flushes pattern memory and releases every store.
func (a *app) Close() {
	a.watch.Stop()

	ctx := context.Background()
	if a.patterns != nil {
		if err := a.patterns.Flush(ctx); err != nil {
			a.logger.Error("final pattern memory flush failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("state store close failed", "error", err)
		}
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
}

// openState opens the configured persistence backend.
func openState(ctx context.Context, cfg *config.Config) (opstate.Store, error) {
	switch cfg.State.Backend {
	case "memory":
		return opstate.NewMemoryStore(), nil
	case "redis":
		s, err := opstate.NewRedisStore(ctx, cfg.State.RedisURL, cfg.State.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis state: %w", err)
		}
		return s, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		s, err := opstate.NewSQLiteStore(cfg.State.Driver, cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
		}
		return s, nil
	}
}

func openPatterns(ctx context.Context, state opstate.Store, logger *slog.Logger) *patterns.Memory {
	return patterns.Open(ctx, state, logger)
}

// createLLMClient builds a multi-provider client. A provider is only
// registered when it has the settings it needs; models route to their
// listed provider and everything else falls through to the provider of
// the default model.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, []io.Closer, error) {
	opts := llm.Options{Temperature: cfg.Models.Temperature}
	clients := map[string]llm.Client{}
	var closers []io.Closer

	if cfg.Providers.OpenAI.APIKey != "" {
		clients["openai"] = llm.NewOpenAIClient(cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.APIKey, opts, logger)
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, opts, logger)
	}
	if cfg.Providers.Ollama.URL != "" {
		clients["ollama"] = llm.NewOllamaClient(cfg.Providers.Ollama.URL, opts, logger)
	}
	if cfg.Providers.Gemini.APIKey != "" {
		g, err := llm.NewGeminiClient(ctx, cfg.Providers.Gemini.APIKey, opts, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		clients["gemini"] = g
		closers = append(closers, g)
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	fallback, ok := clients[defaultProvider]
	if !ok {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, fmt.Errorf("default model %q needs provider %q, which is not configured", cfg.Models.Default, defaultProvider)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range clients {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi, closers, nil
}
