// Package app assembles the chat engine: configuration, database,
// genkit provider, tool registry, relay, broker and orchestrator. Setup
// builds the whole graph; Close tears it down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompose-ai/kompose/internal/config"
	"github.com/kompose-ai/kompose/internal/database"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/model"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/observability"
	"github.com/kompose-ai/kompose/internal/orchestrator"
	"github.com/kompose-ai/kompose/internal/relay"
	"github.com/kompose-ai/kompose/internal/store"
	"github.com/kompose-ai/kompose/internal/tools"
)

// shutdownGrace bounds the teardown steps that take a context.
const shutdownGrace = 5 * time.Second

// App is the assembled application.
type App struct {
	Config    *config.Config
	Logger    log.Logger
	Pool      *pgxpool.Pool
	Store     *store.Store
	Registry  *tools.Registry
	Relay     *relay.Relay
	Publisher *notify.Publisher
	Listener  *notify.Listener
	Engine    *orchestrator.Engine

	genkit       *genkit.Genkit
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// Setup creates and initializes the application. ctx bounds the lifetime
// of every background goroutine; call Close to release resources.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	otelShutdown, err := observability.Setup(ctx, cfg.Otel, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := database.Migrate(cfg.MigrateURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.Pool = pool
	a.Store = store.New(pool, logger)

	g, err := initGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.genkit = g

	registry := tools.NewRegistry()
	if err := tools.RegisterCalendarTools(registry, tools.NewMemoryCalendar()); err != nil {
		return nil, fmt.Errorf("registering calendar tools: %w", err)
	}
	if err := tools.RegisterTaskTools(registry, tools.NewMemoryTasks()); err != nil {
		return nil, fmt.Errorf("registering task tools: %w", err)
	}
	a.Registry = registry

	client := model.NewGenkitClient(g, cfg.FullModelName(), registry.Specs(), logger)

	a.Relay = relay.New(relay.Config{
		GracePeriod: time.Duration(cfg.StreamGraceSeconds) * time.Second,
	}, logger)

	a.Publisher = notify.NewPublisher(pool, logger)
	a.Listener = notify.NewListener(pool, logger)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		if err := a.Listener.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("event listener stopped", "error", err)
		}
	}()

	a.Engine = orchestrator.New(runCtx, orchestrator.Config{
		MaxSteps:      cfg.MaxSteps,
		SystemPrompt:  cfg.SystemPrompt,
		ProviderRate:  cfg.ProviderRate,
		ProviderBurst: cfg.ProviderBurst,
	}, a.Store, registry, a.Relay, client, a.Publisher, logger)

	return a, nil
}

// Close gracefully shuts down all resources in reverse dependency order:
// running turns first, then streams, then the pool.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.cancel != nil {
		a.cancel()
	}
	if a.Engine != nil {
		a.Engine.Wait()
	}
	if a.Relay != nil {
		a.Relay.Shutdown()
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Debug("database pool closed")
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}
	return nil
}

// initGenkit initializes genkit with the configured provider. Provider
// API keys are read by the plugins themselves from the environment.
func initGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: "http://localhost:11434"}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
	}

	logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName)
	return g, nil
}
