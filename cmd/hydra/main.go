package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawelserkowski-lang/hydra"
	"github.com/pawelserkowski-lang/hydra/gateway"
	"github.com/pawelserkowski-lang/hydra/internal/config"
	"github.com/pawelserkowski-lang/hydra/observer"
	"github.com/pawelserkowski-lang/hydra/provider/gemini"
	"github.com/pawelserkowski-lang/hydra/store/postgres"
	"github.com/pawelserkowski-lang/hydra/store/sqlite"
	"github.com/pawelserkowski-lang/hydra/tools/code"
	"github.com/pawelserkowski-lang/hydra/tools/doc"
	"github.com/pawelserkowski-lang/hydra/tools/file"
	"github.com/pawelserkowski-lang/hydra/tools/shell"
	"github.com/pawelserkowski-lang/hydra/tools/web"
)

func main() {
	cfg := config.Load(os.Getenv("HYDRA_CONFIG"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability
	var tracer hydra.Tracer
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// Credentials
	secrets := hydra.NewSecretVault(cfg.LLM.APIKey)
	if cfg.LLM.OAuthToken != "" {
		secrets.SetOAuthToken(cfg.LLM.OAuthToken)
	}

	// Session store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	// Provider with retry decoration
	var providerOpts []gemini.Option
	if cfg.LLM.BaseURL != "" {
		providerOpts = append(providerOpts, gemini.WithBaseURL(cfg.LLM.BaseURL))
	}
	providerOpts = append(providerOpts, gemini.WithLogger(logger))
	provider := hydra.WithRetry(gemini.New(providerOpts...), hydra.RetryLogger(logger))

	// Tools
	workspace := cfg.Engine.WorkspacePath
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Fatalf("workspace: %v", err)
	}
	registry := hydra.NewToolRegistry()
	registry.Add(file.New(workspace))
	registry.Add(code.New(workspace))
	registry.Add(newShellTool(cfg, workspace, logger))
	registry.Add(web.New())
	registry.Add(doc.New(workspace))

	// Engine
	roster := hydra.NewRoster(hydra.DefaultPersonas())
	assembler := hydra.NewAssembler(roster, secrets, store, provider, logger)
	engineOpts := []hydra.EngineOption{
		hydra.EngineLogger(logger),
		hydra.EngineWorkDir(workspace),
		hydra.EngineStore(store),
	}
	if tracer != nil {
		engineOpts = append(engineOpts, hydra.EngineTracer(tracer))
	}
	engine := hydra.NewEngine(assembler, provider, registry, engineOpts...)

	// Gateway
	srv := gateway.NewServer(engine,
		gateway.WithToken(cfg.Gateway.Token),
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins),
		gateway.WithLogger(logger),
	)
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatal(err)
	}
}

// openStore picks the session store backend from config. A failed open is
// fatal; persistence is otherwise fire-and-forget.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (hydra.SessionStore, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st := postgres.New(pool, postgres.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

// newShellTool runs commands in a Docker sandbox when configured, on the
// host otherwise.
func newShellTool(cfg config.Config, workspace string, logger *slog.Logger) *shell.Tool {
	if cfg.Sandbox.Enabled {
		sandbox, err := shell.NewSandbox(cfg.Sandbox.Image)
		if err == nil {
			return shell.New(workspace, shell.WithRunner(sandbox))
		}
		logger.Warn("sandbox unavailable, falling back to host execution", "error", err)
	}
	return shell.New(workspace)
}
