// Command fieldlined runs the inspection platform API server: workflow
// management, the execution engine, identity, and the audit trail.
//
// # Configuration
//
// Environment variables (see the config package for defaults):
//
//	STORE_URI, STORE_POOL_MIN, STORE_POOL_MAX, STORE_CONNECT_TIMEOUT_MS,
//	STORE_MONITOR_INTERVAL_MS
//	AUTH_SIGNING_SECRET, AUTH_TOKEN_TTL_MS
//	RATE_LIMIT_WINDOW_MS, RATE_LIMIT_MAX_PER_WINDOW
//	AGENT_DEFAULT_TIMEOUT_MS, EXECUTION_CANCEL_GRACE_MS
//	MODEL_PROVIDER, MODEL_NAME, ANTHROPIC_API_KEY, OPENAI_API_KEY
//	REDIS_URL, PORT, LOG_LEVEL
//
// # Example
//
//	AUTH_SIGNING_SECRET=dev STORE_URI=mongodb://localhost:27017 ./fieldlined
//
// The --dev flag swaps Mongo for in-memory stores so the server runs without
// a database. --seed loads workflow definitions from a directory of YAML
// files at startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/fieldline/fieldline/api"
	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/auth"
	"github.com/fieldline/fieldline/config"
	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/agents"
	"github.com/fieldline/fieldline/engine/executor"
	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/model"
	"github.com/fieldline/fieldline/model/anthropic"
	"github.com/fieldline/fieldline/model/openai"
	"github.com/fieldline/fieldline/ratelimit"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/store/inmem"
	storemongo "github.com/fieldline/fieldline/store/mongo"
	"github.com/fieldline/fieldline/tenant"
)

const shutdownBudget = 30 * time.Second

func main() {
	var (
		devF  = flag.Bool("dev", false, "Run with in-memory stores (no MongoDB)")
		seedF = flag.String("seed", "", "Directory of workflow definition YAML files to load at startup")
		dbgF  = flag.Bool("debug", false, "Enable debug logs")
		httpF = flag.Int("http-port", 0, "HTTP listen port (overrides PORT)")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF || cfg.Logging.Level == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if *httpF != 0 {
		cfg.Server.Port = *httpF
	}

	if err := run(ctx, cfg, *devF, *seedF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *config.Config, dev bool, seedDir string) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewPromMetrics()

	var (
		workflows  store.WorkflowStore
		executions store.ExecutionStore
		auditStore audit.Store
		identity   store.IdentityStore
		pingers    []health.Pinger
		status     api.StatusFunc
	)
	if dev {
		log.Print(ctx, log.KV{K: "msg", V: "running with in-memory stores"})
		workflows = inmem.NewWorkflowStore()
		executions = inmem.NewExecutionStore()
		auditStore = inmem.NewAuditStore()
		identity = inmem.NewIdentityStore()
	} else {
		manager, err := storemongo.Connect(ctx, storemongo.Options{
			URI:             cfg.Store.URI,
			Database:        cfg.Store.Database,
			MinPoolSize:     cfg.Store.PoolMin,
			MaxPoolSize:     cfg.Store.PoolMax,
			ConnectTimeout:  cfg.Store.ConnectTimeout(),
			MonitorInterval: cfg.Store.MonitorInterval(),
			Logger:          logger,
			Metrics:         metrics,
		})
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := manager.Close(closeCtx); err != nil {
				log.Errorf(ctx, err, "close store")
			}
		}()

		if workflows, err = storemongo.NewWorkflowStore(ctx, manager); err != nil {
			return fmt.Errorf("workflow store: %w", err)
		}
		if executions, err = storemongo.NewExecutionStore(ctx, manager); err != nil {
			return fmt.Errorf("execution store: %w", err)
		}
		if auditStore, err = storemongo.NewAuditStore(ctx, manager, storemongo.AuditOptions{}); err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		if identity, err = storemongo.NewIdentityStore(ctx, manager); err != nil {
			return fmt.Errorf("identity store: %w", err)
		}
		pingers = append(pingers, manager)
		status = func(ctx context.Context) (bool, map[string]any) {
			return manager.IsHealthy(ctx), map[string]any{"pool": manager.PoolStats()}
		}
	}

	// Cross-process rate limit overrides ride a Pulse replicated map when
	// Redis is configured.
	var overrides *rmap.Map
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		if overrides, err = rmap.Join(ctx, "fieldline-ratelimits", rdb); err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
	}
	limiter := ratelimit.New(ratelimit.Options{
		Default:   ratelimit.Limit{Max: cfg.RateLimit.MaxPerWindow, Window: cfg.RateLimit.Window()},
		Overrides: overrides,
		Lookup: func(tenantID string) (int, bool) {
			t, err := identity.TenantByID(ctx, tenantID)
			if err != nil || t.RateLimitPerWindow <= 0 {
				return 0, false
			}
			return t.RateLimitPerWindow, true
		},
		Metrics: metrics,
		Logger:  logger,
	})

	modelClient, err := newModelClient(cfg.Model)
	if err != nil {
		return err
	}
	registry := agent.NewRegistry()
	if err := agents.RegisterBuiltins(registry, modelClient); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	signer, err := auth.NewSigner(cfg.Auth.SigningSecret, cfg.Auth.TokenTTL())
	if err != nil {
		return fmt.Errorf("token signer: %w", err)
	}
	recorder := audit.NewRecorder(auditStore, metrics)

	eng := executor.New(workflows, executions, recorder, registry, executor.Options{
		Logger:              logger,
		Metrics:             metrics,
		AgentTimeout:        cfg.Engine.AgentDefaultTimeout(),
		CancelGrace:         cfg.Engine.CancelGrace(),
		MaxConcurrentAgents: int64(cfg.Engine.MaxConcurrentAgents),
	})

	if seedDir != "" {
		if err := seedDefinitions(ctx, workflows, seedDir); err != nil {
			return fmt.Errorf("seed definitions: %w", err)
		}
	}

	// Resume executions interrupted by the previous process.
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}

	server := api.New(api.Options{
		Auth:           auth.NewService(identity, signer, logger),
		Gate:           auth.NewGate(signer, identity, logger),
		Workflows:      workflows,
		Executions:     executions,
		Engine:         eng,
		Auditor:        recorder,
		AuditLog:       auditStore,
		Limiter:        limiter,
		Pingers:        pingers,
		StoreStatus:    status,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
		Metrics:        metrics,
	})
	handler := log.HTTP(ctx)(server.Router())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "port", V: cfg.Server.Port})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	reason := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: reason.Error()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "engine shutdown")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
	return nil
}

// Model identifiers used when MODEL_NAME is not set.
const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// newModelClient builds the completion model client for the configured
// provider. An empty provider disables the completion agent kind.
func newModelClient(cfg config.ModelConfig) (model.Client, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("MODEL_PROVIDER=anthropic requires ANTHROPIC_API_KEY")
		}
		name := cfg.Name
		if name == "" {
			name = defaultAnthropicModel
		}
		c, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, name)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("MODEL_PROVIDER=openai requires OPENAI_API_KEY")
		}
		name := cfg.Name
		if name == "" {
			name = defaultOpenAIModel
		}
		c, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, name)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown MODEL_PROVIDER %q", cfg.Provider)
	}
}

// seedDefinitions loads definitions from a directory of YAML files and saves
// the ones not already present.
func seedDefinitions(ctx context.Context, workflows store.WorkflowStore, dir string) error {
	defs, err := workflow.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		tc := tenant.Context{UserID: "system", TenantID: def.TenantID}
		err := workflows.Save(ctx, tc, def)
		switch {
		case errors.Is(err, store.ErrConflict):
			log.Debugf(ctx, "definition %s v%d already present", def.ID, def.Version)
		case err != nil:
			return fmt.Errorf("save %s v%d: %w", def.ID, def.Version, err)
		default:
			log.Print(ctx, log.KV{K: "msg", V: "seeded definition"},
				log.KV{K: "workflowId", V: def.ID}, log.KV{K: "version", V: def.Version})
		}
	}
	return nil
}
