// Taskweave orchestration server. Serves the task HTTP API, manages the
// worker pool, and drives plan/execute/checkpoint loops.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/taskweave/taskweave/pkg/api"
	"github.com/taskweave/taskweave/pkg/checkpoint"
	"github.com/taskweave/taskweave/pkg/cleanup"
	"github.com/taskweave/taskweave/pkg/config"
	"github.com/taskweave/taskweave/pkg/database"
	"github.com/taskweave/taskweave/pkg/dispatch"
	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/orchestrator"
	"github.com/taskweave/taskweave/pkg/planner"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/providers"
	"github.com/taskweave/taskweave/pkg/scheduler"
	"github.com/taskweave/taskweave/pkg/services"
	"github.com/taskweave/taskweave/pkg/store"
)

// Exit codes: 1 for configuration problems, 2 when the planner backend
// cannot be initialized, 3 for unrecoverable runtime failures.
const (
	exitConfig  = 1
	exitPlanner = 2
	exitRuntime = 3
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// dbPinger adapts the database client to the health endpoint.
type dbPinger struct{ client *database.Client }

func (p dbPinger) Ping(ctx context.Context) error {
	_, err := p.client.Health(ctx)
	return err
}

// redisPinger adapts the cache client to the health endpoint.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"),
		"Path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting taskweave", "http_port", httpPort, "pod_id", podID)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitConfig)
	}

	// 2. Durable store. STORE_BACKEND=memory runs everything in-process
	// for local development; the default is PostgreSQL plus the optional
	// Redis read cache.
	var st store.Store
	var dbHealth api.Pinger
	var cacheHealth api.Pinger

	switch backend := getEnv("STORE_BACKEND", "postgres"); backend {
	case "memory":
		st = store.NewMemoryStore()
		slog.Warn("Using in-memory store, state will not survive a restart")
	case "postgres":
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(exitConfig)
		}
		dbClient, err := database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(exitRuntime)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")
		dbHealth = dbPinger{client: dbClient}

		durable := store.NewPostgresStore(dbClient.DB())
		st = durable

		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: os.Getenv("REDIS_PASSWORD"),
			})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				slog.Error("Failed to connect to Redis", "addr", addr, "error", err)
				os.Exit(exitRuntime)
			}
			defer func() {
				if err := redisClient.Close(); err != nil {
					slog.Error("Error closing Redis client", "error", err)
				}
			}()
			cache := store.NewRedisCache(redisClient, cfg.CacheTTL)
			st = store.NewDualStore(durable, cache, nil)
			cacheHealth = redisPinger{client: redisClient}
			slog.Info("Connected to Redis cache", "addr", addr)
		}
	default:
		slog.Error("Unknown STORE_BACKEND", "value", backend)
		os.Exit(exitConfig)
	}

	// 3. Event bus, persisting every published event for catchup
	bus := events.New(cfg.EventReplayLogSize, st)
	defer bus.Close()

	// 4. Platform service clients
	var mailer plugin.Mailer
	if base := os.Getenv("NOTIFICATION_SERVICE_URL"); base != "" {
		mailer = providers.NewHTTPNotificationService(base,
			os.Getenv("PROVIDER_SERVICE_TOKEN"), nil)
	}
	var files dispatch.FileFetcher
	if base := os.Getenv("FILE_SERVICE_URL"); base != "" {
		files = providers.NewHTTPFileService(base,
			os.Getenv("PROVIDER_SERVICE_TOKEN"), nil)
	}
	var auth providers.AuthProvider
	if base := os.Getenv("AUTH_SERVICE_URL"); base != "" {
		auth = providers.NewHTTPAuthProvider(base, nil)
	} else {
		devToken := getEnv("DEV_AUTH_TOKEN", "dev-token")
		auth = &providers.StaticAuthProvider{Tokens: map[string]providers.Identity{
			devToken: {UserID: "dev", OrgID: "dev"},
		}}
		slog.Warn("AUTH_SERVICE_URL not set, using static dev authentication")
	}

	// 5. Plugin registry and executor
	registry, err := plugin.NewRegistry(nil, plugin.Builtins(plugin.BuiltinDeps{
		Mailer: mailer,
	})...)
	if err != nil {
		slog.Error("Failed to build plugin registry", "error", err)
		os.Exit(exitConfig)
	}
	if err := registry.Sync(ctx, st); err != nil {
		slog.Error("Failed to load organization plugins", "error", err)
		// Non-fatal, the builtin catalogue still works
	}
	executor := plugin.NewExecutor(registry, st, cfg.StepDefaultTimeout, nil)
	slog.Info("Plugin registry initialized", "plugins", len(registry.List()))

	// 6. LLM client, agent runner and planner
	llmClient, err := llm.NewOpenAIClientFromConfig(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.PlannerModel)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(exitPlanner)
	}
	agentRunner := llm.NewAgent(llmClient)
	plan := planner.New(llmClient, registry, cfg.PlannerModel, cfg.PlannerMaxValidationRetries, nil)
	slog.Info("Planner initialized", "model", cfg.PlannerModel)

	// 7. Checkpoint manager with its expiry sweeper
	checkpoints := checkpoint.NewManager(st, bus, cfg.CheckpointDefaultExpiry, nil)
	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go checkpoints.RunSweeper(sweeperCtx, time.Minute)

	// 8. Dispatcher, scheduler and orchestrator
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Store:          st,
		Plugins:        executor,
		Agent:          agentRunner,
		Checkpoints:    checkpoints,
		Files:          files,
		Bus:            bus,
		OrgHosts:       cfg.AllowedHostsDefault,
		DefaultTimeout: cfg.StepDefaultTimeout,
	})
	sched := scheduler.New(st, dispatcher, cfg.TaskDefaultConcurrency, nil, cfg.CancelDrainTimeout, nil)
	orch := orchestrator.New(st, plan, sched, bus, nil)

	// 9. Worker pool (before the HTTP server, so queued tasks resume first)
	pool := orchestrator.NewWorkerPool(podID, st, orchestrator.PoolConfig{
		Workers:           cfg.WorkerPoolSize,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.TaskPollInterval,
	}, orch)
	pool.Start(ctx)
	slog.Info("Worker pool started", "workers", cfg.WorkerPoolSize)

	// 10. Retention sweeper for decided checkpoints and old events
	retention := cleanup.NewService(st, st, cfg.RetentionWindow, time.Hour, nil)
	retention.Start(ctx)

	// 11. Domain services and HTTP server
	taskService := services.NewTaskService(st, bus, pool, nil)
	checkpointService := services.NewCheckpointService(st, checkpoints, bus, nil)

	server := api.NewServer(api.Options{
		Tasks:       taskService,
		Checkpoints: checkpointService,
		Store:       st,
		Bus:         bus,
		Registry:    registry,
		Auth:        auth,
		DB:          dbHealth,
		Cache:       cacheHealth,
		Pool:        pool,
		CORSOrigins: cfg.CORSOrigins,
	})

	serverCtx, stopServer := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe(serverCtx, ":"+httpPort, 5*time.Second)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("Taskweave started successfully", "pod_id", podID, "workers", cfg.WorkerPoolSize)

	// 12. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error triggered shutdown", "error", err)
			exitCode = exitRuntime
		}
	}

	// 13. Graceful shutdown: drain workers first, then the HTTP server
	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer cancelDrain()

	poolDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(poolDone)
	}()
	select {
	case <-poolDone:
		slog.Info("Worker pool stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete tasks will be orphan-recovered")
	}

	retention.Stop()
	stopSweeper()
	stopServer()
	<-errCh

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}
