// Package config loads runtime configuration from the environment.
// Every option has a default; the .env file (loaded in main) can override.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all recognized runtime options.
type Config struct {
	// WorkerPoolSize is the number of orchestration pool workers.
	WorkerPoolSize int
	// TaskDefaultConcurrency caps concurrently running steps per task.
	TaskDefaultConcurrency int
	// StepDefaultTimeout applies to steps that declare no timeout.
	StepDefaultTimeout time.Duration

	// PlannerModel names the LLM used for plan and replan calls.
	PlannerModel string
	// PlannerMaxValidationRetries bounds re-prompting after an invalid plan.
	PlannerMaxValidationRetries int
	// LLMBaseURL points at the OpenAI-compatible endpoint. Empty means the
	// provider default.
	LLMBaseURL string
	// LLMAPIKey authenticates against the LLM endpoint.
	LLMAPIKey string

	// CheckpointDefaultExpiry applies to checkpoints that declare no expiry.
	CheckpointDefaultExpiry time.Duration

	// AllowedHostsDefault is the organization-wide host allowlist merged
	// into every task's effective allowlist.
	AllowedHostsDefault []string

	// EventReplayLogSize bounds the in-memory replay ring.
	EventReplayLogSize int

	// CacheTTL bounds how long task and checkpoint blobs live in the cache.
	CacheTTL time.Duration
	// LeaseTTL bounds a scheduling lease before it can be stolen.
	LeaseTTL time.Duration

	// TaskPollInterval is how often idle pool workers poll for queued tasks.
	TaskPollInterval time.Duration
	// HeartbeatInterval is how often a worker extends its task lease.
	HeartbeatInterval time.Duration
	// GracefulShutdownTimeout bounds the drain on shutdown.
	GracefulShutdownTimeout time.Duration
	// CancelDrainTimeout is how long running steps get to stop after a
	// cancellation signal before being recorded cancelled.
	CancelDrainTimeout time.Duration

	// RetentionWindow is how long durable events and decided checkpoints
	// are kept before the cleanup sweeper purges them.
	RetentionWindow time.Duration

	// CORSOrigins restricts browser clients; empty allows all origins.
	CORSOrigins []string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		WorkerPoolSize:              envInt("WORKER_POOL_SIZE", 2*runtime.NumCPU()),
		TaskDefaultConcurrency:      envInt("TASK_DEFAULT_CONCURRENCY", 4),
		StepDefaultTimeout:          envSeconds("STEP_DEFAULT_TIMEOUT_SECONDS", 300),
		PlannerModel:                envString("PLANNER_MODEL", "gpt-4o"),
		PlannerMaxValidationRetries: envInt("PLANNER_MAX_VALIDATION_RETRIES", 2),
		LLMBaseURL:                  os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:                   os.Getenv("LLM_API_KEY"),
		CheckpointDefaultExpiry:     envSeconds("CHECKPOINT_DEFAULT_EXPIRY_SECONDS", 86400),
		AllowedHostsDefault:         envList("ALLOWED_HOSTS_DEFAULT"),
		EventReplayLogSize:          envInt("EVENT_REPLAY_LOG_SIZE", 10000),
		CacheTTL:                    envSeconds("CACHE_TTL_SECONDS", 600),
		LeaseTTL:                    envSeconds("LEASE_TTL_SECONDS", 60),
		TaskPollInterval:            envSeconds("TASK_POLL_INTERVAL_SECONDS", 2),
		HeartbeatInterval:           envSeconds("HEARTBEAT_INTERVAL_SECONDS", 15),
		GracefulShutdownTimeout:     envSeconds("GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS", 60),
		CancelDrainTimeout:          envSeconds("CANCEL_DRAIN_TIMEOUT_SECONDS", 30),
		RetentionWindow:             envSeconds("RETENTION_WINDOW_SECONDS", 7*24*3600),
		CORSOrigins:                 envList("CORS_ORIGINS"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 1, got %d", c.WorkerPoolSize)
	}
	if c.TaskDefaultConcurrency < 1 {
		return fmt.Errorf("TASK_DEFAULT_CONCURRENCY must be >= 1, got %d", c.TaskDefaultConcurrency)
	}
	if c.StepDefaultTimeout <= 0 {
		return fmt.Errorf("STEP_DEFAULT_TIMEOUT_SECONDS must be positive")
	}
	if c.PlannerMaxValidationRetries < 0 {
		return fmt.Errorf("PLANNER_MAX_VALIDATION_RETRIES must be >= 0")
	}
	if c.EventReplayLogSize < 1 {
		return fmt.Errorf("EVENT_REPLAY_LOG_SIZE must be >= 1")
	}
	if c.LeaseTTL <= c.HeartbeatInterval {
		return fmt.Errorf("LEASE_TTL_SECONDS (%v) must exceed HEARTBEAT_INTERVAL_SECONDS (%v)",
			c.LeaseTTL, c.HeartbeatInterval)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
