package plugin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Executor runs plugin invocations: schema validation, policy enforcement,
// per-plugin timeout, error classification, and an execution record per
// call.
type Executor struct {
	registry       *Registry
	executions     store.ExecutionStore
	defaultTimeout time.Duration
	log            *slog.Logger
}

// NewExecutor creates an executor. executions may be nil to skip records.
func NewExecutor(registry *Registry, executions store.ExecutionStore, defaultTimeout time.Duration, log *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		registry:       registry,
		executions:     executions,
		defaultTimeout: defaultTimeout,
		log:            log,
	}
}

// Registry exposes the underlying registry for capability listings.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute resolves, validates, and runs one plugin call. Failures come
// back classified: not_found for unknown namespaces, invalid_input for
// schema violations, policy_violation for host policy, timeout, network,
// and plugin_failure for everything else.
func (e *Executor) Execute(ctx context.Context, namespace string, inv Invocation) (*Result, error) {
	p, err := e.registry.Get(namespace)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.run(ctx, p, inv)
	elapsed := time.Since(start)

	rec := &models.PluginExecution{
		TaskID:     inv.TaskID,
		StepID:     inv.StepID,
		Namespace:  namespace,
		Attempt:    inv.Attempt,
		Status:     "succeeded",
		DurationMS: elapsed.Milliseconds(),
		StartedAt:  start.UTC(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.ErrorKind = string(taskerr.KindOf(err))
	} else {
		rec.TokensUsed = result.TokensUsed
		rec.CostUSD = result.CostUSD
	}
	if e.executions != nil {
		if recErr := e.executions.RecordExecution(ctx, rec); recErr != nil {
			e.log.Warn("Failed to record plugin execution",
				"namespace", namespace, "task_id", inv.TaskID, "error", recErr)
		}
	}

	return result, err
}

func (e *Executor) run(ctx context.Context, p *Plugin, inv Invocation) (*Result, error) {
	if p.Handler == nil {
		return nil, taskerr.New(taskerr.KindPluginFailure,
			"plugin %s has no registered handler", p.Record.Namespace)
	}

	inputs, err := p.inputSchema.apply(inv.Inputs)
	if err != nil {
		return nil, err
	}
	inv.Inputs = inputs

	// Network plugins address their target via the conventional url input.
	if p.Record.Category == models.CategoryIO || p.Record.Category == models.CategoryCommunication {
		if rawURL, ok := inputs["url"].(string); ok && rawURL != "" {
			if err := CheckURL(rawURL, p.Record.Policy, inv.AllowedHosts); err != nil {
				return nil, err
			}
		}
	}

	timeout := e.defaultTimeout
	if p.Record.Policy.TimeoutSec > 0 {
		timeout = time.Duration(p.Record.Policy.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.Handler(runCtx, inv)
	if err != nil {
		return nil, classify(p.Record.Namespace, err)
	}
	if result == nil {
		result = &Result{}
	}
	if result.Outputs == nil {
		result.Outputs = map[string]any{}
	}
	return result, nil
}

// classify maps a handler error onto the failure taxonomy. Errors that
// already carry a kind pass through untouched.
func classify(namespace string, err error) error {
	var te *taskerr.Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return taskerr.Wrap(taskerr.KindTimeout, err, "plugin %s timed out", namespace)
	}
	if errors.Is(err, context.Canceled) {
		return taskerr.Wrap(taskerr.KindCancelled, err, "plugin %s cancelled", namespace)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return taskerr.Wrap(taskerr.KindTimeout, err, "plugin %s timed out", namespace)
		}
		return taskerr.Wrap(taskerr.KindNetwork, err, "plugin %s network failure", namespace)
	}
	return taskerr.Wrap(taskerr.KindPluginFailure, err, "plugin %s failed", namespace)
}
