// Package plugin implements the capability registry and executor: typed
// plugin registration with schema-validated inputs, per-plugin policy
// enforcement (host allowlists, body limits, timeouts), and execution
// records for observability.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Invocation carries one plugin call: validated inputs plus the execution
// context the policy layer needs.
type Invocation struct {
	TaskID  string
	StepID  string
	Attempt int
	Inputs  map[string]any
	// AllowedHosts is the effective allowlist (task constraints merged
	// with organization defaults).
	AllowedHosts []string
}

// Result is a completed plugin call.
type Result struct {
	Outputs map[string]any
	// Findings are appended to the task's shared memory; a finding with
	// replan_requested set triggers replanning.
	Findings   []*models.Finding
	TokensUsed int
	CostUSD    float64
}

// Handler executes one plugin invocation.
type Handler func(ctx context.Context, inv Invocation) (*Result, error)

// Plugin pairs a registration record with its handler and the compiled
// input schema.
type Plugin struct {
	Record  *models.PluginRecord
	Handler Handler

	inputSchema *fieldSchema
}

// Registry is the immutable in-memory plugin catalogue. Lookups read an
// atomic snapshot; Reload swaps the whole snapshot so readers never see a
// partial sync.
type Registry struct {
	snapshot atomic.Pointer[map[string]*Plugin]
	log      *slog.Logger
}

// NewRegistry creates a registry preloaded with the given plugins.
func NewRegistry(log *slog.Logger, plugins ...*Plugin) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	if err := r.Reload(plugins); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the registry contents atomically.
func (r *Registry) Reload(plugins []*Plugin) error {
	next := make(map[string]*Plugin, len(plugins))
	for _, p := range plugins {
		if p.Record == nil || p.Record.Namespace == "" {
			return fmt.Errorf("plugin registration missing namespace")
		}
		if _, dup := next[p.Record.Namespace]; dup {
			return fmt.Errorf("duplicate plugin namespace %q", p.Record.Namespace)
		}
		schema, err := compileFieldSchema(p.Record.Inputs)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.Record.Namespace, err)
		}
		p.inputSchema = schema
		next[p.Record.Namespace] = p
	}
	r.snapshot.Store(&next)
	return nil
}

// Get resolves a namespace. Unknown namespaces report not_found.
func (r *Registry) Get(namespace string) (*Plugin, error) {
	snap := *r.snapshot.Load()
	p, ok := snap[namespace]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "unknown plugin %q", namespace)
	}
	return p, nil
}

// List returns all registration records sorted by namespace. The planner
// feeds these into its capability catalogue.
func (r *Registry) List() []*models.PluginRecord {
	snap := *r.snapshot.Load()
	out := make([]*models.PluginRecord, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// Sync pushes the built-in plugin set to the plugin table (deleting
// orphaned system rows) and merges persisted organization plugins back
// into the registry. Organization plugins have no in-process handler yet;
// executing one fails until a handler ships.
func (r *Registry) Sync(ctx context.Context, plugins store.PluginStore) error {
	snap := *r.snapshot.Load()
	system := make([]*models.PluginRecord, 0, len(snap))
	merged := make([]*Plugin, 0, len(snap))
	for _, p := range snap {
		if p.Record.System {
			system = append(system, p.Record)
		}
		merged = append(merged, p)
	}

	if err := plugins.SyncSystemPlugins(ctx, system); err != nil {
		return fmt.Errorf("failed to sync system plugins: %w", err)
	}

	persisted, err := plugins.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted plugins: %w", err)
	}
	for _, rec := range persisted {
		if rec.System {
			continue
		}
		if _, ok := snap[rec.Namespace]; ok {
			continue
		}
		r.log.Info("Registering organization plugin", "namespace", rec.Namespace, "org_id", rec.OrgID)
		merged = append(merged, &Plugin{Record: rec})
	}

	return r.Reload(merged)
}
