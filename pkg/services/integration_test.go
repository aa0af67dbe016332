package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/checkpoint"
	"github.com/taskweave/taskweave/pkg/dispatch"
	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/orchestrator"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/scheduler"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// scriptedPlanner plays back canned plans and replan suffixes.
type scriptedPlanner struct {
	plans    [][]*models.Step
	suffixes [][]*models.Step

	planCalls   int
	replanCalls int
	// findingsSeen captures what the replanner was shown.
	findingsSeen []*models.Finding
}

func (p *scriptedPlanner) Plan(ctx context.Context, task *models.Task) ([]*models.Step, error) {
	if p.planCalls >= len(p.plans) {
		return nil, taskerr.New(taskerr.KindPlannerError, "no plan scripted")
	}
	steps := p.plans[p.planCalls]
	p.planCalls++
	return steps, nil
}

func (p *scriptedPlanner) Replan(ctx context.Context, task *models.Task, triggeringStepID string, findings []*models.Finding) ([]*models.Step, error) {
	if p.replanCalls >= len(p.suffixes) {
		return nil, taskerr.New(taskerr.KindPlannerError, "no replan scripted")
	}
	p.findingsSeen = findings
	suffix := p.suffixes[p.replanCalls]
	p.replanCalls++
	return suffix, nil
}

// cannedAgent answers every llm_agent step with a fixed summary.
type cannedAgent struct{}

func (cannedAgent) Run(ctx context.Context, task *models.Task, step *models.Step,
	inputs map[string]any, attachments []llm.Attachment) (*llm.AgentResult, error) {
	return &llm.AgentResult{
		Outputs: map[string]any{"summary": "summarised"},
	}, nil
}

// harness wires the full execution stack on the in-memory store with test
// plugins and scripted planning.
type harness struct {
	mem   *store.MemoryStore
	bus   *events.Bus
	orch  *orchestrator.Orchestrator
	tasks *TaskService
	cps   *CheckpointService

	mu        sync.Mutex
	httpCalls []plugin.Invocation
}

type harnessOptions struct {
	planner       *scriptedPlanner
	searchHandler plugin.Handler
	sleepyHandler plugin.Handler
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	h := &harness{mem: store.NewMemoryStore()}
	h.bus = events.New(1000, h.mem)
	t.Cleanup(h.bus.Close)

	httpGet := &plugin.Plugin{
		Record: &models.PluginRecord{
			Namespace: "http.get",
			Category:  models.CategoryIO,
			Inputs: map[string]models.FieldSpec{
				"url": {Type: models.FieldTypeString, Required: true},
			},
			Outputs: map[string]models.FieldSpec{
				"body":   {Type: models.FieldTypeString},
				"json":   {Type: models.FieldTypeObject},
				"status": {Type: models.FieldTypeNumber},
			},
		},
		Handler: func(ctx context.Context, inv plugin.Invocation) (*plugin.Result, error) {
			h.mu.Lock()
			h.httpCalls = append(h.httpCalls, inv)
			h.mu.Unlock()
			return &plugin.Result{Outputs: map[string]any{
				"body":   `{"value": 42}`,
				"json":   map[string]any{"value": 42},
				"status": 200,
			}}, nil
		},
	}

	sendEmail := &plugin.Plugin{
		Record: &models.PluginRecord{
			Namespace:          "send_email",
			Category:           models.CategoryCommunication,
			RequiresCheckpoint: true,
			Inputs: map[string]models.FieldSpec{
				"to":   {Type: models.FieldTypeString, Required: true},
				"body": {Type: models.FieldTypeString, Required: true},
			},
		},
		Handler: func(ctx context.Context, inv plugin.Invocation) (*plugin.Result, error) {
			return &plugin.Result{Outputs: map[string]any{"sent": true}}, nil
		},
	}

	testPlugins := []*plugin.Plugin{httpGet, sendEmail}
	if opts.searchHandler != nil {
		testPlugins = append(testPlugins, &plugin.Plugin{
			Record: &models.PluginRecord{
				Namespace: "search",
				Category:  models.CategoryDataProcessing,
				Inputs: map[string]models.FieldSpec{
					"query": {Type: models.FieldTypeString, Required: true},
				},
			},
			Handler: opts.searchHandler,
		})
	}
	if opts.sleepyHandler != nil {
		testPlugins = append(testPlugins, &plugin.Plugin{
			Record: &models.PluginRecord{
				Namespace: "sleepy",
				Category:  models.CategoryDataProcessing,
			},
			Handler: opts.sleepyHandler,
		})
	}

	registry, err := plugin.NewRegistry(nil, testPlugins...)
	require.NoError(t, err)
	executor := plugin.NewExecutor(registry, h.mem, time.Minute, nil)

	mgr := checkpoint.NewManager(h.mem, h.bus, time.Hour, nil)
	disp := dispatch.NewDispatcher(dispatch.Options{
		Store:       h.mem,
		Plugins:     executor,
		Agent:       cannedAgent{},
		Checkpoints: mgr,
		Bus:         h.bus,
	})
	sched := scheduler.New(h.mem, disp, 4, nil, 5*time.Second, nil)
	h.orch = orchestrator.New(h.mem, opts.planner, sched, h.bus, nil)
	h.tasks = NewTaskService(h.mem, h.bus, nil, nil)
	h.cps = NewCheckpointService(h.mem, mgr, h.bus, nil)
	return h
}

// drainEventTypes empties whatever is currently buffered on the channel.
func drainEventTypes(ch <-chan *models.Event) []string {
	var types []string
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return types
			}
			types = append(types, evt.Type)
		default:
			return types
		}
	}
}

func TestExecution_TwoStepPlanCompletes(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPlanner{plans: [][]*models.Step{{
		{ID: "s1", Name: "fetch", Kind: models.StepKindPlugin,
			PluginNamespace: "http.get", Status: models.StepStatusPending,
			Inputs: map[string]any{"url": "https://example.com/data.json"},
			Retry:  models.DefaultRetryPolicy()},
		{ID: "s2", Name: "summarise", Kind: models.StepKindLLMAgent,
			Status:    models.StepStatusPending,
			Inputs:    map[string]any{"content": "{{steps.s1.json}}"},
			DependsOn: []string{"s1"},
			Retry:     models.DefaultRetryPolicy()},
	}}}
	h := newHarness(t, harnessOptions{planner: p})

	task, err := h.tasks.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal:      "Fetch https://example.com/data.json and summarise it",
		AutoStart: true,
		Constraints: &models.Constraints{
			AllowedHosts: []string{"example.com"},
		},
	})
	require.NoError(t, err)

	_, ch := h.bus.Subscribe("test", "task."+task.ID+".**")
	require.NoError(t, h.orch.Execute(ctx, task))

	final, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, models.StepStatusSucceeded, final.Step("s1").Status)
	assert.Equal(t, models.StepStatusSucceeded, final.Step("s2").Status)
	assert.Equal(t, 2, final.CurrentStepIndex)
	require.NotNil(t, final.CompletedAt)

	require.Len(t, h.httpCalls, 1)
	assert.Equal(t, "https://example.com/data.json", h.httpCalls[0].Inputs["url"])

	types := drainEventTypes(ch)
	assert.Contains(t, types, models.EventStepStarted)
	assert.Contains(t, types, models.EventStepCompleted)
	assert.Contains(t, types, models.EventTaskCompleted)
}

func TestExecution_CheckpointGateSuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPlanner{plans: [][]*models.Step{{
		{ID: "approve-s1", Name: "approve send", Kind: models.StepKindCheckpoint,
			Status: models.StepStatusPending,
			Checkpoint: &models.CheckpointSpec{
				Type:    models.CheckpointTypeApproval,
				Prompt:  "Approve sending this email?",
				Preview: map[string]any{"gated_step_id": "s1"},
			},
			Retry: models.DefaultRetryPolicy()},
		{ID: "s1", Name: "send", Kind: models.StepKindPlugin,
			PluginNamespace: "send_email", Status: models.StepStatusPending,
			Inputs:    map[string]any{"to": "ops@example.com", "body": "report attached"},
			DependsOn: []string{"approve-s1"},
			Retry:     models.DefaultRetryPolicy()},
	}}}
	h := newHarness(t, harnessOptions{planner: p})

	task, err := h.tasks.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal: "Email the report", AutoStart: true,
	})
	require.NoError(t, err)

	// First pass suspends on the gate.
	require.NoError(t, h.orch.Execute(ctx, task))
	suspended, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusWaitingApproval, suspended.Status)
	assert.Equal(t, models.StepStatusWaitingApproval, suspended.Step("approve-s1").Status)
	assert.Equal(t, models.StepStatusPending, suspended.Step("s1").Status)

	pending, err := h.cps.ListPending(ctx, "org1", task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "approve-s1", pending[0].StepID)

	_, resumed, err := h.cps.Resolve(ctx, "org1", task.ID, "approve-s1",
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, resumed.Status)

	// A worker claims the requeued task and finishes the plan.
	require.NoError(t, h.orch.Execute(ctx, resumed))
	final, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, models.StepStatusSucceeded, final.Step("s1").Status)
	assert.Equal(t, true, final.Step("s1").Output["sent"])
	// Planning did not run a second time.
	assert.Equal(t, 1, p.planCalls)
}

func TestExecution_HostPolicyViolationFailsTask(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPlanner{plans: [][]*models.Step{{
		{ID: "s1", Name: "fetch", Kind: models.StepKindPlugin,
			PluginNamespace: "http.get", Status: models.StepStatusPending,
			Inputs: map[string]any{"url": "https://evil.example.net/x"},
			Retry:  models.DefaultRetryPolicy()},
	}}}
	h := newHarness(t, harnessOptions{planner: p})

	task, err := h.tasks.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal: "fetch the feed", AutoStart: true,
		Constraints: &models.Constraints{
			AllowedHosts: []string{"api.example.com"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, task))

	final, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, string(taskerr.KindPolicyViolation), final.ErrorKind)

	s1 := final.Step("s1")
	assert.Equal(t, models.StepStatusFailed, s1.Status)
	require.NotNil(t, s1.Error)
	assert.Equal(t, string(taskerr.KindPolicyViolation), s1.Error.Kind)
	// Policy checks run before the handler: the request never left the
	// process, and a non-retryable failure gets no second attempt.
	assert.Empty(t, h.httpCalls)
	assert.Equal(t, 1, s1.Attempt)
}

func TestExecution_ConcurrentWritersRetryOnStaleVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	created, err := mem.CreateTask(ctx, &models.Task{
		ID: "t1", UserID: "u1", Goal: "g", Status: models.TaskStatusRunning,
	})
	require.NoError(t, err)
	base := created.Version

	// Two writers race from the same observed version.
	idx := 3
	first, err := mem.UpdateTask(ctx, "t1", base, store.UpdateFields{
		CurrentStepIndex: &idx,
	})
	require.NoError(t, err)
	assert.Equal(t, base+1, first.Version)

	waiting := models.TaskStatusWaitingApproval
	_, err = mem.UpdateTask(ctx, "t1", base, store.UpdateFields{Status: &waiting})
	require.True(t, taskerr.IsKind(err, taskerr.KindStaleVersion))

	// The loser re-reads and retries; neither write is lost.
	fresh, err := mem.GetTask(ctx, "t1")
	require.NoError(t, err)
	second, err := mem.UpdateTask(ctx, "t1", fresh.Version, store.UpdateFields{Status: &waiting})
	require.NoError(t, err)
	assert.Equal(t, base+2, second.Version)
	assert.Equal(t, 3, second.CurrentStepIndex)
	assert.Equal(t, models.TaskStatusWaitingApproval, second.Status)
}

func TestExecution_FindingTriggersReplanAndSuffixRuns(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPlanner{
		plans: [][]*models.Step{{
			{ID: "s1", Name: "search", Kind: models.StepKindPlugin,
				PluginNamespace: "search", Status: models.StepStatusPending,
				Inputs: map[string]any{"query": "the report"},
				Retry:  models.DefaultRetryPolicy()},
		}},
		suffixes: [][]*models.Step{{
			{ID: "s2", Name: "download", Kind: models.StepKindPlugin,
				PluginNamespace: "http.get", Status: models.StepStatusPending,
				Inputs:    map[string]any{"url": "https://files.example.com/report.pdf"},
				DependsOn: []string{"s1"},
				Retry:     models.DefaultRetryPolicy()},
			{ID: "s3", Name: "summarise", Kind: models.StepKindLLMAgent,
				Status:    models.StepStatusPending,
				Inputs:    map[string]any{"content": "{{steps.s2.body}}"},
				DependsOn: []string{"s2"},
				Retry:     models.DefaultRetryPolicy()},
		}},
	}
	h := newHarness(t, harnessOptions{
		planner: p,
		searchHandler: func(ctx context.Context, inv plugin.Invocation) (*plugin.Result, error) {
			return &plugin.Result{
				Outputs: map[string]any{"hits": 1},
				Findings: []*models.Finding{{
					Kind:    models.FindingKindSuggestion,
					Content: "result is a file, needs a download step",
					Data:    map[string]any{models.ReplanReason: true},
				}},
			}, nil
		},
	})

	task, err := h.tasks.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal: "find and summarise the report", AutoStart: true,
		Constraints: &models.Constraints{
			AllowedHosts: []string{"files.example.com"},
		},
	})
	require.NoError(t, err)

	_, ch := h.bus.Subscribe("test", "task."+task.ID+".**")
	require.NoError(t, h.orch.Execute(ctx, task))

	final, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, 1, p.replanCalls)
	require.NotEmpty(t, p.findingsSeen)
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, models.StepStatusSucceeded, final.Step(id).Status, "step %s", id)
	}

	types := drainEventTypes(ch)
	assert.Contains(t, types, models.EventReplanStarted)
	assert.Contains(t, types, models.EventReplanCompleted)
}

func TestExecution_CancellationDrainsRunningStep(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once

	p := &scriptedPlanner{plans: [][]*models.Step{{
		{ID: "s1", Name: "wait", Kind: models.StepKindPlugin,
			PluginNamespace: "sleepy", Status: models.StepStatusPending,
			Retry: models.DefaultRetryPolicy()},
		{ID: "s2", Name: "after", Kind: models.StepKindPlugin,
			PluginNamespace: "http.get", Status: models.StepStatusPending,
			Inputs:    map[string]any{"url": "https://example.com/next"},
			DependsOn: []string{"s1"},
			Retry:     models.DefaultRetryPolicy()},
	}}}
	h := newHarness(t, harnessOptions{
		planner: p,
		sleepyHandler: func(ctx context.Context, inv plugin.Invocation) (*plugin.Result, error) {
			startOnce.Do(func() { close(started) })
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
				return &plugin.Result{}, nil
			}
		},
	})
	defer close(release)

	task, err := h.tasks.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal: "slow job", AutoStart: true,
	})
	require.NoError(t, err)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	done := make(chan error, 1)
	go func() { done <- h.orch.Execute(execCtx, task) }()

	<-started
	// The durable flag plus the context pull stand in for what
	// TaskService.Cancel and WorkerPool.CancelTask do on a live worker.
	require.NoError(t, h.mem.RequestCancel(ctx, task.ID))
	cancelExec()

	require.NoError(t, <-done)
	final, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, final.Status)
	assert.Equal(t, models.StepStatusCancelled, final.Step("s1").Status)
	assert.Equal(t, models.StepStatusCancelled, final.Step("s2").Status)
	require.NotNil(t, final.CompletedAt)
	// The downstream fetch never executed.
	assert.Empty(t, h.httpCalls)
}
