package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

type fakePlugins struct {
	fn      func(inv plugin.Invocation) (*plugin.Result, error)
	lastInv plugin.Invocation
}

func (f *fakePlugins) Execute(_ context.Context, _ string, inv plugin.Invocation) (*plugin.Result, error) {
	f.lastInv = inv
	return f.fn(inv)
}

type fakeAgent struct {
	result *llm.AgentResult
	err    error
}

func (f *fakeAgent) Run(_ context.Context, _ *models.Task, _ *models.Step,
	_ map[string]any, _ []llm.Attachment) (*llm.AgentResult, error) {
	return f.result, f.err
}

type fakeCheckpoints struct {
	cp  *models.Checkpoint
	err error
}

func (f *fakeCheckpoints) Create(_ context.Context, _ *models.Task, _ *models.Step) (*models.Checkpoint, error) {
	return f.cp, f.err
}

func seedDispatchTask(t *testing.T, mem *store.MemoryStore, steps ...*models.Step) *models.Task {
	t.Helper()
	task, err := mem.CreateTask(context.Background(), &models.Task{
		ID:     "t1",
		UserID: "u1",
		Goal:   "run the pipeline",
		Status: models.TaskStatusRunning,
		Steps:  steps,
		Constraints: models.Constraints{
			AllowedHosts: []string{"api.example.com"},
		},
	})
	require.NoError(t, err)
	return task
}

func TestDispatcher_PluginSuccess(t *testing.T) {
	mem := store.NewMemoryStore()
	plugins := &fakePlugins{fn: func(inv plugin.Invocation) (*plugin.Result, error) {
		return &plugin.Result{Outputs: map[string]any{"body": "ok"}}, nil
	}}
	d := NewDispatcher(Options{
		Store: mem, Plugins: plugins, OrgHosts: []string{"cdn.example.org"},
	})
	seedDispatchTask(t, mem, &models.Step{
		ID: "fetch", Kind: models.StepKindPlugin, PluginNamespace: "http.get",
		Inputs: map[string]any{"url": "https://api.example.com/r"},
		Retry:  models.DefaultRetryPolicy(),
		Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, out.Status)

	// Task and org allowlists were merged onto the invocation.
	assert.ElementsMatch(t, []string{"api.example.com", "cdn.example.org"}, plugins.lastInv.AllowedHosts)
	assert.Equal(t, 1, plugins.lastInv.Attempt)

	got, err := mem.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	step := got.Step("fetch")
	assert.Equal(t, models.StepStatusSucceeded, step.Status)
	assert.Equal(t, "ok", step.Output["body"])
	assert.Equal(t, 1, step.Attempt)
	require.NotNil(t, step.StartedAt)
	require.NotNil(t, step.CompletedAt)
}

func TestDispatcher_RetryableFailureGoesBackToPending(t *testing.T) {
	mem := store.NewMemoryStore()
	plugins := &fakePlugins{fn: func(plugin.Invocation) (*plugin.Result, error) {
		return nil, taskerr.New(taskerr.KindNetwork, "connection reset")
	}}
	d := NewDispatcher(Options{Store: mem, Plugins: plugins})
	seedDispatchTask(t, mem, &models.Step{
		ID: "fetch", Kind: models.StepKindPlugin, PluginNamespace: "http.get",
		Retry:  models.RetryPolicy{MaxAttempts: 2, InitialDelaySec: 1, Multiplier: 2, MaxDelaySec: 60},
		Status: models.StepStatusReady,
	})
	ctx := context.Background()

	// First attempt: retryable, attempts remain.
	out, err := d.ExecuteStep(ctx, "t1", "fetch")
	require.NoError(t, err)
	assert.True(t, out.Retrying())
	assert.Equal(t, models.StepStatusPending, out.Status)
	assert.Equal(t, time.Second, out.RetryAfter)

	got, _ := mem.GetTask(ctx, "t1")
	assert.Equal(t, models.StepStatusPending, got.Step("fetch").Status)
	assert.Equal(t, 1, got.Step("fetch").Attempt)
	assert.Nil(t, got.Step("fetch").CompletedAt)

	// Second attempt exhausts the budget.
	out, err = d.ExecuteStep(ctx, "t1", "fetch")
	require.NoError(t, err)
	assert.False(t, out.Retrying())
	assert.Equal(t, models.StepStatusFailed, out.Status)

	got, _ = mem.GetTask(ctx, "t1")
	step := got.Step("fetch")
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Equal(t, 2, step.Attempt)
	require.NotNil(t, step.Error)
	assert.Equal(t, string(taskerr.KindNetwork), step.Error.Kind)
	require.NotNil(t, step.CompletedAt)
}

func TestDispatcher_NonRetryableFailureIsFinal(t *testing.T) {
	mem := store.NewMemoryStore()
	plugins := &fakePlugins{fn: func(plugin.Invocation) (*plugin.Result, error) {
		return nil, taskerr.New(taskerr.KindPolicyViolation, "host denied")
	}}
	d := NewDispatcher(Options{Store: mem, Plugins: plugins})
	seedDispatchTask(t, mem, &models.Step{
		ID: "fetch", Kind: models.StepKindPlugin, PluginNamespace: "http.get",
		Retry:  models.RetryPolicy{MaxAttempts: 5, InitialDelaySec: 1, Multiplier: 2},
		Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, out.Status)
	assert.Zero(t, out.RetryAfter)
}

func TestDispatcher_UnresolvedReferenceFailsStep(t *testing.T) {
	mem := store.NewMemoryStore()
	plugins := &fakePlugins{fn: func(plugin.Invocation) (*plugin.Result, error) {
		t.Fatal("plugin must not run on unresolved inputs")
		return nil, nil
	}}
	d := NewDispatcher(Options{Store: mem, Plugins: plugins})
	seedDispatchTask(t, mem, &models.Step{
		ID: "use", Kind: models.StepKindPlugin, PluginNamespace: "http.get",
		Inputs: map[string]any{"url": "{{steps.ghost.url}}"},
		Retry:  models.DefaultRetryPolicy(),
		Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "use")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, out.Status)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, string(taskerr.KindInvalidInput), got.Step("use").Error.Kind)
}

func TestDispatcher_AgentFindingsAppended(t *testing.T) {
	mem := store.NewMemoryStore()
	agent := &fakeAgent{result: &llm.AgentResult{
		Outputs: map[string]any{"summary": "fine"},
		Findings: []*models.Finding{
			{SourceStepID: "sum", Kind: models.FindingKindWarning, Content: "data is stale"},
		},
	}}
	d := NewDispatcher(Options{Store: mem, Agent: agent})
	seedDispatchTask(t, mem, &models.Step{
		ID: "sum", Kind: models.StepKindLLMAgent,
		Retry:  models.DefaultRetryPolicy(),
		Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "sum")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, out.Status)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, "fine", got.Step("sum").Output["summary"])
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "data is stale", got.Findings[0].Content)
}

func TestDispatcher_BranchSkipsLosingArm(t *testing.T) {
	mem := store.NewMemoryStore()
	d := NewDispatcher(Options{Store: mem})
	seedDispatchTask(t, mem,
		&models.Step{ID: "fetch", Kind: models.StepKindPlugin, Status: models.StepStatusSucceeded,
			Output: map[string]any{"status": float64(200)}},
		&models.Step{ID: "decide", Kind: models.StepKindBranch,
			Branch: &models.BranchSpec{
				Condition: `steps.fetch.output.status == 200`,
				WhenTrue:  []string{"publish"},
				WhenFalse: []string{"alert"},
			},
			Retry: models.DefaultRetryPolicy(), Status: models.StepStatusReady},
		&models.Step{ID: "publish", Kind: models.StepKindLLMAgent, Status: models.StepStatusPending,
			DependsOn: []string{"decide"}},
		&models.Step{ID: "alert", Kind: models.StepKindLLMAgent, Status: models.StepStatusPending,
			DependsOn: []string{"decide"}},
	)

	out, err := d.ExecuteStep(context.Background(), "t1", "decide")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, out.Status)
	assert.Equal(t, []string{"alert"}, out.SkippedSteps)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, true, got.Step("decide").Output["condition_result"])
	assert.Equal(t, models.StepStatusSkipped, got.Step("alert").Status)
	assert.Equal(t, models.StepStatusPending, got.Step("publish").Status)
}

func TestDispatcher_BranchEvalFailureTakesDefault(t *testing.T) {
	mem := store.NewMemoryStore()
	d := NewDispatcher(Options{Store: mem})
	seedDispatchTask(t, mem,
		&models.Step{ID: "decide", Kind: models.StepKindBranch,
			Branch: &models.BranchSpec{
				Condition: `steps.missing.output.x > len(`,
				Default:   false,
				WhenTrue:  []string{"publish"},
			},
			Retry: models.DefaultRetryPolicy(), Status: models.StepStatusReady},
		&models.Step{ID: "publish", Kind: models.StepKindLLMAgent, Status: models.StepStatusPending},
	)

	out, err := d.ExecuteStep(context.Background(), "t1", "decide")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, out.Status)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, false, got.Step("decide").Output["condition_result"])
	assert.Equal(t, models.StepStatusSkipped, got.Step("publish").Status)
}

func TestDispatcher_CheckpointSuspends(t *testing.T) {
	mem := store.NewMemoryStore()
	cps := &fakeCheckpoints{cp: &models.Checkpoint{
		ID: "cp1", TaskID: "t1", StepID: "gate", Decision: models.DecisionPending,
	}}
	d := NewDispatcher(Options{Store: mem, Checkpoints: cps})
	seedDispatchTask(t, mem, &models.Step{
		ID: "gate", Kind: models.StepKindCheckpoint,
		Checkpoint: &models.CheckpointSpec{Type: models.CheckpointTypeApproval, Prompt: "ok?"},
		Retry:      models.DefaultRetryPolicy(), Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "gate")
	require.NoError(t, err)
	assert.True(t, out.Suspended)
	assert.Equal(t, models.StepStatusWaitingApproval, out.Status)
	assert.Equal(t, "cp1", out.Checkpoint.ID)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, models.StepStatusWaitingApproval, got.Step("gate").Status)
}

func TestDispatcher_CheckpointAutoApprovedCompletes(t *testing.T) {
	mem := store.NewMemoryStore()
	cps := &fakeCheckpoints{cp: &models.Checkpoint{
		ID: "cp1", TaskID: "t1", StepID: "gate",
		Decision: models.DecisionAutoApproved, PreferenceID: "p1",
	}}
	d := NewDispatcher(Options{Store: mem, Checkpoints: cps})
	seedDispatchTask(t, mem, &models.Step{
		ID: "gate", Kind: models.StepKindCheckpoint,
		Checkpoint: &models.CheckpointSpec{Type: models.CheckpointTypeApproval, Prompt: "ok?"},
		Retry:      models.DefaultRetryPolicy(), Status: models.StepStatusReady,
	})

	out, err := d.ExecuteStep(context.Background(), "t1", "gate")
	require.NoError(t, err)
	assert.False(t, out.Suspended)
	assert.Equal(t, models.StepStatusSucceeded, out.Status)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, string(models.DecisionAutoApproved), got.Step("gate").Output["decision"])
}

type fakeFetcher struct {
	data map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, ref models.FileReference) ([]byte, error) {
	return f.data[ref.FileID], nil
}

func TestDispatcher_OversizedFileFailsStep(t *testing.T) {
	mem := store.NewMemoryStore()
	agent := &fakeAgent{result: &llm.AgentResult{Outputs: map[string]any{}}}
	d := NewDispatcher(Options{Store: mem, Agent: agent, Files: &fakeFetcher{}})

	task, err := mem.CreateTask(context.Background(), &models.Task{
		ID: "t1", UserID: "u1", Goal: "g", Status: models.TaskStatusRunning,
		Constraints: models.Constraints{
			FileReferences: []models.FileReference{
				{FileID: "f1", Name: "huge.png", MimeType: "image/png", SizeByte: 64 << 20},
			},
		},
		Steps: []*models.Step{{
			ID: "sum", Kind: models.StepKindLLMAgent,
			Retry: models.DefaultRetryPolicy(), Status: models.StepStatusReady,
		}},
	})
	require.NoError(t, err)

	out, err := d.ExecuteStep(context.Background(), task.ID, "sum")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, out.Status)

	got, _ := mem.GetTask(context.Background(), "t1")
	assert.Equal(t, string(taskerr.KindInvalidInput), got.Step("sum").Error.Kind)
}
