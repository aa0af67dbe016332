package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/scheduler"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// fakePlanner returns canned step graphs.
type fakePlanner struct {
	planSteps   []*models.Step
	planErr     error
	replanSteps []*models.Step
	replanErr   error

	planCalls   int
	replanCalls int
}

func (f *fakePlanner) Plan(ctx context.Context, task *models.Task) ([]*models.Step, error) {
	f.planCalls++
	return clonedSteps(f.planSteps), f.planErr
}

func (f *fakePlanner) Replan(ctx context.Context, task *models.Task, triggeringStepID string, findings []*models.Finding) ([]*models.Step, error) {
	f.replanCalls++
	return clonedSteps(f.replanSteps), f.replanErr
}

func clonedSteps(steps []*models.Step) []*models.Step {
	out := make([]*models.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// fakeScheduler plays back scripted run results, persisting each result's
// step statuses first so the orchestrator sees a consistent task.
type fakeScheduler struct {
	mem     *store.MemoryStore
	results []schedResult
	calls   int
}

type schedResult struct {
	stepStatuses map[string]models.StepStatus
	stepErrors   map[string]*models.StepError
	suspended    bool
	cancelled    bool
	replanStepID string
	err          error
}

func (f *fakeScheduler) Run(ctx context.Context, taskID string) (*scheduler.RunResult, error) {
	if f.calls >= len(f.results) {
		return nil, taskerr.New(taskerr.KindInternal, "unexpected scheduler run %d", f.calls)
	}
	res := f.results[f.calls]
	f.calls++

	if res.err != nil {
		return nil, res.err
	}

	for stepID, status := range res.stepStatuses {
		upd := store.StepUpdate{Status: status}
		if se, ok := res.stepErrors[stepID]; ok {
			upd.Error = se
		}
		if _, err := store.UpdateStepStatus(ctx, f.mem, taskID, stepID, upd); err != nil {
			return nil, err
		}
	}

	task, err := f.mem.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &scheduler.RunResult{
		Task:            task,
		Suspended:       res.suspended,
		Cancelled:       res.cancelled,
		ReplanRequested: res.replanStepID != "",
		ReplanStepID:    res.replanStepID,
	}, nil
}

func seedOrchTask(t *testing.T, mem *store.MemoryStore, task *models.Task) *models.Task {
	t.Helper()
	if task.ID == "" {
		task.ID = "t1"
	}
	if task.UserID == "" {
		task.UserID = "u1"
	}
	if task.Goal == "" {
		task.Goal = "do the thing"
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPlanning
	}
	created, err := mem.CreateTask(context.Background(), task)
	require.NoError(t, err)
	return created
}

func TestOrchestrator_PlanThenComplete(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planSteps: []*models.Step{
		{ID: "a", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
	}}
	sched := &fakeScheduler{mem: mem, results: []schedResult{
		{stepStatuses: map[string]models.StepStatus{"a": models.StepStatusSucceeded}},
	}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, p.planCalls)
}

func TestOrchestrator_PlannerFailureFailsTask(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planErr: taskerr.New(taskerr.KindPlannerError, "model kept emitting cycles")}
	o := New(mem, p, &fakeScheduler{mem: mem}, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, string(taskerr.KindPlannerError), final.ErrorKind)
}

func TestOrchestrator_FailedStepFailsTaskWithStepError(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planSteps: []*models.Step{
		{ID: "a", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
	}}
	sched := &fakeScheduler{mem: mem, results: []schedResult{{
		stepStatuses: map[string]models.StepStatus{"a": models.StepStatusFailed},
		stepErrors: map[string]*models.StepError{"a": {
			Kind: string(taskerr.KindPluginFailure), Message: "upstream returned 502",
		}},
	}}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, string(taskerr.KindPluginFailure), final.ErrorKind)
	assert.Equal(t, "upstream returned 502", final.ErrorMessage)
}

func TestOrchestrator_SuspendsOnCheckpoint(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planSteps: []*models.Step{
		{ID: "gate", Kind: models.StepKindCheckpoint, Status: models.StepStatusPending},
	}}
	sched := &fakeScheduler{mem: mem, results: []schedResult{{
		stepStatuses: map[string]models.StepStatus{"gate": models.StepStatusWaitingApproval},
		suspended:    true,
	}}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusWaitingApproval, final.Status)
	assert.Nil(t, final.CompletedAt)
}

func TestOrchestrator_ResumeSkipsPlanning(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{
		Status: models.TaskStatusPlanning,
		Steps: []*models.Step{
			{ID: "done", Kind: models.StepKindPlugin, Status: models.StepStatusSucceeded},
			{ID: "next", Kind: models.StepKindPlugin, Status: models.StepStatusPending,
				DependsOn: []string{"done"}},
		},
	})

	p := &fakePlanner{}
	sched := &fakeScheduler{mem: mem, results: []schedResult{
		{stepStatuses: map[string]models.StepStatus{"next": models.StepStatusSucceeded}},
	}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Zero(t, p.planCalls)
}

func TestOrchestrator_ReplanSplicesSuffix(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{
		planSteps: []*models.Step{
			{ID: "probe", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
			{ID: "stale", Kind: models.StepKindPlugin, Status: models.StepStatusPending,
				DependsOn: []string{"probe"}},
		},
		replanSteps: []*models.Step{
			{ID: "fresh", Kind: models.StepKindPlugin, Status: models.StepStatusPending,
				DependsOn: []string{"probe"}},
		},
	}
	sched := &fakeScheduler{mem: mem, results: []schedResult{
		{
			stepStatuses: map[string]models.StepStatus{"probe": models.StepStatusSucceeded},
			replanStepID: "probe",
		},
		{stepStatuses: map[string]models.StepStatus{"fresh": models.StepStatusSucceeded}},
	}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, 1, p.replanCalls)
	// The unstarted step was superseded by the fresh suffix.
	assert.Nil(t, final.Step("stale"))
	require.NotNil(t, final.Step("fresh"))
	assert.Equal(t, models.StepStatusSucceeded, final.Step("fresh").Status)
	assert.Equal(t, models.StepStatusSucceeded, final.Step("probe").Status)
}

func TestOrchestrator_ReplanFailureFailsTask(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{
		planSteps: []*models.Step{
			{ID: "probe", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
		},
		replanErr: taskerr.New(taskerr.KindPlannerError, "revised plan failed validation"),
	}
	sched := &fakeScheduler{mem: mem, results: []schedResult{{
		stepStatuses: map[string]models.StepStatus{"probe": models.StepStatusSucceeded},
		replanStepID: "probe",
	}}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, string(taskerr.KindPlannerError), final.ErrorKind)
}

func TestOrchestrator_CancelledRun(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planSteps: []*models.Step{
		{ID: "a", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
	}}
	sched := &fakeScheduler{mem: mem, results: []schedResult{{
		stepStatuses: map[string]models.StepStatus{"a": models.StepStatusCancelled},
		cancelled:    true,
	}}}
	o := New(mem, p, sched, nil, nil)

	require.NoError(t, o.Execute(context.Background(), task))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestOrchestrator_TimeLimitAlreadyExceeded(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{
		Constraints: models.Constraints{TimeLimitSeconds: 1},
	})

	// Backdate creation beyond the limit.
	created, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	created.CreatedAt = time.Now().Add(-time.Minute)

	o := New(mem, &fakePlanner{}, &fakeScheduler{mem: mem}, nil, nil)
	require.NoError(t, o.Execute(context.Background(), created))

	final, err := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Status)
	assert.Equal(t, string(taskerr.KindTimeout), final.ErrorKind)
}

func TestOrchestrator_ShutdownLeavesTaskForRecovery(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedOrchTask(t, mem, &models.Task{})

	p := &fakePlanner{planSteps: []*models.Step{
		{ID: "a", Kind: models.StepKindPlugin, Status: models.StepStatusPending},
	}}
	sched := &fakeScheduler{mem: mem, results: []schedResult{{err: context.Canceled}}}
	o := New(mem, p, sched, nil, nil)

	err := o.Execute(context.Background(), task)
	require.ErrorIs(t, err, context.Canceled)

	// Not marked terminal; orphan recovery will reclaim it.
	final, gerr := mem.GetTask(context.Background(), task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.TaskStatusRunning, final.Status)
}
