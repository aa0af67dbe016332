package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/checkpoint"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

func newCheckpointService(t *testing.T) (*CheckpointService, *store.MemoryStore, *checkpoint.Manager) {
	t.Helper()
	mem := store.NewMemoryStore()
	mgr := checkpoint.NewManager(mem, nil, time.Hour, nil)
	return NewCheckpointService(mem, mgr, nil, nil), mem, mgr
}

// seedSuspendedTask creates a waiting_approval task with a pending
// checkpoint on its gate step, returning the checkpoint.
func seedSuspendedTask(t *testing.T, mem *store.MemoryStore, mgr *checkpoint.Manager,
	gate *models.Step, extra ...*models.Step) *models.Checkpoint {
	t.Helper()
	ctx := context.Background()

	gate.Kind = models.StepKindCheckpoint
	gate.Status = models.StepStatusWaitingApproval
	steps := append([]*models.Step{gate}, extra...)

	task, err := mem.CreateTask(ctx, &models.Task{
		ID: "t1", UserID: "u1", OrgID: "org1", Goal: "g",
		Status: models.TaskStatusWaitingApproval,
		Steps:  steps,
	})
	require.NoError(t, err)

	cp, err := mgr.Create(ctx, task, gate)
	require.NoError(t, err)
	require.Equal(t, models.DecisionPending, cp.Decision)
	return cp
}

func TestCheckpointService_ListPending(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr, &models.Step{ID: "gate", Name: "gate"})

	pending, err := svc.ListPending(ctx, "org1", "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "gate", pending[0].StepID)

	_, err = svc.ListPending(ctx, "org2", "t1")
	assert.True(t, taskerr.IsKind(err, taskerr.KindNotFound))
}

func TestCheckpointService_ApproveCompletesGateAndRequeues(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr,
		&models.Step{ID: "gate", Name: "gate"},
		&models.Step{ID: "after", Kind: models.StepKindPlugin,
			Status: models.StepStatusPending, DependsOn: []string{"gate"}},
	)

	cp, task, err := svc.Resolve(ctx, "org1", "t1", "gate",
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, cp.Decision)

	gate := task.Step("gate")
	assert.Equal(t, models.StepStatusSucceeded, gate.Status)
	assert.Equal(t, cp.ID, gate.Output["checkpoint_id"])
	// Back in the queue so a worker resumes execution.
	assert.Equal(t, models.TaskStatusPlanning, task.Status)
}

func TestCheckpointService_RejectFailsGate(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr, &models.Step{ID: "gate", Name: "gate"})

	cp, task, err := svc.Resolve(ctx, "org1", "t1", "gate",
		&models.CheckpointResponse{Decision: models.DecisionRejected, Feedback: "too risky"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, cp.Decision)

	gate := task.Step("gate")
	assert.Equal(t, models.StepStatusFailed, gate.Status)
	require.NotNil(t, gate.Error)
	assert.Equal(t, string(taskerr.KindForbidden), gate.Error.Kind)
	assert.Contains(t, gate.Error.Message, "too risky")
}

func TestCheckpointService_ModifyRewritesGatedStepInputs(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr,
		&models.Step{ID: "approve-send", Name: "approve-send",
			Checkpoint: &models.CheckpointSpec{
				Type:    models.CheckpointTypeModify,
				Prompt:  "Check the draft before it goes out",
				Preview: map[string]any{"gated_step_id": "send"},
			}},
		&models.Step{ID: "send", Kind: models.StepKindPlugin,
			PluginNamespace: "send_email",
			Status:          models.StepStatusPending,
			DependsOn:       []string{"approve-send"},
			Inputs:          map[string]any{"to": "a@example.com", "body": "draft"}},
	)

	_, task, err := svc.Resolve(ctx, "org1", "t1", "approve-send",
		&models.CheckpointResponse{
			Decision:       models.DecisionApproved,
			ModifiedInputs: map[string]any{"to": "a@example.com", "body": "final"},
		})
	require.NoError(t, err)

	send := task.Step("send")
	assert.Equal(t, "final", send.Inputs["body"])
	assert.Equal(t, models.StepStatusPending, send.Status)
}

func TestCheckpointService_RepeatResolutionIsIdempotent(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr, &models.Step{ID: "gate", Name: "gate"})

	resp := &models.CheckpointResponse{Decision: models.DecisionApproved}
	first, _, err := svc.Resolve(ctx, "org1", "t1", "gate", resp)
	require.NoError(t, err)

	// Same decision again: the existing resolution comes back, no error.
	second, task, err := svc.Resolve(ctx, "org1", "t1", "gate", resp)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.DecisionApproved, second.Decision)
	require.NotNil(t, task)

	// A conflicting decision reports the existing one.
	_, _, err = svc.Resolve(ctx, "org1", "t1", "gate",
		&models.CheckpointResponse{Decision: models.DecisionRejected})
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))
}

func TestCheckpointService_UnknownStepIsNotFound(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()
	seedSuspendedTask(t, mem, mgr, &models.Step{ID: "gate", Name: "gate"})

	_, _, err := svc.Resolve(ctx, "org1", "t1", "ghost",
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	assert.True(t, taskerr.IsKind(err, taskerr.KindNotFound))
}

func TestCheckpointService_StaysSuspendedWithOtherPendingCheckpoints(t *testing.T) {
	svc, mem, mgr := newCheckpointService(t)
	ctx := context.Background()

	gateA := &models.Step{ID: "gate-a", Name: "gate-a",
		Kind: models.StepKindCheckpoint, Status: models.StepStatusWaitingApproval}
	gateB := &models.Step{ID: "gate-b", Name: "gate-b",
		Kind: models.StepKindCheckpoint, Status: models.StepStatusWaitingApproval}
	task, err := mem.CreateTask(ctx, &models.Task{
		ID: "t1", UserID: "u1", OrgID: "org1", Goal: "g",
		Status: models.TaskStatusWaitingApproval,
		Steps:  []*models.Step{gateA, gateB},
	})
	require.NoError(t, err)
	_, err = mgr.Create(ctx, task, gateA)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, task, gateB)
	require.NoError(t, err)

	_, updated, err := svc.Resolve(ctx, "org1", "t1", "gate-a",
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	// gate-b still needs an answer, so the task stays suspended.
	assert.Equal(t, models.TaskStatusWaitingApproval, updated.Status)

	_, updated, err = svc.Resolve(ctx, "org1", "t1", "gate-b",
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, updated.Status)
}
