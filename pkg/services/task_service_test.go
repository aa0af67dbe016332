package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

type recordingCanceller struct{ cancelled []string }

func (r *recordingCanceller) CancelTask(taskID string) bool {
	r.cancelled = append(r.cancelled, taskID)
	return true
}

func newTaskService(t *testing.T) (*TaskService, *store.MemoryStore, *recordingCanceller) {
	t.Helper()
	mem := store.NewMemoryStore()
	canceller := &recordingCanceller{}
	return NewTaskService(mem, nil, canceller, nil), mem, canceller
}

func TestTaskService_Create_Validation(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{})
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))

	_, err = svc.Create(ctx, "u1", "org1", nil)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))

	_, err = svc.Create(ctx, "", "org1", &models.CreateTaskRequest{Goal: "g"})
	assert.True(t, taskerr.IsKind(err, taskerr.KindUnauthorized))
}

func TestTaskService_Create_DraftAndAutoStart(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	draft, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "plan later"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDraft, draft.Status)
	assert.Equal(t, draft.ID, draft.TreeID)

	queued, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal:      "go now",
		AutoStart: true,
		Constraints: &models.Constraints{
			AllowedHosts: []string{"example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, queued.Status)
	assert.Equal(t, []string{"example.com"}, queued.Constraints.AllowedHosts)
}

func TestTaskService_Create_SubTaskInheritsTree(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	parent, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "root"})
	require.NoError(t, err)

	child, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal:         "subtask",
		ParentTaskID: parent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, parent.TreeID, child.TreeID)
	assert.Equal(t, parent.ID, child.ParentTaskID)
}

func TestTaskService_Get_OwnershipIsNotFound(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "mine"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "org2", task.ID)
	assert.True(t, taskerr.IsKind(err, taskerr.KindNotFound))

	got, err := svc.Get(ctx, "org1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestTaskService_Start(t *testing.T) {
	svc, mem, _ := newTaskService(t)
	ctx := context.Background()

	draft, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "g"})
	require.NoError(t, err)

	started, err := svc.Start(ctx, "org1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, started.Status)

	// Starting an already-queued task is a no-op.
	again, err := svc.Start(ctx, "org1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, again.Status)

	// A terminal task cannot start.
	completed := models.TaskStatusCompleted
	fresh, err := mem.GetTask(ctx, draft.ID)
	require.NoError(t, err)
	_, err = mem.UpdateTask(ctx, draft.ID, fresh.Version, store.UpdateFields{Status: &completed})
	require.NoError(t, err)
	_, err = svc.Start(ctx, "org1", draft.ID)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))
}

func TestTaskService_Cancel_DraftFinalizesImmediately(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	draft, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "g"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, "org1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	// Idempotent on terminal tasks.
	again, err := svc.Cancel(ctx, "org1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, again.Status)
}

func TestTaskService_Cancel_RunningSetsFlagAndSignalsPool(t *testing.T) {
	svc, mem, canceller := newTaskService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{
		Goal: "g", AutoStart: true,
	})
	require.NoError(t, err)

	running := models.TaskStatusRunning
	fresh, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = mem.UpdateTask(ctx, task.ID, fresh.Version, store.UpdateFields{Status: &running})
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, "org1", task.ID)
	require.NoError(t, err)
	// Draining is cooperative; the status flips once the scheduler observes
	// the flag.
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, []string{task.ID}, canceller.cancelled)

	lease, err := mem.GetLease(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, lease.CancelRequested)
}

func TestTaskService_Cancel_WaitingApprovalRejectsCheckpoints(t *testing.T) {
	svc, mem, _ := newTaskService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "g", AutoStart: true})
	require.NoError(t, err)

	waiting := models.TaskStatusWaitingApproval
	fresh, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = mem.UpdateTask(ctx, task.ID, fresh.Version, store.UpdateFields{
		Status: &waiting,
		Steps: []*models.Step{{
			ID: "gate", Kind: models.StepKindCheckpoint,
			Status: models.StepStatusWaitingApproval,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, mem.CreateCheckpoint(ctx, &models.Checkpoint{
		ID: "cp1", TaskID: task.ID, StepID: "gate",
		Type: models.CheckpointTypeApproval, Decision: models.DecisionPending,
	}))

	cancelled, err := svc.Cancel(ctx, "org1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, models.StepStatusCancelled, cancelled.Step("gate").Status)

	cp, err := mem.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, cp.Decision)
	require.NotNil(t, cp.Response)
	assert.Equal(t, "cancelled", cp.Response.Feedback)
}

func TestTaskService_LinkConversation(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "u1", "org1", &models.CreateTaskRequest{Goal: "g"})
	require.NoError(t, err)

	linked, err := svc.LinkConversation(ctx, "org1", task.ID, "conv-42")
	require.NoError(t, err)
	assert.Equal(t, "conv-42", linked.ConversationID())

	_, err = svc.LinkConversation(ctx, "org1", task.ID, "")
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))
}
