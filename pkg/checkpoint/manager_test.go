package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	return NewManager(mem, nil, time.Hour, nil), mem
}

func seedTask(t *testing.T, mem *store.MemoryStore, id string) *models.Task {
	t.Helper()
	task, err := mem.CreateTask(context.Background(), &models.Task{
		ID:     id,
		UserID: "u1",
		Goal:   "send the weekly report",
		Status: models.TaskStatusRunning,
		Steps: []*models.Step{
			{ID: "notify", Name: "Send report", Kind: models.StepKindPlugin,
				PluginNamespace: "send_email", Status: models.StepStatusWaitingApproval},
		},
	})
	require.NoError(t, err)
	return task
}

func approvalStep() *models.Step {
	return &models.Step{
		ID:              "notify",
		Name:            "Send report",
		Kind:            models.StepKindPlugin,
		PluginNamespace: "send_email",
		Checkpoint: &models.CheckpointSpec{
			Type:    models.CheckpointTypeApproval,
			Prompt:  "Send the report?",
			Preview: map[string]any{"to": "ops@example.com"},
		},
	}
}

func TestManager_Create_Pending(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")

	cp, err := mgr.Create(context.Background(), task, approvalStep())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, cp.Decision)
	assert.Equal(t, "Send the report?", cp.Prompt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cp.ExpiresAt, time.Minute)

	// Creating again for the same step converges on the existing record.
	again, err := mgr.Create(context.Background(), task, approvalStep())
	require.NoError(t, err)
	assert.Equal(t, cp.ID, again.ID)
}

func TestManager_Create_SpecExpiryWins(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")

	step := approvalStep()
	step.Checkpoint.ExpirySec = 60

	cp, err := mgr.Create(context.Background(), task, step)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), cp.ExpiresAt, 10*time.Second)
}

func TestManager_Resolve_Idempotent(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")
	cp, err := mgr.Create(context.Background(), task, approvalStep())
	require.NoError(t, err)

	approved, err := mgr.Resolve(context.Background(), cp.ID,
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, approved.Decision)
	require.NotNil(t, approved.DecidedAt)

	// Same decision again: success, unchanged record.
	again, err := mgr.Resolve(context.Background(), cp.ID,
		&models.CheckpointResponse{Decision: models.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, approved.DecidedAt, again.DecidedAt)

	// Conflicting decision reports the existing resolution.
	conflicting, err := mgr.Resolve(context.Background(), cp.ID,
		&models.CheckpointResponse{Decision: models.DecisionRejected})
	require.Error(t, err)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))
	require.NotNil(t, conflicting)
	assert.Equal(t, models.DecisionApproved, conflicting.Decision)
}

func TestManager_Resolve_RejectsBadDecision(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Resolve(context.Background(), "whatever",
		&models.CheckpointResponse{Decision: models.DecisionExpired})
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))

	_, err = mgr.Resolve(context.Background(), "whatever", nil)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))
}

func TestManager_Resolve_InputSchemaValidation(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")

	step := approvalStep()
	step.Checkpoint.Type = models.CheckpointTypeInput
	step.Checkpoint.InputSchema = map[string]any{
		"type":       "object",
		"required":   []any{"recipient"},
		"properties": map[string]any{"recipient": map[string]any{"type": "string"}},
	}

	cp, err := mgr.Create(context.Background(), task, step)
	require.NoError(t, err)

	// Missing required answer.
	_, err = mgr.Resolve(context.Background(), cp.ID, &models.CheckpointResponse{
		Decision: models.DecisionApproved,
		Inputs:   map[string]any{},
	})
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))

	// Valid answer resolves.
	resolved, err := mgr.Resolve(context.Background(), cp.ID, &models.CheckpointResponse{
		Decision: models.DecisionApproved,
		Inputs:   map[string]any{"recipient": "ops@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", resolved.Response.Inputs["recipient"])
}

func TestManager_Resolve_SelectValidation(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")

	step := approvalStep()
	step.Checkpoint.Type = models.CheckpointTypeSelect
	step.Checkpoint.Alternatives = []string{"plan-a", "plan-b"}

	cp, err := mgr.Create(context.Background(), task, step)
	require.NoError(t, err)

	_, err = mgr.Resolve(context.Background(), cp.ID, &models.CheckpointResponse{
		Decision:            models.DecisionApproved,
		SelectedAlternative: "plan-c",
	})
	assert.True(t, taskerr.IsKind(err, taskerr.KindInvalidInput))

	resolved, err := mgr.Resolve(context.Background(), cp.ID, &models.CheckpointResponse{
		Decision:            models.DecisionApproved,
		SelectedAlternative: "plan-b",
	})
	require.NoError(t, err)
	assert.Equal(t, "plan-b", resolved.Response.SelectedAlternative)
}

func TestManager_Resolve_RejectionSkipsPayloadValidation(t *testing.T) {
	mgr, mem := newTestManager(t)
	task := seedTask(t, mem, "t1")

	step := approvalStep()
	step.Checkpoint.Type = models.CheckpointTypeSelect
	step.Checkpoint.Alternatives = []string{"plan-a"}

	cp, err := mgr.Create(context.Background(), task, step)
	require.NoError(t, err)

	// Rejecting requires no alternative.
	resolved, err := mgr.Resolve(context.Background(), cp.ID, &models.CheckpointResponse{
		Decision: models.DecisionRejected,
		Feedback: "not now",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, resolved.Decision)
}

func TestManager_PreferenceLearningAndAutoApprove(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	// Six consistent approvals of the same checkpoint shape build the
	// confidence past the auto-decide threshold.
	for i := 0; i < 6; i++ {
		task := seedTask(t, mem, fmt.Sprintf("t%d", i))
		cp, err := mgr.Create(ctx, task, approvalStep())
		require.NoError(t, err)
		require.Equal(t, models.DecisionPending, cp.Decision,
			"checkpoint %d should still need a human", i)

		_, err = mgr.Resolve(ctx, cp.ID,
			&models.CheckpointResponse{Decision: models.DecisionApproved, Learn: true})
		require.NoError(t, err)
	}

	key := Fingerprint(&models.Checkpoint{
		Type:    models.CheckpointTypeApproval,
		StepID:  "notify",
		Preview: map[string]any{"to": "x"},
	})
	pref, err := mem.GetPreference(ctx, "u1", models.ScopeAgentType, "send_email", key)
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Greater(t, pref.Confidence, AutoDecideThreshold)

	// The next identical checkpoint is auto-approved.
	task := seedTask(t, mem, "t-final")
	cp, err := mgr.Create(ctx, task, approvalStep())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAutoApproved, cp.Decision)
	assert.Equal(t, pref.ID, cp.PreferenceID)
}

func TestManager_ContradictionLowersConfidence(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := seedTask(t, mem, fmt.Sprintf("t%d", i))
		cp, err := mgr.Create(ctx, task, approvalStep())
		require.NoError(t, err)
		_, err = mgr.Resolve(ctx, cp.ID,
			&models.CheckpointResponse{Decision: models.DecisionApproved, Learn: true})
		require.NoError(t, err)
	}

	key := Fingerprint(&models.Checkpoint{
		Type:    models.CheckpointTypeApproval,
		StepID:  "notify",
		Preview: map[string]any{"to": "x"},
	})
	before, err := mem.GetPreference(ctx, "u1", models.ScopeAgentType, "send_email", key)
	require.NoError(t, err)
	require.NotNil(t, before)

	// A rejection knocks the approval confidence down.
	task := seedTask(t, mem, "t-reject")
	cp, err := mgr.Create(ctx, task, approvalStep())
	require.NoError(t, err)
	_, err = mgr.Resolve(ctx, cp.ID,
		&models.CheckpointResponse{Decision: models.DecisionRejected, Learn: true})
	require.NoError(t, err)

	after, err := mem.GetPreference(ctx, "u1", models.ScopeAgentType, "send_email", key)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Less(t, after.Confidence, before.Confidence)
	assert.Equal(t, models.DecisionApproved, after.Decision)
}

func TestManager_NonApprovalTypesAreNeverAutoDecided(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	// Even a fully confident preference leaves input checkpoints pending.
	for i := 0; i < 8; i++ {
		task := seedTask(t, mem, fmt.Sprintf("t%d", i))
		cp, err := mgr.Create(ctx, task, approvalStep())
		require.NoError(t, err)
		if cp.Decision == models.DecisionPending {
			_, err = mgr.Resolve(ctx, cp.ID,
				&models.CheckpointResponse{Decision: models.DecisionApproved, Learn: true})
			require.NoError(t, err)
		}
	}

	step := approvalStep()
	step.Checkpoint.Type = models.CheckpointTypeInput
	task := seedTask(t, mem, "t-input")
	cp, err := mgr.Create(ctx, task, step)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, cp.Decision)
}

func TestManager_SweepExpired(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()
	task := seedTask(t, mem, "t1")

	step := approvalStep()
	step.Checkpoint.ExpirySec = 600

	cp, err := mgr.Create(ctx, task, step)
	require.NoError(t, err)

	// Nothing expires before the deadline.
	expired, err := mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Advance the manager clock past the expiry.
	mgr.now = func() time.Time { return time.Now().Add(time.Hour) }

	expired, err = mgr.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, cp.ID, expired[0].ID)
	assert.Equal(t, models.DecisionExpired, expired[0].Decision)

	// The gated step failed with the expiry error kind.
	got, err := mem.GetTask(ctx, "t1")
	require.NoError(t, err)
	stepAfter := got.Step("notify")
	require.NotNil(t, stepAfter)
	assert.Equal(t, models.StepStatusFailed, stepAfter.Status)
	require.NotNil(t, stepAfter.Error)
	assert.Equal(t, string(taskerr.KindCheckpointExpired), stepAfter.Error.Kind)

	// Sweeping again is a no-op.
	expired, err = mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
