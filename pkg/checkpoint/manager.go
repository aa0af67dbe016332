// Package checkpoint manages human-in-the-loop suspension points: creating
// pending checkpoints, resolving them (by users or by learned preferences),
// learning from manual decisions, and expiring the ones nobody answered.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// AutoDecideThreshold is the minimum learned confidence for a preference to
// auto-approve a checkpoint without asking the user.
const AutoDecideThreshold = 0.85

// learningRate is the EMA step applied to preference confidence on every
// manual decision.
const learningRate = 0.3

// Store is the persistence surface the manager needs.
type Store interface {
	store.TaskStore
	store.CheckpointStore
	store.PreferenceStore
}

// Manager owns the checkpoint lifecycle.
type Manager struct {
	store         Store
	pub           *events.Publisher
	defaultExpiry time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// NewManager creates a checkpoint manager. bus may be nil in tests.
func NewManager(st Store, bus *events.Bus, defaultExpiry time.Duration, log *slog.Logger) *Manager {
	if defaultExpiry <= 0 {
		defaultExpiry = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:         st,
		pub:           events.NewPublisher(bus, "checkpoint-manager", models.SourceTypeCheckpoint),
		defaultExpiry: defaultExpiry,
		now:           time.Now,
		log:           log,
	}
}

// Create opens a pending checkpoint for the step and immediately consults
// learned preferences. When a matching preference clears the confidence
// threshold the checkpoint comes back already auto-approved. Creating a
// checkpoint for a step that already has a pending one returns the existing
// record, so retried schedulers converge on a single suspension.
func (m *Manager) Create(ctx context.Context, task *models.Task, step *models.Step) (*models.Checkpoint, error) {
	spec := step.Checkpoint
	if spec == nil {
		spec = &models.CheckpointSpec{
			Type:   models.CheckpointTypeApproval,
			Prompt: "Approve execution of " + step.Name + "?",
		}
	}

	expiry := m.defaultExpiry
	if spec.ExpirySec > 0 {
		expiry = time.Duration(spec.ExpirySec) * time.Second
	}
	now := m.now().UTC()

	cp := &models.Checkpoint{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		StepID:       step.ID,
		Type:         spec.Type,
		Prompt:       spec.Prompt,
		Preview:      spec.Preview,
		InputSchema:  spec.InputSchema,
		Alternatives: spec.Alternatives,
		Decision:     models.DecisionPending,
		ExpiresAt:    now.Add(expiry),
		CreatedAt:    now,
	}

	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		if errors.Is(err, store.ErrAlreadyPending) {
			return m.store.GetPendingCheckpoint(ctx, task.ID, step.ID)
		}
		return nil, err
	}

	m.pub.CheckpointCreated(ctx, cp)

	if decided, ok := m.tryAutoDecide(ctx, task, step, cp); ok {
		return decided, nil
	}
	return cp, nil
}

// tryAutoDecide consults learned preferences from narrowest to broadest
// scope. Only approvals are ever applied automatically; a learned rejection
// still goes to the user.
func (m *Manager) tryAutoDecide(ctx context.Context, task *models.Task, step *models.Step, cp *models.Checkpoint) (*models.Checkpoint, bool) {
	if cp.Type != models.CheckpointTypeApproval {
		return nil, false
	}

	key := Fingerprint(cp)
	for _, sc := range scopesFor(task, step) {
		pref, err := m.store.GetPreference(ctx, task.UserID, sc.scope, sc.value, key)
		if err != nil || pref == nil {
			continue
		}
		if pref.Confidence < AutoDecideThreshold || !pref.Decision.Approved() {
			continue
		}

		now := m.now().UTC()
		decided, err := m.store.ResolveCheckpoint(ctx, cp.ID,
			models.DecisionAutoApproved, nil, pref.ID, now)
		if err != nil {
			m.log.Warn("Auto-decide resolution failed",
				"checkpoint_id", cp.ID, "preference_id", pref.ID, "error", err)
			return nil, false
		}
		if err := m.store.TouchPreference(ctx, pref.ID, now); err != nil {
			m.log.Warn("Failed to touch preference", "preference_id", pref.ID, "error", err)
		}

		m.log.Info("Checkpoint auto-approved by learned preference",
			"checkpoint_id", cp.ID, "task_id", task.ID,
			"preference_id", pref.ID, "confidence", pref.Confidence)
		m.pub.CheckpointAutoApproved(ctx, task.ID, cp.ID, cp.StepID, pref.ID)
		return decided, true
	}
	return nil, false
}

// Resolve applies a user's decision. Resolving an already-decided checkpoint
// with the same decision is a no-op success; a conflicting decision reports
// the existing resolution. Decisions with the learn flag set feed preference
// learning.
func (m *Manager) Resolve(ctx context.Context, checkpointID string, resp *models.CheckpointResponse) (*models.Checkpoint, error) {
	if resp == nil {
		return nil, taskerr.New(taskerr.KindInvalidInput, "a response is required")
	}
	switch resp.Decision {
	case models.DecisionApproved, models.DecisionRejected:
	default:
		return nil, taskerr.New(taskerr.KindInvalidInput,
			"decision must be approved or rejected, got %q", resp.Decision)
	}

	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := validateResponse(cp, resp); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	resolved, err := m.store.ResolveCheckpoint(ctx, checkpointID, resp.Decision, resp, "", now)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyDecided) && resolved != nil {
			if resolved.Decision == resp.Decision {
				return resolved, nil
			}
			return resolved, taskerr.Wrap(taskerr.KindInvalidInput, err,
				"checkpoint %s was already resolved as %s", checkpointID, resolved.Decision)
		}
		return nil, err
	}

	if resp.Learn {
		m.learn(ctx, resolved, resp.Decision)
	}

	m.pub.CheckpointResolved(ctx, resolved.TaskID, resolved.ID, resolved.StepID, resp.Decision)
	return resolved, nil
}

// validateResponse checks the typed payload against the checkpoint type.
func validateResponse(cp *models.Checkpoint, resp *models.CheckpointResponse) error {
	if resp.Decision == models.DecisionRejected {
		return nil
	}
	switch cp.Type {
	case models.CheckpointTypeInput:
		if len(cp.InputSchema) == 0 {
			return nil
		}
		schema, err := plugin.CompileInputSchema(cp.InputSchema)
		if err != nil {
			return taskerr.Wrap(taskerr.KindInternal, err,
				"checkpoint %s carries an uncompilable input schema", cp.ID)
		}
		if err := schema.Validate(normalizeInputs(resp.Inputs)); err != nil {
			return taskerr.Wrap(taskerr.KindInvalidInput, err,
				"checkpoint response inputs failed validation")
		}
	case models.CheckpointTypeSelect:
		for _, alt := range cp.Alternatives {
			if resp.SelectedAlternative == alt {
				return nil
			}
		}
		return taskerr.New(taskerr.KindInvalidInput,
			"selected alternative %q is not offered", resp.SelectedAlternative)
	case models.CheckpointTypeModify:
		if resp.ModifiedInputs == nil {
			return taskerr.New(taskerr.KindInvalidInput,
				"modify checkpoints require modified_inputs")
		}
	}
	return nil
}

func normalizeInputs(in map[string]any) any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return any(out)
}

// learn moves the matching preference's confidence toward the observed
// decision with an exponential moving average. Consistent decisions build
// confidence toward the auto-decide threshold; a contradicting decision
// knocks it down, and a collapsed preference flips to the new decision.
func (m *Manager) learn(ctx context.Context, cp *models.Checkpoint, decision models.CheckpointDecision) {
	task, err := m.store.GetTask(ctx, cp.TaskID)
	if err != nil {
		m.log.Warn("Preference learning skipped, task load failed",
			"task_id", cp.TaskID, "error", err)
		return
	}
	step := task.Step(cp.StepID)

	key := Fingerprint(cp)
	scopes := scopesFor(task, step)
	sc := scopes[0]

	now := m.now().UTC()
	pref, err := m.store.GetPreference(ctx, task.UserID, sc.scope, sc.value, key)
	if err != nil && !taskerr.IsKind(err, taskerr.KindNotFound) {
		m.log.Warn("Preference lookup failed", "error", err)
		return
	}
	if pref == nil {
		pref = &models.UserPreference{
			ID:         uuid.New().String(),
			UserID:     task.UserID,
			Scope:      sc.scope,
			ScopeValue: sc.value,
			Key:        key,
			Decision:   decision,
			Confidence: learningRate,
			UsageCount: 1,
			LastUsedAt: now,
		}
	} else {
		if pref.Decision == decision {
			pref.Confidence += learningRate * (1 - pref.Confidence)
		} else {
			pref.Confidence *= 1 - learningRate
			if pref.Confidence < 0.2 {
				pref.Decision = decision
				pref.Confidence = learningRate
			}
		}
		pref.UsageCount++
		pref.LastUsedAt = now
	}

	if err := m.store.UpsertPreference(ctx, pref); err != nil {
		m.log.Warn("Failed to persist preference", "preference_id", pref.ID, "error", err)
	}
}

// SweepExpired resolves every pending checkpoint whose expiry passed and
// fails its gated step with a checkpoint_expired error. It returns the
// checkpoints it expired.
func (m *Manager) SweepExpired(ctx context.Context) ([]*models.Checkpoint, error) {
	now := m.now().UTC()
	pending, err := m.store.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, err
	}

	var expired []*models.Checkpoint
	for _, cp := range pending {
		resolved, err := m.store.ResolveCheckpoint(ctx, cp.ID, models.DecisionExpired, nil, "", now)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyDecided) {
				continue
			}
			m.log.Warn("Failed to expire checkpoint", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		expired = append(expired, resolved)

		if err := m.failExpiredStep(ctx, resolved); err != nil {
			m.log.Warn("Failed to fail step for expired checkpoint",
				"checkpoint_id", cp.ID, "task_id", cp.TaskID, "step_id", cp.StepID, "error", err)
		}

		m.pub.CheckpointResolved(ctx, cp.TaskID, cp.ID, cp.StepID, models.DecisionExpired)
	}
	return expired, nil
}

func (m *Manager) failExpiredStep(ctx context.Context, cp *models.Checkpoint) error {
	completed := m.now().UTC()
	return store.RetryStale(ctx, func() error {
		task, err := m.store.GetTask(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		step := task.Step(cp.StepID)
		if step == nil || step.Status.IsTerminal() {
			return nil
		}
		_, err = store.UpdateStepStatus(ctx, m.store, cp.TaskID, cp.StepID, store.StepUpdate{
			Status: models.StepStatusFailed,
			Error: &models.StepError{
				Kind:    string(taskerr.KindCheckpointExpired),
				Message: "checkpoint expired without a decision",
			},
			CompletedAt: &completed,
		})
		return err
	})
}

// RunSweeper expires checkpoints on the given interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.log.Warn("Checkpoint expiry sweep failed", "error", err)
			}
		}
	}
}
