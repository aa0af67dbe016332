package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/expr"
	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// PluginRunner executes plugin steps.
type PluginRunner interface {
	Execute(ctx context.Context, namespace string, inv plugin.Invocation) (*plugin.Result, error)
}

// AgentRunner executes llm_agent steps.
type AgentRunner interface {
	Run(ctx context.Context, task *models.Task, step *models.Step,
		inputs map[string]any, attachments []llm.Attachment) (*llm.AgentResult, error)
}

// CheckpointCreator opens checkpoints for checkpoint steps.
type CheckpointCreator interface {
	Create(ctx context.Context, task *models.Task, step *models.Step) (*models.Checkpoint, error)
}

// Outcome reports what happened to a dispatched step.
type Outcome struct {
	Status models.StepStatus
	// Suspended is set when the step opened a checkpoint and now waits.
	Suspended bool
	// Checkpoint is the pending record when Suspended.
	Checkpoint *models.Checkpoint
	// SkippedSteps lists steps a branch short-circuited.
	SkippedSteps []string
	// RetryAfter is the backoff before readmission when the failure is
	// retryable and attempts remain.
	RetryAfter time.Duration
	Err        error
}

// Retrying reports whether the step goes back to the pool.
func (o *Outcome) Retrying() bool { return o.Err != nil && o.Status == models.StepStatusPending }

// Dispatcher runs one step at a time against the task store.
type Dispatcher struct {
	store          store.TaskStore
	plugins        PluginRunner
	agent          AgentRunner
	checkpoints    CheckpointCreator
	files          FileFetcher
	pub            *events.Publisher
	orgHosts       []string
	defaultTimeout time.Duration
	log            *slog.Logger
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Store          store.TaskStore
	Plugins        PluginRunner
	Agent          AgentRunner
	Checkpoints    CheckpointCreator
	Files          FileFetcher
	Bus            *events.Bus
	OrgHosts       []string
	DefaultTimeout time.Duration
	Log            *slog.Logger
}

// NewDispatcher wires a dispatcher. Bus and Files may be nil.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Dispatcher{
		store:          opts.Store,
		plugins:        opts.Plugins,
		agent:          opts.Agent,
		checkpoints:    opts.Checkpoints,
		files:          opts.Files,
		pub:            events.NewPublisher(opts.Bus, "dispatcher", models.SourceTypeDispatcher),
		orgHosts:       opts.OrgHosts,
		defaultTimeout: opts.DefaultTimeout,
		log:            opts.Log,
	}
}

// ExecuteStep runs one admitted step to a terminal or suspended state and
// persists the transition. The returned outcome tells the scheduler whether
// to re-enqueue, wait on a checkpoint, or move on.
func (d *Dispatcher) ExecuteStep(ctx context.Context, taskID, stepID string) (*Outcome, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step := task.Step(stepID)
	if step == nil {
		return nil, taskerr.New(taskerr.KindNotFound, "step %s not found in task %s", stepID, taskID)
	}

	attempt := step.Attempt + 1
	started := time.Now().UTC()
	err = store.RetryStale(ctx, func() error {
		_, err := store.UpdateStepStatus(ctx, d.store, taskID, stepID, store.StepUpdate{
			Status:    models.StepStatusRunning,
			Attempt:   &attempt,
			StartedAt: &started,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	step.Attempt = attempt
	d.pub.StepStarted(ctx, taskID, step)

	// Checkpoint steps suspend instead of computing.
	if step.Kind == models.StepKindCheckpoint {
		return d.runCheckpoint(ctx, task, step)
	}

	timeout := d.defaultTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		output   map[string]any
		findings []*models.Finding
		skipped  []string
		runErr   error
	)
	switch step.Kind {
	case models.StepKindPlugin:
		output, findings, runErr = d.runPlugin(runCtx, task, step)
	case models.StepKindLLMAgent:
		output, findings, runErr = d.runAgent(runCtx, task, step)
	case models.StepKindBranch:
		output, skipped, runErr = d.runBranch(task, step)
	default:
		runErr = taskerr.New(taskerr.KindInternal, "step %s has unknown kind %q", stepID, step.Kind)
	}

	if runErr != nil {
		return d.recordFailure(ctx, task, step, runErr)
	}
	return d.recordSuccess(ctx, task, step, output, findings, skipped)
}

func (d *Dispatcher) runPlugin(ctx context.Context, task *models.Task, step *models.Step) (map[string]any, []*models.Finding, error) {
	inputs, err := ResolveInputs(task, step)
	if err != nil {
		return nil, nil, err
	}
	res, err := d.plugins.Execute(ctx, step.PluginNamespace, plugin.Invocation{
		TaskID:       task.ID,
		StepID:       step.ID,
		Attempt:      step.Attempt,
		Inputs:       inputs,
		AllowedHosts: task.EffectiveAllowedHosts(d.orgHosts),
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Outputs, res.Findings, nil
}

func (d *Dispatcher) runAgent(ctx context.Context, task *models.Task, step *models.Step) (map[string]any, []*models.Finding, error) {
	inputs, err := ResolveInputs(task, step)
	if err != nil {
		return nil, nil, err
	}
	attachments, err := loadAttachments(ctx, d.files, task, d.log)
	if err != nil {
		return nil, nil, err
	}
	res, err := d.agent.Run(ctx, task, step, inputs, attachments)
	if err != nil {
		return nil, nil, err
	}
	return res.Outputs, res.Findings, nil
}

// runBranch evaluates the condition over the task and prior step outputs.
// An evaluation failure takes the declared default rather than failing the
// step. The losing arm's steps are skipped immediately.
func (d *Dispatcher) runBranch(task *models.Task, step *models.Step) (map[string]any, []string, error) {
	if step.Branch == nil {
		return nil, nil, taskerr.New(taskerr.KindInternal, "branch step %s has no branch spec", step.ID)
	}

	result, err := expr.EvaluateBool(step.Branch.Condition, branchEnv(task))
	if err != nil {
		d.log.Warn("Branch condition failed to evaluate, taking default",
			"task_id", task.ID, "step_id", step.ID,
			"condition", step.Branch.Condition, "default", step.Branch.Default, "error", err)
		result = step.Branch.Default
	}

	skipped := step.Branch.WhenFalse
	if !result {
		skipped = step.Branch.WhenTrue
	}
	output := map[string]any{"condition_result": result}
	return output, skipped, nil
}

func branchEnv(task *models.Task) map[string]any {
	steps := make(map[string]any, len(task.Steps))
	for _, s := range task.Steps {
		entry := map[string]any{"status": string(s.Status)}
		if s.Output != nil {
			entry["output"] = s.Output
		}
		steps[s.ID] = entry
	}
	return map[string]any{
		"task": map[string]any{
			"goal":     task.Goal,
			"status":   string(task.Status),
			"metadata": task.Metadata,
		},
		"steps": steps,
	}
}

func (d *Dispatcher) runCheckpoint(ctx context.Context, task *models.Task, step *models.Step) (*Outcome, error) {
	cp, err := d.checkpoints.Create(ctx, task, step)
	if err != nil {
		return d.recordFailure(ctx, task, step, err)
	}

	if cp.Decision.Approved() {
		output := map[string]any{
			"decision":      string(cp.Decision),
			"checkpoint_id": cp.ID,
		}
		return d.recordSuccess(ctx, task, step, output, nil, nil)
	}

	err = store.RetryStale(ctx, func() error {
		_, err := store.UpdateStepStatus(ctx, d.store, task.ID, step.ID, store.StepUpdate{
			Status: models.StepStatusWaitingApproval,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Status:     models.StepStatusWaitingApproval,
		Suspended:  true,
		Checkpoint: cp,
	}, nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, task *models.Task, step *models.Step,
	output map[string]any, findings []*models.Finding, skipped []string) (*Outcome, error) {
	completed := time.Now().UTC()
	for _, f := range findings {
		if f.SourceStepID == "" {
			f.SourceStepID = step.ID
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = completed
		}
	}
	err := store.RetryStale(ctx, func() error {
		_, err := store.UpdateStepStatus(ctx, d.store, task.ID, step.ID, store.StepUpdate{
			Status:      models.StepStatusSucceeded,
			Output:      output,
			CompletedAt: &completed,
			Findings:    findings,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, skipID := range skipped {
		if err := d.skipStep(ctx, task.ID, skipID); err != nil {
			d.log.Warn("Failed to skip branch target",
				"task_id", task.ID, "step_id", skipID, "error", err)
		}
	}

	d.pub.StepCompleted(ctx, task.ID, step.ID, step.Kind)
	return &Outcome{Status: models.StepStatusSucceeded, SkippedSteps: skipped}, nil
}

func (d *Dispatcher) skipStep(ctx context.Context, taskID, stepID string) error {
	completed := time.Now().UTC()
	return store.RetryStale(ctx, func() error {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		s := task.Step(stepID)
		if s == nil || s.Status.IsTerminal() || s.Status == models.StepStatusRunning {
			return nil
		}
		_, err = store.UpdateStepStatus(ctx, d.store, taskID, stepID, store.StepUpdate{
			Status:      models.StepStatusSkipped,
			CompletedAt: &completed,
		})
		return err
	})
}

// recordFailure persists a failure. Retryable failures with attempts left
// go back to pending for delayed readmission; everything else is final.
func (d *Dispatcher) recordFailure(ctx context.Context, task *models.Task, step *models.Step, runErr error) (*Outcome, error) {
	kind := taskerr.KindOf(runErr)
	maxAttempts := step.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	willRetry := taskerr.Retryable(kind) && step.Attempt < maxAttempts

	// A step interrupted by cancellation is cancelled, not failed.
	status := models.StepStatusFailed
	if kind == taskerr.KindCancelled {
		status = models.StepStatusCancelled
	}
	var completedAt *time.Time
	if willRetry {
		status = models.StepStatusPending
	} else {
		t := time.Now().UTC()
		completedAt = &t
	}

	err := store.RetryStale(ctx, func() error {
		_, err := store.UpdateStepStatus(ctx, d.store, task.ID, step.ID, store.StepUpdate{
			Status: status,
			Error: &models.StepError{
				Kind:    string(kind),
				Message: runErr.Error(),
			},
			CompletedAt: completedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	d.pub.StepFailed(ctx, task.ID, step.ID, string(kind), step.Attempt, willRetry)

	out := &Outcome{Status: status, Err: runErr}
	if willRetry {
		out.RetryAfter = step.Retry.Delay(step.Attempt)
	}
	return out, nil
}
