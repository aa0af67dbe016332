// Package orchestrator runs claimed tasks end to end: planning, scheduling,
// replanning, and terminal bookkeeping. A worker pool polls the queue,
// claims tasks under a lease, and hands them to the Orchestrator; orphaned
// tasks from dead workers are re-queued by the pool's recovery loop.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/scheduler"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Planner produces and revises step graphs.
type Planner interface {
	Plan(ctx context.Context, task *models.Task) ([]*models.Step, error)
	Replan(ctx context.Context, task *models.Task, triggeringStepID string, findingsSince []*models.Finding) ([]*models.Step, error)
}

// StepScheduler drives one task's steps until quiescence.
type StepScheduler interface {
	Run(ctx context.Context, taskID string) (*scheduler.RunResult, error)
}

// Orchestrator executes one task at a time.
type Orchestrator struct {
	store     store.Store
	planner   Planner
	scheduler StepScheduler
	pub       *events.Publisher
	log       *slog.Logger
}

// New wires an orchestrator. bus may be nil.
func New(st store.Store, p Planner, sched StepScheduler, bus *events.Bus, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		planner:   p,
		scheduler: sched,
		pub:       events.NewPublisher(bus, "orchestrator", models.SourceTypeOrchestrator),
		log:       log,
	}
}

// Execute drives a claimed task to a terminal or suspended state. It is
// re-entrant: a task resumed after a checkpoint decision or recovered from
// a dead worker picks up from its persisted steps instead of replanning.
func (o *Orchestrator) Execute(ctx context.Context, task *models.Task) error {
	log := o.log.With("task_id", task.ID)

	if limit := task.Constraints.TimeLimitSeconds; limit > 0 {
		deadline := task.CreatedAt.Add(time.Duration(limit) * time.Second)
		if remaining := time.Until(deadline); remaining <= 0 {
			return o.failTask(ctx, task.ID, taskerr.KindTimeout, "time limit exceeded before execution")
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	// Plan only when the task has no steps yet; resumed tasks keep theirs.
	if len(task.Steps) == 0 {
		if err := o.plan(ctx, task); err != nil {
			return err
		}
	} else if err := o.setStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
		return err
	}

	for {
		result, err := o.scheduler.Run(ctx, task.ID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return o.failTask(ctx, task.ID, taskerr.KindTimeout, "time limit exceeded")
			}
			if errors.Is(err, context.Canceled) {
				// A local cancel request pulls the execution context; finish
				// the cancellation here instead of waiting for orphan
				// recovery. A plain shutdown leaves the task for recovery.
				if lease, lerr := o.store.GetLease(context.Background(), task.ID); lerr == nil &&
					lease != nil && lease.CancelRequested {
					return o.drainCancelled(context.Background(), task.ID)
				}
				return err
			}
			return o.failTask(ctx, task.ID, taskerr.KindOf(err), err.Error())
		}

		o.advanceStepCursor(ctx, task.ID)

		switch {
		case result.Cancelled:
			return o.finishCancelled(ctx, task.ID)

		case result.Suspended:
			if err := o.setStatus(ctx, task.ID, models.TaskStatusWaitingApproval); err != nil {
				return err
			}
			log.Info("Task suspended on checkpoint")
			return nil

		case result.ReplanRequested:
			if err := o.replan(ctx, result.Task, result.ReplanStepID); err != nil {
				if taskerr.IsKind(err, taskerr.KindPlannerError) {
					return o.failTask(ctx, task.ID, taskerr.KindPlannerError, err.Error())
				}
				return err
			}

		default:
			return o.finish(ctx, result.Task)
		}
	}
}

// plan generates the initial step graph and moves the task to running.
func (o *Orchestrator) plan(ctx context.Context, task *models.Task) error {
	steps, err := o.planner.Plan(ctx, task)
	if err != nil {
		o.log.Warn("Planning failed", "task_id", task.ID, "error", err)
		return o.failTask(ctx, task.ID, taskerr.KindOf(err), err.Error())
	}

	running := models.TaskStatusRunning
	err = store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		_, err = o.store.UpdateTask(ctx, task.ID, fresh.Version, store.UpdateFields{
			Status: &running,
			Steps:  steps,
		})
		return err
	})
	if err != nil {
		return err
	}

	o.pub.TaskPlanned(ctx, task.ID, len(steps))
	return nil
}

// replan splices a fresh suffix into the plan: terminal and in-flight steps
// stay, unstarted pending steps are superseded by the new subgraph.
func (o *Orchestrator) replan(ctx context.Context, task *models.Task, triggeringStepID string) error {
	if err := o.setStatus(ctx, task.ID, models.TaskStatusReplanning); err != nil {
		return err
	}
	o.pub.ReplanStarted(ctx, task.ID, triggeringStepID)

	findings := findingsSincePlan(task, triggeringStepID)
	suffix, err := o.planner.Replan(ctx, task, triggeringStepID, findings)
	if err != nil {
		return err
	}

	running := models.TaskStatusRunning
	superseded := 0
	err = store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}

		var kept []*models.Step
		superseded = 0
		for _, s := range fresh.Steps {
			if s.Status == models.StepStatusPending || s.Status == models.StepStatusReady {
				superseded++
				continue
			}
			kept = append(kept, s)
		}

		_, err = o.store.UpdateTask(ctx, task.ID, fresh.Version, store.UpdateFields{
			Status: &running,
			Steps:  append(kept, suffix...),
		})
		return err
	})
	if err != nil {
		return err
	}

	o.pub.ReplanCompleted(ctx, task.ID, len(suffix))
	o.log.Info("Task replanned", "task_id", task.ID,
		"triggering_step_id", triggeringStepID,
		"superseded_steps", superseded, "new_steps", len(suffix))
	return nil
}

// findingsSincePlan returns the findings the replanner should see: all of
// them, most recent last. The triggering step's findings are always
// included even when timestamps are missing.
func findingsSincePlan(task *models.Task, triggeringStepID string) []*models.Finding {
	out := make([]*models.Finding, 0, len(task.Findings))
	for _, f := range task.Findings {
		if f.RequestsReplan() && f.SourceStepID != triggeringStepID {
			continue
		}
		out = append(out, f)
	}
	return out
}

// finish records the terminal status once every step settled: completed
// when nothing failed or blocked, failed otherwise with the first failed
// step's error carried up.
func (o *Orchestrator) finish(ctx context.Context, task *models.Task) error {
	var firstErr *models.StepError
	failed := false
	for _, s := range task.Steps {
		if s.Status == models.StepStatusFailed || s.Status == models.StepStatusBlocked {
			failed = true
			if firstErr == nil && s.Error != nil {
				firstErr = s.Error
			}
		}
	}

	if !failed {
		if err := o.setTerminal(ctx, task.ID, models.TaskStatusCompleted, "", ""); err != nil {
			return err
		}
		o.pub.TaskCompleted(ctx, task.ID)
		o.log.Info("Task completed", "task_id", task.ID)
		return nil
	}

	kind := string(taskerr.KindInternal)
	message := "one or more steps failed"
	if firstErr != nil {
		kind = firstErr.Kind
		message = firstErr.Message
	}
	if err := o.setTerminal(ctx, task.ID, models.TaskStatusFailed, kind, message); err != nil {
		return err
	}
	o.pub.TaskFailed(ctx, task.ID, kind, message)
	o.log.Info("Task failed", "task_id", task.ID, "error_kind", kind)
	return nil
}

// drainCancelled settles a cancel-interrupted run: every open step is marked
// cancelled, then the task goes terminal.
func (o *Orchestrator) drainCancelled(ctx context.Context, taskID string) error {
	completed := time.Now().UTC()
	err := store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		for _, step := range fresh.Steps {
			if step.Status.IsTerminal() {
				continue
			}
			if _, err := store.UpdateStepStatus(ctx, o.store, taskID, step.ID, store.StepUpdate{
				Status:      models.StepStatusCancelled,
				CompletedAt: &completed,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return o.finishCancelled(ctx, taskID)
}

func (o *Orchestrator) finishCancelled(ctx context.Context, taskID string) error {
	if err := o.setTerminal(ctx, taskID, models.TaskStatusCancelled, "", ""); err != nil {
		return err
	}
	o.pub.TaskCancelled(ctx, taskID)
	o.log.Info("Task cancelled", "task_id", taskID)
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, taskID string, kind taskerr.Kind, message string) error {
	if err := o.setTerminal(ctx, taskID, models.TaskStatusFailed, string(kind), message); err != nil {
		return err
	}
	o.pub.TaskFailed(ctx, taskID, string(kind), message)
	return nil
}

// advanceStepCursor persists how many steps have settled. The cursor is a
// coarse progress marker for task readers; resume itself is driven by the
// per-step statuses.
func (o *Orchestrator) advanceStepCursor(ctx context.Context, taskID string) {
	err := store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		settled := 0
		for _, step := range fresh.Steps {
			if step.Status.IsTerminal() {
				settled++
			}
		}
		if fresh.CurrentStepIndex == settled {
			return nil
		}
		_, err = o.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{
			CurrentStepIndex: &settled,
		})
		return err
	})
	if err != nil {
		o.log.Warn("Failed to advance step cursor", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	return store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if fresh.Status == status {
			return nil
		}
		_, err = o.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{Status: &status})
		if err == nil {
			o.pub.TaskStatus(ctx, taskID, status)
		}
		return err
	})
}

func (o *Orchestrator) setTerminal(ctx context.Context, taskID string, status models.TaskStatus, errKind, errMessage string) error {
	completed := time.Now().UTC()
	return store.RetryStale(ctx, func() error {
		fresh, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			return nil
		}
		fields := store.UpdateFields{Status: &status, CompletedAt: &completed}
		if errKind != "" {
			fields.ErrorKind = &errKind
			fields.ErrorMessage = &errMessage
		}
		_, err = o.store.UpdateTask(ctx, taskID, fresh.Version, fields)
		return err
	})
}
