// Package scheduler drives one task's step DAG: it computes the ready set,
// admits steps under the task and group concurrency caps in a deterministic
// order, propagates failure to dependents, honors retry backoff, and stops
// on suspension, replan requests, cancellation, or completion.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/taskweave/taskweave/pkg/dispatch"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// StepExecutor runs one step to a terminal or suspended state.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, taskID, stepID string) (*dispatch.Outcome, error)
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	store.TaskStore
	store.LeaseStore
}

// RunResult reports why a scheduling run ended.
type RunResult struct {
	Task *models.Task
	// Suspended is set when at least one step waits on a checkpoint and
	// nothing else can run.
	Suspended bool
	// ReplanRequested is set when a completed step asked for a replan.
	ReplanRequested bool
	// ReplanStepID names the step whose finding triggered the replan.
	ReplanStepID string
	// Cancelled is set when a cancellation request stopped the run.
	Cancelled bool
}

// Scheduler admits steps for execution.
type Scheduler struct {
	store        Store
	executor     StepExecutor
	taskCap      int
	groupCaps    map[string]int
	drainTimeout time.Duration
	log          *slog.Logger
}

// New creates a scheduler. taskCap bounds concurrently running steps per
// task; groupCaps overrides the per-group default of one. drainTimeout
// bounds how long in-flight steps get to finish once the run stops
// admitting; zero picks a default.
func New(st Store, executor StepExecutor, taskCap int, groupCaps map[string]int,
	drainTimeout time.Duration, log *slog.Logger) *Scheduler {
	if taskCap < 1 {
		taskCap = 4
	}
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:        st,
		executor:     executor,
		taskCap:      taskCap,
		groupCaps:    groupCaps,
		drainTimeout: drainTimeout,
		log:          log,
	}
}

type stepDone struct {
	stepID  string
	outcome *dispatch.Outcome
	err     error
}

// Run schedules the task's steps until nothing more can happen. It returns
// when every step is terminal, when the task suspends on a checkpoint, when
// a replan is requested, or when cancellation is observed.
func (s *Scheduler) Run(ctx context.Context, taskID string) (*RunResult, error) {
	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	// Buffered to taskCap so a step goroutine outliving a bounded drain
	// can still deliver its result and exit.
	results := make(chan stepDone, s.taskCap)
	running := make(map[string]string) // step id -> concurrency group
	notBefore := make(map[string]time.Time)
	findingsSeen := 0

	if task, err := s.store.GetTask(ctx, taskID); err == nil {
		findingsSeen = len(task.Findings)
	}

	for {
		if ctx.Err() != nil {
			s.drain(results, len(running))
			return nil, ctx.Err()
		}

		cancelled, err := s.cancelRequested(ctx, taskID)
		if err != nil {
			s.log.Warn("Cancel check failed", "task_id", taskID, "error", err)
		}
		if cancelled {
			cancelRuns()
			s.drain(results, len(running))
			task, err := s.cancelRemaining(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return &RunResult{Task: task, Cancelled: true}, nil
		}

		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}

		task, err = s.propagateDependencyOutcomes(ctx, task)
		if err != nil {
			return nil, err
		}

		admitted := s.admit(runCtx, task, running, notBefore, results)

		if len(running) == 0 && admitted == 0 {
			if done, result := s.terminalResult(task); done {
				return result, nil
			}
			// Nothing runnable right now: wait out the earliest backoff.
			wait := s.nextBackoff(task, notBefore)
			if wait <= 0 {
				return nil, taskerr.New(taskerr.KindInternal,
					"task %s has non-terminal steps but nothing can be scheduled", taskID)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		// Block on the next completion.
		select {
		case <-ctx.Done():
			cancelRuns()
			s.drain(results, len(running))
			return nil, ctx.Err()
		case done := <-results:
			delete(running, done.stepID)
			if done.err != nil {
				s.log.Error("Step execution failed internally",
					"task_id", taskID, "step_id", done.stepID, "error", done.err)
				continue
			}
			if done.outcome.RetryAfter > 0 {
				notBefore[done.stepID] = time.Now().Add(done.outcome.RetryAfter)
			}

			if stepID, requested := s.replanRequested(ctx, taskID, &findingsSeen); requested {
				s.drain(results, len(running))
				task, err := s.store.GetTask(ctx, taskID)
				if err != nil {
					return nil, err
				}
				return &RunResult{Task: task, ReplanRequested: true, ReplanStepID: stepID}, nil
			}
		}
	}
}

// admit launches every admissible ready step and returns how many started.
func (s *Scheduler) admit(ctx context.Context, task *models.Task,
	running map[string]string, notBefore map[string]time.Time, results chan<- stepDone) int {

	groupLoad := make(map[string]int)
	for _, group := range running {
		if group != "" {
			groupLoad[group]++
		}
	}

	admitted := 0
	now := time.Now()
	for _, step := range s.readySteps(task) {
		if len(running) >= s.taskCap {
			break
		}
		if _, active := running[step.ID]; active {
			continue
		}
		if t, delayed := notBefore[step.ID]; delayed && now.Before(t) {
			continue
		}
		if step.ConcurrencyGroup != "" {
			limit := 1
			if c, ok := s.groupCaps[step.ConcurrencyGroup]; ok {
				limit = c
			}
			if groupLoad[step.ConcurrencyGroup] >= limit {
				continue
			}
			groupLoad[step.ConcurrencyGroup]++
		}

		running[step.ID] = step.ConcurrencyGroup
		admitted++
		stepID := step.ID
		go func() {
			outcome, err := s.executor.ExecuteStep(ctx, task.ID, stepID)
			results <- stepDone{stepID: stepID, outcome: outcome, err: err}
		}()
	}
	return admitted
}

// readySteps returns pending steps whose dependencies all succeeded, in
// admission order: dependency depth first, then higher priority, then id.
func (s *Scheduler) readySteps(task *models.Task) []*models.Step {
	depth := dependencyDepth(task.Steps)

	var ready []*models.Step
	for _, step := range task.Steps {
		if step.Status != models.StepStatusPending && step.Status != models.StepStatusReady {
			continue
		}
		if verdict := dependencyVerdict(task, step); verdict == depsReady {
			ready = append(ready, step)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if depth[ready[i].ID] != depth[ready[j].ID] {
			return depth[ready[i].ID] < depth[ready[j].ID]
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

type depVerdict int

const (
	depsWaiting depVerdict = iota
	depsReady
	depsSkip
	depsBlock
)

// dependencyVerdict decides what a step's dependency states imply for it.
// A skipped dependency cascades the skip; a failed, blocked, or cancelled
// dependency blocks the step unless it opted into on_dep_failure skip.
func dependencyVerdict(task *models.Task, step *models.Step) depVerdict {
	verdict := depsReady
	for _, depID := range step.DependsOn {
		dep := task.Step(depID)
		if dep == nil {
			return depsBlock
		}
		switch dep.Status {
		case models.StepStatusSucceeded:
		case models.StepStatusSkipped:
			return depsSkip
		case models.StepStatusFailed, models.StepStatusBlocked, models.StepStatusCancelled:
			if step.OnDepFailure == models.OnDepFailureSkip {
				return depsSkip
			}
			return depsBlock
		default:
			verdict = depsWaiting
		}
	}
	return verdict
}

// propagateDependencyOutcomes marks pending steps whose dependencies
// already settled against them, repeating until the graph stops changing.
func (s *Scheduler) propagateDependencyOutcomes(ctx context.Context, task *models.Task) (*models.Task, error) {
	for {
		changed := false
		for _, step := range task.Steps {
			if step.Status != models.StepStatusPending && step.Status != models.StepStatusReady {
				continue
			}
			var status models.StepStatus
			switch dependencyVerdict(task, step) {
			case depsSkip:
				status = models.StepStatusSkipped
			case depsBlock:
				status = models.StepStatusBlocked
			default:
				continue
			}

			completed := time.Now().UTC()
			stepID := step.ID
			err := store.RetryStale(ctx, func() error {
				fresh, err := s.store.GetTask(ctx, task.ID)
				if err != nil {
					return err
				}
				if fs := fresh.Step(stepID); fs == nil || fs.Status.IsTerminal() {
					return nil
				}
				_, err = store.UpdateStepStatus(ctx, s.store, task.ID, stepID, store.StepUpdate{
					Status:      status,
					CompletedAt: &completed,
				})
				return err
			})
			if err != nil {
				return nil, err
			}
			changed = true
		}
		if !changed {
			return task, nil
		}
		fresh, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task = fresh
	}
}

// terminalResult inspects a quiescent task. With nothing running and
// nothing admissible, the run is over when every step is terminal or some
// step waits on a checkpoint.
func (s *Scheduler) terminalResult(task *models.Task) (bool, *RunResult) {
	waiting := false
	open := 0
	for _, step := range task.Steps {
		switch step.Status {
		case models.StepStatusWaitingApproval:
			waiting = true
		case models.StepStatusPending, models.StepStatusReady, models.StepStatusRunning:
			open++
		}
	}
	if waiting {
		return true, &RunResult{Task: task, Suspended: true}
	}
	if open == 0 {
		return true, &RunResult{Task: task}
	}
	return false, nil
}

// nextBackoff returns how long until the earliest delayed pending step
// becomes admissible, or zero when none is delayed.
func (s *Scheduler) nextBackoff(task *models.Task, notBefore map[string]time.Time) time.Duration {
	var earliest time.Time
	for _, step := range task.Steps {
		if step.Status != models.StepStatusPending {
			continue
		}
		t, ok := notBefore[step.ID]
		if !ok {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return 0
	}
	wait := time.Until(earliest)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// replanRequested checks findings appended since the last check.
func (s *Scheduler) replanRequested(ctx context.Context, taskID string, seen *int) (string, bool) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", false
	}
	for _, f := range task.Findings[*seen:] {
		if f.RequestsReplan() {
			*seen = len(task.Findings)
			return f.SourceStepID, true
		}
	}
	*seen = len(task.Findings)
	return "", false
}

// cancelRequested consults the task lease's cancel flag.
func (s *Scheduler) cancelRequested(ctx context.Context, taskID string) (bool, error) {
	lease, err := s.store.GetLease(ctx, taskID)
	if err != nil || lease == nil {
		return false, err
	}
	return lease.CancelRequested, nil
}

// cancelRemaining marks every non-terminal step cancelled.
func (s *Scheduler) cancelRemaining(ctx context.Context, taskID string) (*models.Task, error) {
	completed := time.Now().UTC()
	var task *models.Task
	err := store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		for _, step := range fresh.Steps {
			if step.Status.IsTerminal() {
				continue
			}
			fresh, err = store.UpdateStepStatus(ctx, s.store, taskID, step.ID, store.StepUpdate{
				Status:      models.StepStatusCancelled,
				CompletedAt: &completed,
			})
			if err != nil {
				return err
			}
		}
		task = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		task, err = s.store.GetTask(ctx, taskID)
	}
	return task, err
}

// drain collects outstanding results so worker goroutines can exit. It
// gives up after the drain timeout: a step that ignores its cancelled
// context (a hung plugin, an agent stuck mid-call) must not hold the run
// open forever, and the results channel is buffered so the straggler can
// still deliver and exit later. The caller then records any step that is
// still running as settled against it.
func (s *Scheduler) drain(results <-chan stepDone, outstanding int) {
	if outstanding == 0 {
		return
	}
	deadline := time.NewTimer(s.drainTimeout)
	defer deadline.Stop()
	for i := 0; i < outstanding; i++ {
		select {
		case <-results:
		case <-deadline.C:
			s.log.Warn("Drain timeout elapsed with steps still in flight",
				"outstanding", outstanding-i)
			return
		}
	}
}

// dependencyDepth assigns each step its longest dependency chain length,
// giving a stable topological admission order.
func dependencyDepth(steps []*models.Step) map[string]int {
	byID := make(map[string]*models.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	depth := make(map[string]int, len(steps))
	var visit func(id string, trail map[string]bool) int
	visit = func(id string, trail map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if trail[id] {
			return 0
		}
		trail[id] = true
		defer delete(trail, id)

		step, ok := byID[id]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range step.DependsOn {
			if d := visit(dep, trail) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}
	for _, s := range steps {
		visit(s.ID, map[string]bool{})
	}
	return depth
}
