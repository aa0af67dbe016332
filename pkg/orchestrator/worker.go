package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
)

// WorkerStatus represents the current state of a pool worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// TaskExecutor runs one claimed task.
type TaskExecutor interface {
	Execute(ctx context.Context, task *models.Task) error
}

// taskRegistry is the subset of the pool a worker uses to register running
// tasks for local cancellation.
type taskRegistry interface {
	RegisterTask(taskID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// Worker polls the queue, claims tasks under a lease, heartbeats the lease
// while executing, and releases it when done.
type Worker struct {
	id       string
	store    store.Store
	executor TaskExecutor
	pool     taskRegistry

	leaseTTL     time.Duration
	heartbeat    time.Duration
	pollInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a pool worker.
func NewWorker(id string, st store.Store, executor TaskExecutor, pool taskRegistry,
	leaseTTL, heartbeat, pollInterval time.Duration) *Worker {
	return &Worker{
		id:           id,
		store:        st,
		executor:     executor,
		pool:         pool,
		leaseTTL:     leaseTTL,
		heartbeat:    heartbeat,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for its current task to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoQueuedTasks) {
					w.sleep(w.jitteredPoll())
					continue
				}
				if errors.Is(err, context.Canceled) {
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// jitteredPoll spreads concurrent workers' polls apart.
func (w *Worker) jitteredPoll() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(w.pollInterval) / 2))
	return w.pollInterval/2 + jitter
}

// pollAndProcess claims the next queued task and executes it to a terminal
// or suspended state while heartbeating the lease.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.store.ClaimQueuedTask(ctx, w.id, w.leaseTTL)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.ID, "worker_id", w.id)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	w.pool.RegisterTask(task.ID, cancelTask)
	defer w.pool.UnregisterTask(task.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(taskCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID, cancelTask)

	execErr := w.executor.Execute(taskCtx, task)
	stopHeartbeat()

	// Release with a fresh context; the task context may be cancelled.
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	if err := w.store.ReleaseLease(releaseCtx, task.ID, w.id); err != nil {
		log.Warn("Failed to release task lease", "error", err)
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	if execErr != nil {
		return fmt.Errorf("executing task %s: %w", task.ID, execErr)
	}
	log.Info("Task processing complete")
	return nil
}

// runHeartbeat extends the lease periodically. Losing the lease means
// another worker may own the task now, so execution is cancelled.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string, lostLease context.CancelFunc) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.store.RenewLease(ctx, taskID, w.id, w.leaseTTL)
			if err != nil {
				slog.Warn("Heartbeat renewal failed", "task_id", taskID, "error", err)
				continue
			}
			if !ok {
				slog.Error("Task lease lost, cancelling execution",
					"task_id", taskID, "worker_id", w.id)
				lostLease()
				return
			}
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
