package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
)

// PoolConfig sizes the worker pool and its timing knobs.
type PoolConfig struct {
	Workers           int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// OrphanScanInterval is how often the pool looks for tasks whose
	// worker died mid-run.
	OrphanScanInterval time.Duration
}

// PoolHealth is the pool's health snapshot for the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan,omitempty"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerPool manages the orchestration workers and orphan recovery.
type WorkerPool struct {
	podID    string
	store    store.Store
	config   PoolConfig
	executor TaskExecutor
	workers  []*Worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Local cancel registry: task id -> cancel function.
	mu          sync.RWMutex
	activeTasks map[string]context.CancelFunc
	started     bool

	orphanMu         sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewWorkerPool creates a pool. podID distinguishes this process in a
// multi-replica deployment.
func NewWorkerPool(podID string, st store.Store, cfg PoolConfig, executor TaskExecutor) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.OrphanScanInterval <= 0 {
		cfg.OrphanScanInterval = time.Minute
	}
	return &WorkerPool{
		podID:       podID,
		store:       st,
		config:      cfg,
		executor:    executor,
		workers:     make([]*Worker, 0, cfg.Workers),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]context.CancelFunc),
	}
}

// Start spawns the workers and the orphan recovery loop. Calling Start
// twice is a no-op.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.Workers)

	for i := 0; i < p.config.Workers; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.store, p.executor, p,
			p.config.LeaseTTL, p.config.HeartbeatInterval, p.config.PollInterval)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()
}

// Stop signals workers to stop and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	for _, worker := range p.workers {
		worker.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped")
}

// RegisterTask stores a cancel function for prompt local cancellation.
func (p *WorkerPool) RegisterTask(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when execution ends.
func (p *WorkerPool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask cancels a task running on this pod. The durable cancel flag
// on the lease handles tasks running elsewhere.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// Health reports the pool state.
func (p *WorkerPool) Health() PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.orphanMu.Lock()
	lastScan := p.lastOrphanScan
	recovered := p.orphansRecovered
	p.orphanMu.Unlock()

	return PoolHealth{
		IsHealthy:        len(p.workers) > 0,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		WorkerStats:      workerStats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}

// runOrphanRecovery periodically re-queues tasks whose lease expired while
// they were still non-terminal: their worker died mid-run.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.recoverOrphans(ctx)
			p.orphanMu.Lock()
			p.lastOrphanScan = time.Now()
			p.orphansRecovered += n
			p.orphanMu.Unlock()
			if err != nil {
				slog.Warn("Orphan scan failed", "pod_id", p.podID, "error", err)
			}
		}
	}
}

// recoverOrphans requeues each orphan: steps stuck in running go back to
// pending so they re-execute, and the task returns to planning status so a
// worker can claim it again. Planning is the claimable status; the
// orchestrator skips replanning for tasks that already have steps.
func (p *WorkerPool) recoverOrphans(ctx context.Context) (int, error) {
	orphans, err := p.store.ListOrphanedTasks(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range orphans {
		if err := p.requeueOrphan(ctx, task.ID); err != nil {
			slog.Warn("Failed to requeue orphaned task", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("Recovered orphaned task", "task_id", task.ID, "pod_id", p.podID)
		recovered++
	}
	return recovered, nil
}

func (p *WorkerPool) requeueOrphan(ctx context.Context, taskID string) error {
	planning := models.TaskStatusPlanning
	return store.RetryStale(ctx, func() error {
		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() || task.Status == models.TaskStatusWaitingApproval {
			return nil
		}

		steps := make([]*models.Step, len(task.Steps))
		for i, s := range task.Steps {
			if s.Status == models.StepStatusRunning {
				cp := s.Clone()
				cp.Status = models.StepStatusPending
				steps[i] = cp
				continue
			}
			steps[i] = s
		}

		_, err = p.store.UpdateTask(ctx, taskID, task.Version, store.UpdateFields{
			Status: &planning,
			Steps:  steps,
		})
		return err
	})
}
