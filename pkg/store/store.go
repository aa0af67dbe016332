// Package store implements the dual-backed task store: a durable PostgreSQL
// row store (source of truth) in front of a Redis cache, with optimistic
// versioning. It also holds the checkpoint, preference, plugin, execution,
// and lease stores, plus an in-memory implementation used in tests and
// single-process deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrAlreadyPending indicates a pending checkpoint already exists for
	// the (task, step) pair.
	ErrAlreadyPending = errors.New("checkpoint already pending")

	// ErrAlreadyDecided indicates the checkpoint has left the pending state.
	ErrAlreadyDecided = errors.New("checkpoint already decided")

	// ErrNoQueuedTasks indicates no task is waiting to be claimed.
	ErrNoQueuedTasks = errors.New("no queued tasks")

	// ErrLeaseLost indicates the caller no longer owns the task lease.
	ErrLeaseLost = errors.New("task lease lost")
)

// UpdateFields is a field-level partial update. Nil pointers leave the
// column untouched; Steps replaces the whole step list; AppendFindings
// appends (findings are append-only); Metadata merges key-wise.
type UpdateFields struct {
	Status           *models.TaskStatus
	Steps            []*models.Step
	AppendFindings   []*models.Finding
	CurrentStepIndex *int
	Metadata         map[string]any
	ErrorKind        *string
	ErrorMessage     *string
	CompletedAt      *time.Time
}

// TaskStore is the versioned task persistence port. UpdateTask rejects
// writes that observed a stale version with a taskerr of kind
// stale_version; the store never retries internally.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, expectedVersion int, fields UpdateFields) (*models.Task, error)
	ListTasks(ctx context.Context, filters models.TaskFilters) (*models.TaskPage, error)
	DeleteTask(ctx context.Context, id string) error
}

// StepUpdate carries the step-level fields a dispatcher reports back.
type StepUpdate struct {
	Status      models.StepStatus
	Output      map[string]any
	Error       *models.StepError
	Attempt     *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	// Findings emitted by the step are appended to the task.
	Findings []*models.Finding
}

// UpdateStepStatus is the step-level helper implemented on top of
// UpdateTask: it reads the task, replaces the target step, and writes the
// full list back under the observed version. This is the chokepoint that
// makes step transitions linearizable per task. Stale-version errors
// propagate; callers retry via RetryStale.
func UpdateStepStatus(ctx context.Context, ts TaskStore, taskID, stepID string, upd StepUpdate) (*models.Task, error) {
	task, err := ts.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	steps := make([]*models.Step, len(task.Steps))
	found := false
	for i, s := range task.Steps {
		if s.ID != stepID {
			steps[i] = s
			continue
		}
		found = true
		cp := s.Clone()
		cp.Status = upd.Status
		if upd.Output != nil {
			cp.Output = upd.Output
		}
		cp.Error = upd.Error
		if upd.Attempt != nil {
			cp.Attempt = *upd.Attempt
		}
		if upd.StartedAt != nil {
			cp.StartedAt = upd.StartedAt
		}
		if upd.CompletedAt != nil {
			cp.CompletedAt = upd.CompletedAt
		}
		steps[i] = cp
	}
	if !found {
		return nil, taskerr.New(taskerr.KindNotFound, "step %s not found in task %s", stepID, taskID)
	}

	return ts.UpdateTask(ctx, taskID, task.Version, UpdateFields{
		Steps:          steps,
		AppendFindings: upd.Findings,
	})
}

// RetryStale runs fn, retrying up to three times with exponential backoff
// when it fails with a stale-version error. Callers own this policy; the
// store itself never retries.
func RetryStale(ctx context.Context, fn func() error) error {
	const attempts = 3
	delay := 25 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !taskerr.IsKind(err, taskerr.KindStaleVersion) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// CheckpointStore persists suspension records. The pending-uniqueness
// invariant (one pending checkpoint per task+step) is enforced here.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	GetPendingCheckpoint(ctx context.Context, taskID, stepID string) (*models.Checkpoint, error)
	ListPendingCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	// ListExpiredPending returns pending checkpoints whose expiry passed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]*models.Checkpoint, error)
	// ResolveCheckpoint transitions pending → decision atomically; a
	// checkpoint that is no longer pending yields ErrAlreadyDecided.
	ResolveCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision,
		response *models.CheckpointResponse, preferenceID string, decidedAt time.Time) (*models.Checkpoint, error)
	PurgeDecidedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PreferenceStore persists learned auto-approval hints.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string, scope models.PreferenceScope, scopeValue, key string) (*models.UserPreference, error)
	UpsertPreference(ctx context.Context, pref *models.UserPreference) error
	TouchPreference(ctx context.Context, id string, usedAt time.Time) error
}

// PluginStore persists plugin registrations. System plugins are synced at
// startup; orphaned system rows are deleted. Organization plugins arrive
// through RegisterPlugin and survive system syncs.
type PluginStore interface {
	ListPlugins(ctx context.Context) ([]*models.PluginRecord, error)
	RegisterPlugin(ctx context.Context, rec *models.PluginRecord) error
	SyncSystemPlugins(ctx context.Context, records []*models.PluginRecord) error
}

// ExecutionStore records plugin executions for observability.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, rec *models.PluginExecution) error
	ListExecutions(ctx context.Context, taskID string) ([]*models.PluginExecution, error)
}

// StoredEvent pairs a durable event with its monotonic sequence number.
type StoredEvent struct {
	Seq   int64         `json:"seq"`
	Event *models.Event `json:"event"`
}

// EventStore is the durable event log backing REST catchup. Append also
// satisfies events.Sink.
type EventStore interface {
	Append(ctx context.Context, evt *models.Event) error
	EventHistory(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]StoredEvent, error)
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Lease is a short-lived exclusive claim on a task id. The cancel flag
// rides on the lease so a scheduler observes cancellation between
// admissions even when another process requested it.
type Lease struct {
	TaskID          string    `json:"task_id"`
	Owner           string    `json:"owner"`
	ExpiresAt       time.Time `json:"expires_at"`
	CancelRequested bool      `json:"cancel_requested"`
}

// LeaseStore enforces single-orchestrator ownership per task.
type LeaseStore interface {
	// AcquireLease claims the task for owner unless a live lease is held
	// by someone else. Re-acquiring one's own lease extends it.
	AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, taskID, owner string) error
	RequestCancel(ctx context.Context, taskID string) error
	GetLease(ctx context.Context, taskID string) (*Lease, error)
}

// QueueStore claims queued tasks for orchestration. A task is queued when
// its status is planning and nobody holds a live lease on it.
type QueueStore interface {
	// ClaimQueuedTask atomically claims the oldest queued task for owner,
	// acquiring its lease. ErrNoQueuedTasks when the queue is empty.
	ClaimQueuedTask(ctx context.Context, owner string, leaseTTL time.Duration) (*models.Task, error)
	// ListOrphanedTasks returns non-terminal running tasks whose lease
	// expired (their orchestrator died).
	ListOrphanedTasks(ctx context.Context, now time.Time) ([]*models.Task, error)
}

// Store aggregates every persistence port the application wires.
type Store interface {
	TaskStore
	CheckpointStore
	PreferenceStore
	PluginStore
	ExecutionStore
	EventStore
	LeaseStore
	QueueStore
}
