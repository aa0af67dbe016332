package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskweave/taskweave/pkg/models"
)

// DualStore layers a cache over a durable store. Writes land durably first
// and then refresh the cache; when the cache write fails the entry is
// invalidated so readers fall through to the durable copy instead of
// serving a stale one. Reads try the cache and fall back to the durable
// store, repopulating on the way out. Cache failures never fail an
// operation.
type DualStore struct {
	Store
	cache Cache
	log   *slog.Logger
}

var _ Store = (*DualStore)(nil)

// NewDualStore wraps a durable store with a cache.
func NewDualStore(durable Store, cache Cache, log *slog.Logger) *DualStore {
	if log == nil {
		log = slog.Default()
	}
	return &DualStore{Store: durable, cache: cache, log: log}
}

// refreshTask writes the task into the cache, invalidating on failure.
func (d *DualStore) refreshTask(ctx context.Context, task *models.Task) {
	if err := d.cache.SetTask(ctx, task); err != nil {
		d.log.Warn("Cache write failed, invalidating entry",
			"task_id", task.ID, "error", err)
		if err := d.cache.InvalidateTask(ctx, task.ID); err != nil {
			d.log.Warn("Cache invalidation failed", "task_id", task.ID, "error", err)
		}
	}
}

func (d *DualStore) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	created, err := d.Store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	d.refreshTask(ctx, created)
	return created, nil
}

func (d *DualStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	cached, err := d.cache.GetTask(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		d.log.Warn("Cache read failed, falling back to durable store",
			"task_id", id, "error", err)
	}

	task, err := d.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	d.refreshTask(ctx, task)
	return task, nil
}

func (d *DualStore) UpdateTask(ctx context.Context, id string, expectedVersion int, fields UpdateFields) (*models.Task, error) {
	updated, err := d.Store.UpdateTask(ctx, id, expectedVersion, fields)
	if err != nil {
		return nil, err
	}
	d.refreshTask(ctx, updated)
	return updated, nil
}

func (d *DualStore) DeleteTask(ctx context.Context, id string) error {
	if err := d.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if err := d.cache.InvalidateTask(ctx, id); err != nil {
		d.log.Warn("Cache invalidation failed", "task_id", id, "error", err)
	}
	return nil
}

func (d *DualStore) refreshCheckpoint(ctx context.Context, cp *models.Checkpoint) {
	if err := d.cache.SetCheckpoint(ctx, cp); err != nil {
		d.log.Warn("Cache write failed, invalidating entry",
			"checkpoint_id", cp.ID, "error", err)
		if err := d.cache.InvalidateCheckpoint(ctx, cp.ID); err != nil {
			d.log.Warn("Cache invalidation failed", "checkpoint_id", cp.ID, "error", err)
		}
	}
}

func (d *DualStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := d.Store.CreateCheckpoint(ctx, cp); err != nil {
		return err
	}
	d.refreshCheckpoint(ctx, cp)
	return nil
}

func (d *DualStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	cached, err := d.cache.GetCheckpoint(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		d.log.Warn("Cache read failed, falling back to durable store",
			"checkpoint_id", id, "error", err)
	}

	cp, err := d.Store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	d.refreshCheckpoint(ctx, cp)
	return cp, nil
}

func (d *DualStore) ResolveCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision,
	response *models.CheckpointResponse, preferenceID string, decidedAt time.Time) (*models.Checkpoint, error) {
	cp, err := d.Store.ResolveCheckpoint(ctx, id, decision, response, preferenceID, decidedAt)
	if err != nil {
		if cp != nil {
			// Already decided: refresh so repeat readers see the decision.
			d.refreshCheckpoint(ctx, cp)
		}
		return cp, err
	}
	d.refreshCheckpoint(ctx, cp)
	return cp, nil
}
