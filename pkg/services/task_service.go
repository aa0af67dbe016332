// Package services holds the application-layer flows composing the store,
// planner, checkpoint manager, and worker pool: task lifecycle and
// checkpoint resolution as the HTTP surface consumes them.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// TaskCanceller cancels locally running task executions. The worker pool
// implements it; the durable cancel flag covers remote workers.
type TaskCanceller interface {
	CancelTask(taskID string) bool
}

// TaskService manages the task lifecycle from creation to cancellation.
type TaskService struct {
	store     store.Store
	pub       *events.Publisher
	canceller TaskCanceller
	log       *slog.Logger
}

// NewTaskService creates a TaskService. bus and canceller may be nil.
func NewTaskService(st store.Store, bus *events.Bus, canceller TaskCanceller, log *slog.Logger) *TaskService {
	if log == nil {
		log = slog.Default()
	}
	return &TaskService{
		store:     st,
		pub:       events.NewPublisher(bus, "task-service", models.SourceTypeAPI),
		canceller: canceller,
		log:       log,
	}
}

const maxGoalLength = 8192

// Create persists a new task for the user. With auto_start the task enters
// the planning queue immediately; otherwise it stays in draft until Start.
func (s *TaskService) Create(ctx context.Context, userID, orgID string, req *models.CreateTaskRequest) (*models.Task, error) {
	if req == nil || req.Goal == "" {
		return nil, taskerr.New(taskerr.KindInvalidInput, "goal is required")
	}
	if len(req.Goal) > maxGoalLength {
		return nil, taskerr.New(taskerr.KindInvalidInput,
			"goal exceeds %d characters", maxGoalLength)
	}
	if userID == "" {
		return nil, taskerr.New(taskerr.KindUnauthorized, "user identity is required")
	}

	status := models.TaskStatusDraft
	if req.AutoStart {
		status = models.TaskStatusPlanning
	}

	task := &models.Task{
		ID:           uuid.New().String(),
		UserID:       userID,
		OrgID:        orgID,
		Goal:         req.Goal,
		Status:       status,
		Metadata:     req.Metadata,
		ParentTaskID: req.ParentTaskID,
	}
	if req.Constraints != nil {
		task.Constraints = *req.Constraints
	}
	if req.ParentTaskID != "" {
		parent, err := s.store.GetTask(ctx, req.ParentTaskID)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInvalidInput, err,
				"parent task %s not found", req.ParentTaskID)
		}
		task.TreeID = parent.TreeID
	}
	if task.TreeID == "" {
		task.TreeID = task.ID
	}

	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}

	s.pub.TaskCreated(ctx, created, req.AutoStart)
	s.log.Info("Task created", "task_id", created.ID, "user_id", userID,
		"auto_start", req.AutoStart)
	return created, nil
}

// Get returns the task when it belongs to the caller's organization.
// Tasks of other organizations are reported as not found, not forbidden.
func (s *TaskService) Get(ctx context.Context, orgID, taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && task.OrgID != orgID {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", taskID)
	}
	return task, nil
}

// List returns a page of the organization's tasks.
func (s *TaskService) List(ctx context.Context, orgID string, filters models.TaskFilters) (*models.TaskPage, error) {
	filters.OrgID = orgID
	return s.store.ListTasks(ctx, filters)
}

// Start moves a draft task into the planning queue so a worker claims it.
func (s *TaskService) Start(ctx context.Context, orgID, taskID string) (*models.Task, error) {
	task, err := s.Get(ctx, orgID, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusDraft, models.TaskStatusReady:
	case models.TaskStatusPlanning:
		return task, nil
	default:
		return nil, taskerr.New(taskerr.KindInvalidInput,
			"task %s cannot start from status %s", taskID, task.Status)
	}

	planning := models.TaskStatusPlanning
	var updated *models.Task
	err = store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		updated, err = s.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{
			Status: &planning,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.pub.TaskStatus(ctx, taskID, models.TaskStatusPlanning)
	return updated, nil
}

// Cancel requests cancellation. A task nobody is executing finalizes
// immediately; a running task drains cooperatively: the scheduler observes
// the durable cancel flag and the local pool context is cancelled. Pending
// checkpoints resolve rejected so nobody answers a dead question.
func (s *TaskService) Cancel(ctx context.Context, orgID, taskID string) (*models.Task, error) {
	task, err := s.Get(ctx, orgID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	if err := s.store.RequestCancel(ctx, taskID); err != nil {
		return nil, err
	}
	if s.canceller != nil {
		s.canceller.CancelTask(taskID)
	}
	s.rejectPendingCheckpoints(ctx, taskID)

	// Nobody holds this task: finalize here instead of waiting for a
	// worker that will never claim it.
	if task.Status == models.TaskStatusDraft || task.Status == models.TaskStatusWaitingApproval {
		return s.finalizeCancelled(ctx, taskID)
	}

	fresh, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.log.Info("Task cancellation requested", "task_id", taskID, "status", fresh.Status)
	return fresh, nil
}

// LinkConversation records the conversation id in the task metadata so the
// conversation view can follow the task.
func (s *TaskService) LinkConversation(ctx context.Context, orgID, taskID, conversationID string) (*models.Task, error) {
	if conversationID == "" {
		return nil, taskerr.New(taskerr.KindInvalidInput, "conversation_id is required")
	}
	if _, err := s.Get(ctx, orgID, taskID); err != nil {
		return nil, err
	}

	var updated *models.Task
	err := store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		updated, err = s.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{
			Metadata: map[string]any{"conversation_id": conversationID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// rejectPendingCheckpoints resolves every pending checkpoint on the task as
// rejected with a cancellation reason. This bypasses preference learning; a
// cancelled task says nothing about what the user would have decided.
func (s *TaskService) rejectPendingCheckpoints(ctx context.Context, taskID string) {
	pending, err := s.store.ListPendingCheckpoints(ctx, taskID)
	if err != nil {
		s.log.Warn("Failed to list pending checkpoints on cancel",
			"task_id", taskID, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, cp := range pending {
		resp := &models.CheckpointResponse{
			Decision: models.DecisionRejected,
			Feedback: "cancelled",
		}
		if _, err := s.store.ResolveCheckpoint(ctx, cp.ID, models.DecisionRejected, resp, "", now); err != nil {
			s.log.Warn("Failed to reject checkpoint on cancel",
				"task_id", taskID, "checkpoint_id", cp.ID, "error", err)
			continue
		}
		s.pub.CheckpointCancelled(ctx, taskID, cp.ID, cp.StepID)
	}
}

// finalizeCancelled marks every open step and the task itself cancelled.
func (s *TaskService) finalizeCancelled(ctx context.Context, taskID string) (*models.Task, error) {
	cancelled := models.TaskStatusCancelled
	completed := time.Now().UTC()
	var final *models.Task
	err := store.RetryStale(ctx, func() error {
		fresh, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			final = fresh
			return nil
		}

		steps := make([]*models.Step, len(fresh.Steps))
		for i, st := range fresh.Steps {
			if st.Status.IsTerminal() {
				steps[i] = st
				continue
			}
			cp := st.Clone()
			cp.Status = models.StepStatusCancelled
			cp.CompletedAt = &completed
			steps[i] = cp
		}

		final, err = s.store.UpdateTask(ctx, taskID, fresh.Version, store.UpdateFields{
			Status:      &cancelled,
			Steps:       steps,
			CompletedAt: &completed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.pub.TaskCancelled(ctx, taskID)
	s.log.Info("Task cancelled", "task_id", taskID)
	return final, nil
}
