package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// MemoryStore is an in-memory Store with the same semantics as the
// Postgres implementation, including optimistic versioning and the
// one-pending-checkpoint-per-step invariant. It backs tests and
// single-process deployments without a database.
type MemoryStore struct {
	mu sync.Mutex

	tasks       map[string]*models.Task
	checkpoints map[string]*models.Checkpoint
	prefs       map[string]*models.UserPreference
	plugins     map[string]*models.PluginRecord
	executions  []*models.PluginExecution
	events      []StoredEvent
	eventSeq    int64
	leases      map[string]*Lease
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.Task),
		checkpoints: make(map[string]*models.Checkpoint),
		prefs:       make(map[string]*models.UserPreference),
		plugins:     make(map[string]*models.PluginRecord),
		leases:      make(map[string]*Lease),
	}
}

// deepCopy round-trips through JSON so callers never share memory with the
// stored copy. Domain types marshal cleanly.
func deepCopy[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("failed to unmarshal %T: %v", v, err))
	}
	return out
}

// --- TaskStore ---

func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil, taskerr.New(taskerr.KindInvalidInput, "task %s already exists", task.ID)
	}
	task.Version = 1
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	s.tasks[task.ID] = deepCopy(task)
	return deepCopy(task), nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	return deepCopy(task), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, expectedVersion int, fields UpdateFields) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	if task.Version != expectedVersion {
		return nil, taskerr.New(taskerr.KindStaleVersion,
			"task %s version conflict: expected %d, current %d", id, expectedVersion, task.Version).
			WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": task.Version})
	}

	next := deepCopy(task)
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if fields.Status != nil {
		next.Status = *fields.Status
	}
	if fields.Steps != nil {
		next.Steps = *deepCopy(&fields.Steps)
	}
	for _, f := range fields.AppendFindings {
		next.Findings = append(next.Findings, deepCopy(f))
	}
	if fields.CurrentStepIndex != nil {
		next.CurrentStepIndex = *fields.CurrentStepIndex
	}
	if fields.Metadata != nil {
		if next.Metadata == nil {
			next.Metadata = make(map[string]any, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			next.Metadata[k] = v
		}
	}
	if fields.ErrorKind != nil {
		next.ErrorKind = *fields.ErrorKind
	}
	if fields.ErrorMessage != nil {
		next.ErrorMessage = *fields.ErrorMessage
	}
	if fields.CompletedAt != nil {
		t := *fields.CompletedAt
		next.CompletedAt = &t
	}

	s.tasks[id] = next
	return deepCopy(next), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filters models.TaskFilters) (*models.TaskPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Task
	for _, task := range s.tasks {
		if filters.OrgID != "" && task.OrgID != filters.OrgID {
			continue
		}
		if filters.UserID != "" && task.UserID != filters.UserID {
			continue
		}
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if filters.TreeID != "" && task.TreeID != filters.TreeID {
			continue
		}
		if filters.CreatedAfter != nil && !task.CreatedAt.After(*filters.CreatedAfter) {
			continue
		}
		if filters.CreatedBefore != nil && !task.CreatedAt.Before(*filters.CreatedBefore) {
			continue
		}
		matched = append(matched, task)
	}

	// Newest first, id as tiebreaker, matching the durable store's order.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if filters.Cursor != "" {
		at, id, err := decodeListCursor(filters.Cursor)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "invalid list cursor")
		}
		i := sort.Search(len(matched), func(i int) bool {
			t := matched[i]
			if !t.CreatedAt.Equal(at) {
				return t.CreatedAt.Before(at)
			}
			return t.ID < id
		})
		matched = matched[i:]
	}

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	page := &models.TaskPage{}
	for i, task := range matched {
		if i == limit {
			page.NextCursor = encodeListCursor(matched[limit-1])
			break
		}
		page.Items = append(page.Items, deepCopy(task))
	}
	return page, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	delete(s.tasks, id)
	return nil
}

// --- CheckpointStore ---

func (s *MemoryStore) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Decision == "" {
		cp.Decision = models.DecisionPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	for _, existing := range s.checkpoints {
		if existing.TaskID == cp.TaskID && existing.StepID == cp.StepID &&
			existing.Decision == models.DecisionPending {
			return fmt.Errorf("task %s step %s: %w", cp.TaskID, cp.StepID, ErrAlreadyPending)
		}
	}
	s.checkpoints[cp.ID] = deepCopy(cp)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "checkpoint %s not found", id)
	}
	return deepCopy(cp), nil
}

func (s *MemoryStore) GetPendingCheckpoint(_ context.Context, taskID, stepID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID && cp.StepID == stepID && cp.Decision == models.DecisionPending {
			return deepCopy(cp), nil
		}
	}
	return nil, taskerr.New(taskerr.KindNotFound,
		"no pending checkpoint for task %s step %s", taskID, stepID)
}

func (s *MemoryStore) ListPendingCheckpoints(_ context.Context, taskID string) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID && cp.Decision == models.DecisionPending {
			out = append(out, deepCopy(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Decision == models.DecisionPending && !cp.ExpiresAt.After(now) {
			out = append(out, deepCopy(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) ResolveCheckpoint(_ context.Context, id string, decision models.CheckpointDecision,
	response *models.CheckpointResponse, preferenceID string, decidedAt time.Time) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "checkpoint %s not found", id)
	}
	if cp.Decision != models.DecisionPending {
		return deepCopy(cp), fmt.Errorf("checkpoint %s: %w", id, ErrAlreadyDecided)
	}

	next := deepCopy(cp)
	next.Decision = decision
	if response != nil {
		next.Response = deepCopy(response)
	}
	next.PreferenceID = preferenceID
	t := decidedAt
	next.DecidedAt = &t

	s.checkpoints[id] = next
	return deepCopy(next), nil
}

func (s *MemoryStore) PurgeDecidedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, cp := range s.checkpoints {
		if cp.Decision != models.DecisionPending && cp.DecidedAt != nil && cp.DecidedAt.Before(cutoff) {
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

// --- PreferenceStore ---

func prefKey(userID string, scope models.PreferenceScope, scopeValue, key string) string {
	return strings.Join([]string{userID, string(scope), scopeValue, key}, "\x00")
}

func (s *MemoryStore) GetPreference(_ context.Context, userID string, scope models.PreferenceScope, scopeValue, key string) (*models.UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pref, ok := s.prefs[prefKey(userID, scope, scopeValue, key)]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "preference not found")
	}
	return deepCopy(pref), nil
}

func (s *MemoryStore) UpsertPreference(_ context.Context, pref *models.UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pref.ID == "" {
		pref.ID = uuid.New().String()
	}
	if pref.LastUsedAt.IsZero() {
		pref.LastUsedAt = time.Now().UTC()
	}
	key := prefKey(pref.UserID, pref.Scope, pref.ScopeValue, pref.Key)
	if existing, ok := s.prefs[key]; ok {
		pref.ID = existing.ID
	}
	s.prefs[key] = deepCopy(pref)
	return nil
}

func (s *MemoryStore) TouchPreference(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pref := range s.prefs {
		if pref.ID == id {
			pref.UsageCount++
			pref.LastUsedAt = usedAt
			return nil
		}
	}
	return nil
}

// --- PluginStore ---

func (s *MemoryStore) ListPlugins(_ context.Context) ([]*models.PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.PluginRecord, 0, len(s.plugins))
	for _, rec := range s.plugins {
		out = append(out, deepCopy(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (s *MemoryStore) RegisterPlugin(_ context.Context, rec *models.PluginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.System = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.plugins[rec.Namespace] = deepCopy(rec)
	return nil
}

func (s *MemoryStore) SyncSystemPlugins(_ context.Context, records []*models.PluginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(records))
	for _, rec := range records {
		rec.System = true
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		keep[rec.Namespace] = struct{}{}
		s.plugins[rec.Namespace] = deepCopy(rec)
	}
	for ns, rec := range s.plugins {
		if rec.System {
			if _, ok := keep[ns]; !ok {
				delete(s.plugins, ns)
			}
		}
	}
	return nil
}

// --- ExecutionStore ---

func (s *MemoryStore) RecordExecution(_ context.Context, rec *models.PluginExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.executions = append(s.executions, deepCopy(rec))
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, taskID string) ([]*models.PluginExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PluginExecution
	for _, rec := range s.executions {
		if rec.TaskID == taskID {
			out = append(out, deepCopy(rec))
		}
	}
	return out, nil
}

// --- EventStore ---

func (s *MemoryStore) Append(_ context.Context, evt *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq++
	s.events = append(s.events, StoredEvent{Seq: s.eventSeq, Event: deepCopy(evt)})
	return nil
}

func (s *MemoryStore) EventHistory(_ context.Context, taskID string, sinceSeq int64, limit int) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []StoredEvent
	for _, se := range s.events {
		if se.Event.TaskID != taskID || se.Seq <= sinceSeq {
			continue
		}
		out = append(out, StoredEvent{Seq: se.Seq, Event: deepCopy(se.Event)})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	n := 0
	for _, se := range s.events {
		if se.Event.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, se)
	}
	s.events = kept
	return n, nil
}

// --- LeaseStore ---

func (s *MemoryStore) AcquireLease(_ context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLeaseLocked(taskID, owner, ttl), nil
}

func (s *MemoryStore) acquireLeaseLocked(taskID, owner string, ttl time.Duration) bool {
	now := time.Now().UTC()
	lease, ok := s.leases[taskID]
	if ok && lease.Owner != owner && lease.Owner != "" && lease.ExpiresAt.After(now) {
		return false
	}
	if !ok {
		lease = &Lease{TaskID: taskID}
		s.leases[taskID] = lease
	}
	lease.Owner = owner
	lease.ExpiresAt = now.Add(ttl)
	return true
}

func (s *MemoryStore) RenewLease(_ context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	lease, ok := s.leases[taskID]
	if !ok || lease.Owner != owner || !lease.ExpiresAt.After(now) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, taskID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[taskID]; ok && lease.Owner == owner {
		lease.ExpiresAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[taskID]
	if !ok {
		lease = &Lease{TaskID: taskID, ExpiresAt: time.Now().UTC()}
		s.leases[taskID] = lease
	}
	lease.CancelRequested = true
	return nil
}

func (s *MemoryStore) GetLease(_ context.Context, taskID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[taskID]
	if !ok {
		return nil, nil
	}
	cp := *lease
	return &cp, nil
}

// --- QueueStore ---

func (s *MemoryStore) ClaimQueuedTask(_ context.Context, owner string, leaseTTL time.Duration) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusPlanning {
			continue
		}
		if lease, ok := s.leases[task.ID]; ok && lease.Owner != "" && lease.ExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil, ErrNoQueuedTasks
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	task := candidates[0]
	if !s.acquireLeaseLocked(task.ID, owner, leaseTTL) {
		return nil, ErrNoQueuedTasks
	}
	return deepCopy(task), nil
}

func (s *MemoryStore) ListOrphanedTasks(_ context.Context, now time.Time) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for id, lease := range s.leases {
		if lease.Owner == "" || lease.ExpiresAt.After(now) {
			continue
		}
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		switch task.Status {
		case models.TaskStatusReady, models.TaskStatusRunning,
			models.TaskStatusWaitingApproval, models.TaskStatusReplanning:
			out = append(out, deepCopy(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
