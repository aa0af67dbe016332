package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// PostgresStore is the durable store. All task mutations go through
// optimistic versioning: UPDATE ... WHERE version = expected, so concurrent
// writers never silently clobber each other.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

const taskColumns = `id, version, user_id, org_id, status, goal, constraints,
	success_criteria, steps, findings, current_step_index, tree_id,
	parent_task_id, metadata, error_kind, error_message, created_at,
	updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t            models.Task
		constraints  []byte
		criteria     []byte
		steps        []byte
		findings     []byte
		metadata     []byte
		treeID       sql.NullString
		parentTaskID sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Version, &t.UserID, &t.OrgID, &t.Status, &t.Goal,
		&constraints, &criteria, &steps, &findings, &t.CurrentStepIndex,
		&treeID, &parentTaskID, &metadata, &errorKind, &errorMessage,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(constraints, &t.Constraints); err != nil {
		return nil, fmt.Errorf("failed to decode task constraints: %w", err)
	}
	if err := json.Unmarshal(criteria, &t.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode success criteria: %w", err)
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode task steps: %w", err)
	}
	if err := json.Unmarshal(findings, &t.Findings); err != nil {
		return nil, fmt.Errorf("failed to decode task findings: %w", err)
	}
	if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode task metadata: %w", err)
	}
	t.TreeID = treeID.String
	t.ParentTaskID = parentTaskID.String
	t.ErrorKind = errorKind.String
	t.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Domain types marshal cleanly; a failure here is a programming error.
		panic(fmt.Sprintf("failed to marshal %T: %v", v, err))
	}
	return b
}

func jsonOrEmptyObject(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	return mustJSON(v)
}

func jsonOrEmptyArray(v any) []byte {
	b := mustJSON(v)
	if string(b) == "null" {
		return []byte("[]")
	}
	return b
}

// --- TaskStore ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Version = 1
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, version, user_id, org_id, status, goal,
			constraints, success_criteria, steps, findings,
			current_step_index, tree_id, parent_task_id, metadata,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		task.ID, task.Version, task.UserID, task.OrgID, string(task.Status), task.Goal,
		jsonOrEmptyObject(task.Constraints), jsonOrEmptyArray(task.SuccessCriteria),
		jsonOrEmptyArray(task.Steps), jsonOrEmptyArray(task.Findings),
		task.CurrentStepIndex, nullIfEmpty(task.TreeID), nullIfEmpty(task.ParentTaskID),
		jsonOrEmptyObject(task.Metadata), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "task %s already exists", task.ID)
		}
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to create task")
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load task %s", id)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, expectedVersion int, fields UpdateFields) (*models.Task, error) {
	set := []string{"version = version + 1", "updated_at = now()"}
	args := []any{id, expectedVersion}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if fields.Status != nil {
		set = append(set, "status = "+arg(string(*fields.Status)))
	}
	if fields.Steps != nil {
		set = append(set, "steps = "+arg(jsonOrEmptyArray(fields.Steps)))
	}
	if len(fields.AppendFindings) > 0 {
		set = append(set, "findings = findings || "+arg(mustJSON(fields.AppendFindings))+"::jsonb")
	}
	if fields.CurrentStepIndex != nil {
		set = append(set, "current_step_index = "+arg(*fields.CurrentStepIndex))
	}
	if fields.Metadata != nil {
		set = append(set, "metadata = metadata || "+arg(jsonOrEmptyObject(fields.Metadata))+"::jsonb")
	}
	if fields.ErrorKind != nil {
		set = append(set, "error_kind = "+arg(nullIfEmpty(*fields.ErrorKind)))
	}
	if fields.ErrorMessage != nil {
		set = append(set, "error_message = "+arg(nullIfEmpty(*fields.ErrorMessage)))
	}
	if fields.CompletedAt != nil {
		set = append(set, "completed_at = "+arg(*fields.CompletedAt))
	}

	query := `UPDATE tasks SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 AND version = $2 RETURNING ` + taskColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to update task %s", id)
	}

	// Distinguish a missing task from a version conflict.
	var current int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load task version for %s", id)
	}
	return nil, taskerr.New(taskerr.KindStaleVersion,
		"task %s version conflict: expected %d, current %d", id, expectedVersion, current).
		WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": current})
}

// listCursor encodes pagination position as "<unix_nanos>:<task_id>".
func encodeListCursor(t *models.Task) string {
	return strconv.FormatInt(t.CreatedAt.UnixNano(), 10) + ":" + t.ID
}

func decodeListCursor(cursor string) (time.Time, string, error) {
	nanos, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	return time.Unix(0, n).UTC(), id, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filters models.TaskFilters) (*models.TaskPage, error) {
	where := []string{"1=1"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filters.OrgID != "" {
		where = append(where, "org_id = "+arg(filters.OrgID))
	}
	if filters.UserID != "" {
		where = append(where, "user_id = "+arg(filters.UserID))
	}
	if filters.Status != "" {
		where = append(where, "status = "+arg(string(filters.Status)))
	}
	if filters.TreeID != "" {
		where = append(where, "tree_id = "+arg(filters.TreeID))
	}
	if filters.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*filters.CreatedAfter))
	}
	if filters.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*filters.CreatedBefore))
	}
	if filters.Cursor != "" {
		at, id, err := decodeListCursor(filters.Cursor)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "invalid list cursor")
		}
		where = append(where, "(created_at, id) < ("+arg(at)+", "+arg(id)+")")
	}

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list tasks")
	}
	defer rows.Close()

	var items []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan task row")
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list tasks")
	}

	page := &models.TaskPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = encodeListCursor(items[limit-1])
	}
	return page, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to delete task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskerr.New(taskerr.KindNotFound, "task %s not found", id)
	}
	return nil
}

// --- CheckpointStore ---

const checkpointColumns = `id, task_id, step_id, type, prompt, preview,
	input_schema, alternatives, decision, response, preference_id,
	decided_at, expires_at, created_at`

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		cp           models.Checkpoint
		preview      []byte
		inputSchema  []byte
		alternatives []byte
		response     []byte
		preferenceID sql.NullString
		decidedAt    sql.NullTime
	)
	err := row.Scan(
		&cp.ID, &cp.TaskID, &cp.StepID, &cp.Type, &cp.Prompt, &preview,
		&inputSchema, &alternatives, &cp.Decision, &response, &preferenceID,
		&decidedAt, &cp.ExpiresAt, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(preview, &cp.Preview); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint preview: %w", err)
	}
	if inputSchema != nil {
		if err := json.Unmarshal(inputSchema, &cp.InputSchema); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint input schema: %w", err)
		}
	}
	if alternatives != nil {
		if err := json.Unmarshal(alternatives, &cp.Alternatives); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint alternatives: %w", err)
		}
	}
	if response != nil {
		if err := json.Unmarshal(response, &cp.Response); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint response: %w", err)
		}
	}
	cp.PreferenceID = preferenceID.String
	if decidedAt.Valid {
		cp.DecidedAt = &decidedAt.Time
	}
	return &cp, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Decision == "" {
		cp.Decision = models.DecisionPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	var inputSchema, alternatives any
	if cp.InputSchema != nil {
		inputSchema = mustJSON(cp.InputSchema)
	}
	if cp.Alternatives != nil {
		alternatives = mustJSON(cp.Alternatives)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, step_id, type, prompt, preview,
			input_schema, alternatives, decision, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cp.ID, cp.TaskID, cp.StepID, string(cp.Type), cp.Prompt,
		jsonOrEmptyObject(cp.Preview), inputSchema, alternatives,
		string(cp.Decision), cp.ExpiresAt, cp.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "checkpoint_pending_per_step") {
			return fmt.Errorf("task %s step %s: %w", cp.TaskID, cp.StepID, ErrAlreadyPending)
		}
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to create checkpoint")
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load checkpoint %s", id)
	}
	return cp, nil
}

func (s *PostgresStore) GetPendingCheckpoint(ctx context.Context, taskID, stepID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE task_id = $1 AND step_id = $2 AND decision = 'pending'`,
		taskID, stepID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindNotFound,
			"no pending checkpoint for task %s step %s", taskID, stepID)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load pending checkpoint")
	}
	return cp, nil
}

func (s *PostgresStore) queryCheckpoints(ctx context.Context, query string, args ...any) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to query checkpoints")
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan checkpoint row")
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to query checkpoints")
	}
	return out, nil
}

func (s *PostgresStore) ListPendingCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	return s.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE task_id = $1 AND decision = 'pending' ORDER BY created_at`, taskID)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*models.Checkpoint, error) {
	return s.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE decision = 'pending' AND expires_at <= $1 ORDER BY expires_at`, now)
}

func (s *PostgresStore) ResolveCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision,
	response *models.CheckpointResponse, preferenceID string, decidedAt time.Time) (*models.Checkpoint, error) {

	var responseJSON any
	if response != nil {
		responseJSON = mustJSON(response)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE checkpoints
		SET decision = $2, response = $3, preference_id = $4, decided_at = $5
		WHERE id = $1 AND decision = 'pending'
		RETURNING `+checkpointColumns,
		id, string(decision), responseJSON, nullIfEmpty(preferenceID), decidedAt,
	)
	cp, err := scanCheckpoint(row)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to resolve checkpoint %s", id)
	}

	existing, getErr := s.GetCheckpoint(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return existing, fmt.Errorf("checkpoint %s: %w", id, ErrAlreadyDecided)
}

func (s *PostgresStore) PurgeDecidedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE decision <> 'pending' AND decided_at < $1`, cutoff)
	if err != nil {
		return 0, taskerr.Wrap(taskerr.KindStorage, err, "failed to purge checkpoints")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- PreferenceStore ---

func (s *PostgresStore) GetPreference(ctx context.Context, userID string, scope models.PreferenceScope, scopeValue, key string) (*models.UserPreference, error) {
	var pref models.UserPreference
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, scope, scope_value, key, decision, confidence,
			usage_count, last_used_at
		FROM preferences
		WHERE user_id = $1 AND scope = $2 AND scope_value = $3 AND key = $4`,
		userID, string(scope), scopeValue, key,
	).Scan(&pref.ID, &pref.UserID, &pref.Scope, &pref.ScopeValue, &pref.Key,
		&pref.Decision, &pref.Confidence, &pref.UsageCount, &pref.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindNotFound, "preference not found")
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load preference")
	}
	return &pref, nil
}

func (s *PostgresStore) UpsertPreference(ctx context.Context, pref *models.UserPreference) error {
	if pref.ID == "" {
		pref.ID = uuid.New().String()
	}
	if pref.LastUsedAt.IsZero() {
		pref.LastUsedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (id, user_id, scope, scope_value, key,
			decision, confidence, usage_count, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, scope, scope_value, key) DO UPDATE SET
			decision = EXCLUDED.decision,
			confidence = EXCLUDED.confidence,
			usage_count = EXCLUDED.usage_count,
			last_used_at = EXCLUDED.last_used_at`,
		pref.ID, pref.UserID, string(pref.Scope), pref.ScopeValue, pref.Key,
		string(pref.Decision), pref.Confidence, pref.UsageCount, pref.LastUsedAt,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to upsert preference")
	}
	return nil
}

func (s *PostgresStore) TouchPreference(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE preferences SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`,
		id, usedAt)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to touch preference %s", id)
	}
	return nil
}

// --- PluginStore ---

func (s *PostgresStore) ListPlugins(ctx context.Context) ([]*models.PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM plugins ORDER BY namespace`)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list plugins")
	}
	defer rows.Close()

	var out []*models.PluginRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan plugin row")
		}
		var rec models.PluginRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to decode plugin record")
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list plugins")
	}
	return out, nil
}

// RegisterPlugin upserts an organization plugin registration.
func (s *PostgresStore) RegisterPlugin(ctx context.Context, rec *models.PluginRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.System = false
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugins (namespace, org_id, system, record, created_at)
		VALUES ($1, $2, false, $3, $4)
		ON CONFLICT (namespace) DO UPDATE SET
			org_id = EXCLUDED.org_id, system = false, record = EXCLUDED.record`,
		rec.Namespace, nullIfEmpty(rec.OrgID), mustJSON(rec), rec.CreatedAt,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to register plugin %s", rec.Namespace)
	}
	return nil
}

// SyncSystemPlugins upserts the built-in plugin set and deletes system rows
// whose namespace no longer exists in the binary.
func (s *PostgresStore) SyncSystemPlugins(ctx context.Context, records []*models.PluginRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to begin plugin sync")
	}
	defer tx.Rollback()

	namespaces := make([]string, 0, len(records))
	for _, rec := range records {
		rec.System = true
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		namespaces = append(namespaces, rec.Namespace)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (namespace, org_id, system, record, created_at)
			VALUES ($1, $2, true, $3, $4)
			ON CONFLICT (namespace) DO UPDATE SET
				system = true, record = EXCLUDED.record`,
			rec.Namespace, nullIfEmpty(rec.OrgID), mustJSON(rec), rec.CreatedAt,
		)
		if err != nil {
			return taskerr.Wrap(taskerr.KindStorage, err, "failed to upsert plugin %s", rec.Namespace)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM plugins WHERE system AND namespace <> ALL($1)`, namespaces)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to prune orphaned system plugins")
	}

	if err := tx.Commit(); err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to commit plugin sync")
	}
	return nil
}

// --- ExecutionStore ---

func (s *PostgresStore) RecordExecution(ctx context.Context, rec *models.PluginExecution) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	var details any
	if rec.Details != nil {
		details = mustJSON(rec.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_executions (id, task_id, step_id, namespace, attempt,
			status, error_kind, duration_ms, tokens_used, cost_usd, details, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.TaskID, rec.StepID, rec.Namespace, rec.Attempt,
		rec.Status, nullIfEmpty(rec.ErrorKind), rec.DurationMS,
		rec.TokensUsed, rec.CostUSD, details, rec.StartedAt,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to record plugin execution")
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, taskID string) ([]*models.PluginExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_id, namespace, attempt, status, error_kind,
			duration_ms, tokens_used, cost_usd, details, started_at
		FROM plugin_executions WHERE task_id = $1 ORDER BY started_at`, taskID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list plugin executions")
	}
	defer rows.Close()

	var out []*models.PluginExecution
	for rows.Next() {
		var (
			rec       models.PluginExecution
			errorKind sql.NullString
			details   []byte
		)
		err := rows.Scan(&rec.ID, &rec.TaskID, &rec.StepID, &rec.Namespace,
			&rec.Attempt, &rec.Status, &errorKind, &rec.DurationMS,
			&rec.TokensUsed, &rec.CostUSD, &details, &rec.StartedAt)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan execution row")
		}
		rec.ErrorKind = errorKind.String
		if details != nil {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to decode execution details")
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list plugin executions")
	}
	return out, nil
}

// --- EventStore ---

// Append satisfies events.Sink: every published event lands in the durable
// log for REST catchup after a dropped stream.
func (s *PostgresStore) Append(ctx context.Context, evt *models.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, task_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, nullIfEmpty(evt.TaskID), evt.Type, mustJSON(evt), evt.Timestamp,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to append event")
	}
	return nil
}

func (s *PostgresStore) EventHistory(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM events
		WHERE task_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		taskID, sinceSeq, limit)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load event history")
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan event row")
		}
		var evt models.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to decode stored event")
		}
		out = append(out, StoredEvent{Seq: seq, Event: &evt})
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load event history")
	}
	return out, nil
}

func (s *PostgresStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, taskerr.Wrap(taskerr.KindStorage, err, "failed to purge events")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- LeaseStore ---

func (s *PostgresStore) AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	return s.acquireLease(ctx, s.db, taskID, owner, ttl)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// acquireLease upserts the lease row, winning only when no live lease is
// held by another owner. Re-acquiring one's own lease extends it; the
// cancel_requested flag is left untouched so cancellation survives
// handovers.
func (s *PostgresStore) acquireLease(ctx context.Context, q execQuerier, taskID, owner string, ttl time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(ttl)
	var got string
	err := q.QueryRowContext(ctx, `
		INSERT INTO task_leases (task_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE task_leases.owner = EXCLUDED.owner OR task_leases.expires_at <= now()
		RETURNING owner`,
		taskID, owner, expires,
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, taskerr.Wrap(taskerr.KindStorage, err, "failed to acquire lease for task %s", taskID)
	}
	return got == owner, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_leases SET expires_at = $3, updated_at = now()
		WHERE task_id = $1 AND owner = $2 AND expires_at > now()`,
		taskID, owner, expires)
	if err != nil {
		return false, taskerr.Wrap(taskerr.KindStorage, err, "failed to renew lease for task %s", taskID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease expires the lease instead of deleting the row, so a pending
// cancel_requested flag survives until the task reaches a terminal state.
func (s *PostgresStore) ReleaseLease(ctx context.Context, taskID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_leases SET expires_at = now(), updated_at = now()
		WHERE task_id = $1 AND owner = $2`,
		taskID, owner)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to release lease for task %s", taskID)
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_leases (task_id, owner, expires_at, cancel_requested)
		VALUES ($1, '', now(), true)
		ON CONFLICT (task_id) DO UPDATE SET
			cancel_requested = true, updated_at = now()`,
		taskID)
	if err != nil {
		return taskerr.Wrap(taskerr.KindStorage, err, "failed to request cancel for task %s", taskID)
	}
	return nil
}

func (s *PostgresStore) GetLease(ctx context.Context, taskID string) (*Lease, error) {
	var lease Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, owner, expires_at, cancel_requested
		FROM task_leases WHERE task_id = $1`, taskID,
	).Scan(&lease.TaskID, &lease.Owner, &lease.ExpiresAt, &lease.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to load lease for task %s", taskID)
	}
	return &lease, nil
}

// --- QueueStore ---

// ClaimQueuedTask picks the oldest unleased task in planning status using
// FOR UPDATE SKIP LOCKED, so competing workers never contend on the same
// row, then acquires its lease inside the same transaction.
func (s *PostgresStore) ClaimQueuedTask(ctx context.Context, owner string, leaseTTL time.Duration) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to begin claim")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'planning'
		  AND NOT EXISTS (
			SELECT 1 FROM task_leases l
			WHERE l.task_id = t.id AND l.expires_at > now() AND l.owner <> ''
		  )
		ORDER BY t.created_at
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED`)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoQueuedTasks
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to claim queued task")
	}

	ok, err := s.acquireLease(ctx, tx, task.ID, owner, leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoQueuedTasks
	}

	if err := tx.Commit(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to commit claim")
	}
	return task, nil
}

func (s *PostgresStore) ListOrphanedTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN task_leases l ON l.task_id = t.id
		WHERE l.owner <> '' AND l.expires_at <= $1
		  AND t.status IN ('ready', 'running', 'waiting_approval', 'replanning')
		ORDER BY t.created_at`, now)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list orphaned tasks")
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to scan orphaned task")
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorage, err, "failed to list orphaned tasks")
	}
	return out, nil
}
