package models

import "time"

// CreateTaskRequest contains fields for creating a new task.
type CreateTaskRequest struct {
	Goal        string         `json:"goal"`
	Constraints *Constraints   `json:"constraints,omitempty"`
	AutoStart   bool           `json:"auto_start,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// ParentTaskID links a sub-task into an existing task tree.
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// TaskFilters contains filtering options for listing tasks.
type TaskFilters struct {
	OrgID         string      `json:"org_id,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
	Status        TaskStatus  `json:"status,omitempty"`
	TreeID        string      `json:"tree_id,omitempty"`
	CreatedAfter  *time.Time  `json:"created_after,omitempty"`
	CreatedBefore *time.Time  `json:"created_before,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Cursor        string      `json:"cursor,omitempty"`
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Items      []*Task `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}
