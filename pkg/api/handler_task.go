package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/models"
)

func (s *Server) handleCreateTask(c *gin.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidJSON(err))
		return
	}

	task, err := s.tasks.Create(c.Request.Context(), callerUserID(c), callerOrgID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), callerOrgID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleListTasks(c *gin.Context) {
	filters := models.TaskFilters{
		UserID: c.Query("user_id"),
		Status: models.TaskStatus(c.Query("status")),
		TreeID: c.Query("tree_id"),
		Cursor: c.Query("cursor"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Limit = n
		}
	}
	if v := c.Query("created_after"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filters.CreatedAfter = &ts
		}
	}
	if v := c.Query("created_before"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filters.CreatedBefore = &ts
		}
	}

	page, err := s.tasks.List(c.Request.Context(), callerOrgID(c), filters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": page.Items, "next_cursor": page.NextCursor})
}

func (s *Server) handleStartTask(c *gin.Context) {
	task, err := s.tasks.Start(c.Request.Context(), callerOrgID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	task, err := s.tasks.Cancel(c.Request.Context(), callerOrgID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}
