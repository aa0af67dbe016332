package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

func invalidJSON(err error) error {
	return taskerr.Wrap(taskerr.KindInvalidInput, err, "malformed request body")
}

func (s *Server) handleListPendingCheckpoints(c *gin.Context) {
	items, err := s.checkpoints.ListPending(c.Request.Context(), callerOrgID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*models.Checkpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleResolveCheckpoint(c *gin.Context) {
	var resp models.CheckpointResponse
	if err := c.ShouldBindJSON(&resp); err != nil {
		writeError(c, invalidJSON(err))
		return
	}
	if resp.Decision == "" {
		writeError(c, taskerr.New(taskerr.KindInvalidInput, "decision is required"))
		return
	}

	cp, task, err := s.checkpoints.Resolve(c.Request.Context(),
		callerOrgID(c), c.Param("id"), c.Param("step_id"), &resp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp, "task": task})
}
