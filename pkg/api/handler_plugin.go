package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// handleListPlugins serves the capability catalogue the planner works from.
func (s *Server) handleListPlugins(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{"items": []*models.PluginRecord{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": s.registry.List()})
}

// handleRegisterPlugin records an organization plugin. The registration is
// persisted and merged into the registry on the next sync; it has no
// in-process handler until one ships.
func (s *Server) handleRegisterPlugin(c *gin.Context) {
	var rec models.PluginRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeError(c, invalidJSON(err))
		return
	}
	if rec.Namespace == "" {
		writeError(c, taskerr.New(taskerr.KindInvalidInput, "namespace is required"))
		return
	}

	rec.System = false
	rec.OrgID = callerOrgID(c)
	rec.CreatedAt = time.Now().UTC()

	if err := s.store.RegisterPlugin(c.Request.Context(), &rec); err != nil {
		writeError(c, err)
		return
	}
	if s.registry != nil {
		if err := s.registry.Sync(c.Request.Context(), s.store); err != nil {
			s.log.Warn("Failed to refresh plugin registry after registration",
				"namespace", rec.Namespace, "error", err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": &rec})
}
