package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/version"
)

// handleHealth reports component health. The endpoint is unauthenticated
// and returns 503 when any wired backend fails its check.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true
	components := gin.H{}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			healthy = false
			components["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			components["database"] = gin.H{"status": "healthy"}
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			healthy = false
			components["cache"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			components["cache"] = gin.H{"status": "healthy"}
		}
	}
	if s.pool != nil {
		ph := s.pool.Health()
		if !ph.IsHealthy {
			healthy = false
		}
		components["pool"] = ph
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"commit":  version.GitCommit,
		"version": version.Full(),
	})
}
