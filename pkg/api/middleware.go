package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/providers"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

const (
	ctxUserID = "auth_user_id"
	ctxOrgID  = "auth_org_id"
)

// authMiddleware verifies the bearer token and stashes the caller identity
// on the request context.
func authMiddleware(auth providers.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			writeError(c, taskerr.New(taskerr.KindUnauthorized, "missing bearer token"))
			c.Abort()
			return
		}
		id, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxUserID, id.UserID)
		c.Set(ctxOrgID, id.OrgID)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func callerUserID(c *gin.Context) string { return c.GetString(ctxUserID) }
func callerOrgID(c *gin.Context) string  { return c.GetString(ctxOrgID) }

// requestLogger logs one line per request.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
