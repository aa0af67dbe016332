package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/taskerr"
)

// errorBody is the JSON error envelope every failed request returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind taskerr.Kind) int {
	switch kind {
	case taskerr.KindNotFound:
		return http.StatusNotFound
	case taskerr.KindUnauthorized:
		return http.StatusUnauthorized
	case taskerr.KindForbidden:
		return http.StatusForbidden
	case taskerr.KindInvalidInput, taskerr.KindStaleVersion:
		return http.StatusBadRequest
	case taskerr.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope with the mapped status.
func writeError(c *gin.Context, err error) {
	kind := taskerr.KindOf(err)
	detail := errorDetail{
		Kind:    string(kind),
		Message: err.Error(),
	}
	var te *taskerr.Error
	if errors.As(err, &te) && len(te.Details) > 0 {
		detail.Details = te.Details
	}
	c.JSON(statusFor(kind), errorBody{Error: detail})
}
