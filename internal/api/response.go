// internal/api/response.go
package api

import (
	"strings"

	"crm-pipeline/internal/common/errors"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	OK           bool     `json:"ok"`
	Error        string   `json:"error"`
	Message      string   `json:"message"`
	Details      []string `json:"details"`
	CurrentStage string   `json:"currentStage,omitempty"`
}

// writeError renders err as the API error body. Server-side failures get a
// generic message; their details only go to the log.
func writeError(c *gin.Context, err error) {
	stdErr := errors.Normalize(err)
	status := errors.HTTPStatus(stdErr.Code)

	body := errorResponse{
		OK:      false,
		Error:   string(stdErr.Code),
		Message: stdErr.Message,
		Details: []string{},
	}
	if status >= 500 {
		body.Message = "Internal server error"
	} else if stdErr.Details != "" {
		body.Details = strings.Split(stdErr.Details, "; ")
	}
	if stage, ok := stdErr.Metadata["currentStage"].(string); ok {
		body.CurrentStage = stage
	}

	c.AbortWithStatusJSON(status, body)
}
