// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/validation"
	"crm-pipeline/internal/models"
	"crm-pipeline/internal/pipeline"

	"github.com/gin-gonic/gin"
)

const (
	actorHeader  = "X-Actor"
	maxBodyBytes = 1 << 20
)

func (s *Server) handleBoard(c *gin.Context) {
	board, err := s.pipeline.Board(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (s *Server) handleMove(c *gin.Context) {
	var req pipeline.MoveRequest
	if !bindJSON(c, validation.MoveRequestSchema, &req) {
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		req.Actor = c.GetHeader(actorHeader)
	}

	resp, err := s.pipeline.Move(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c *gin.Context) {
	m, err := s.pipeline.Metrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleActivity(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, errors.NewValidationFailedError("limit: must be a positive integer"))
			return
		}
		limit = n
	}

	items, err := s.pipeline.Activity(c.Request.Context(), c.Query("applicationId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.Settings())
}

func (s *Server) handleCreateApplication(c *gin.Context) {
	var in models.NewApplication
	if !bindJSON(c, validation.CreateApplicationSchema, &in) {
		return
	}
	if strings.TrimSpace(in.Actor) == "" {
		in.Actor = c.GetHeader(actorHeader)
	}

	app, err := s.pipeline.CreateApplication(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (s *Server) handleGetApplication(c *gin.Context) {
	app, err := s.pipeline.GetApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady runs every readiness check and reports each result.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = "down"
			s.logger.Warn("readiness check failed", map[string]interface{}{"check": name, "error": err})
			continue
		}
		results[name] = "up"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// bindJSON validates the raw body against schema and decodes it into out.
// It writes a validation_failed response and returns false on any problem.
func bindJSON(c *gin.Context, schema *validation.Schema, out interface{}) bool {
	body, err := readBody(c)
	if err != nil {
		writeError(c, errors.NewValidationFailedError("body: "+err.Error()))
		return false
	}

	if result := schema.Validate(body); !result.Valid {
		writeError(c, errors.NewValidationFailedError(strings.Join(result.GetErrorMessages(), "; ")))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(c, errors.NewValidationFailedError("body: "+err.Error()))
		return false
	}
	return true
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	return c.GetRawData()
}
