package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/stats"
	"github.com/llmbench/llmbench/internal/storage"
)

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerSummaryRequest is the body of POST /api/v1/summaries
type WorkerSummaryRequest struct {
	WorkerID string          `json:"worker_id" binding:"required,max=128"`
	Requests []int           `json:"#Req" binding:"required,dive,min=0"`
	E2E      []float64       `json:"E2E" binding:"required,dive,min=0"`
	TTFT     []float64       `json:"TTFT" binding:"required,dive,min=0"`
	TPOT     []float64       `json:"TPOT" binding:"required,dive,min=0"`
	Target   string          `json:"Target" binding:"max=512"`
	Latency  *stats.Snapshot `json:"latency"`
}

// SubmitResponse acknowledges a queued summary
type SubmitResponse struct {
	Status    string `json:"status"`
	WorkerID  string `json:"worker_id"`
	Sessions  int    `json:"sessions"`
	RequestID string `json:"request_id,omitempty"`
}

// RunListResponse lists history rows
type RunListResponse struct {
	Runs  []*storage.Run `json:"runs"`
	Count int            `json:"count"`
}

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.coordinator != nil {
		response.Services["coordinator"] = "ok"
	}
	if s.history != nil {
		response.Services["history"] = "ok"
	} else {
		response.Services["history"] = "disabled"
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSubmitSummary(c *gin.Context) {
	requestID := c.GetString("request_id")

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "coordinator is not accepting summaries",
			RequestID: requestID,
		})
		return
	}

	var req WorkerSummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: requestID,
		})
		return
	}

	summary := aggregate.WorkerSummary{
		WorkerID: req.WorkerID,
		Requests: req.Requests,
		E2E:      req.E2E,
		TTFT:     req.TTFT,
		TPOT:     req.TPOT,
		Target:   req.Target,
		Latency:  req.Latency,
	}
	if err := summary.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: requestID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.submitTimeout)
	defer cancel()
	if err := aggregate.Submit(ctx, s.inbox, summary); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "coordinator busy, summary not queued",
			RequestID: requestID,
		})
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		Status:    "accepted",
		WorkerID:  summary.WorkerID,
		Sessions:  summary.Sessions(),
		RequestID: requestID,
	})
}

func (s *Server) handleGetAggregate(c *gin.Context) {
	last := s.coordinator.Last()
	if last == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no aggregate has been persisted yet",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusOK, last)
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "run history is disabled",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	filter := storage.RunFilter{
		RunID:   c.Query("run_id"),
		Target:  c.Query("target"),
		Backend: c.Query("backend"),
		Model:   c.Query("model"),
		Limit:   50,
	}
	if limit := c.Query("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 1 || v > 1000 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid limit: must be an integer between 1 and 1000, got %q", limit),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.Limit = v
	}

	runs, err := s.history.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list runs",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}

	c.JSON(http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "run history is disabled",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	run, err := s.history.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "run not found",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get run",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, run)
}

// jsonFieldNames maps struct fields to their wire names in validation messages
var jsonFieldNames = map[string]string{
	"WorkerID": "worker_id",
	"Requests": "#Req",
	"E2E":      "E2E",
	"TTFT":     "TTFT",
	"TPOT":     "TPOT",
	"Target":   "Target",
}

// sanitizeValidationError reports validation failures by JSON field name
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "invalid request body: " + err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := fe.Field()
		index := ""
		if i := strings.IndexByte(field, '['); i >= 0 {
			field, index = field[:i], field[i:]
		}
		if name, ok := jsonFieldNames[field]; ok {
			field = name
		}
		field += index

		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}
