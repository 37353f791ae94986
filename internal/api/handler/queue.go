package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/service"
)

// QueueService is the queue as the API drives it.
type QueueService interface {
	Status(ctx context.Context) (*service.QueueStatus, error)
	Run(ctx context.Context, maxJobs int, stopOnFailure bool) (*service.RunResult, error)
	Clear(ctx context.Context, storeID *int) (int64, error)
}

// QueueHandler handles indexing queue endpoints.
type QueueHandler struct {
	queue QueueService
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(queue QueueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// RunQueueRequest represents the queue run request.
type RunQueueRequest struct {
	MaxJobs       int  `json:"max_jobs" binding:"omitempty,min=1,max=1000"`
	StopOnFailure bool `json:"stop_on_failure"`
}

// Status returns queue counts and recent runs.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *QueueHandler) Status(c *gin.Context) {
	status, err := h.queue.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Run processes queued jobs.
// Parameters:
//   - c: Gin request context, optional RunQueueRequest body.
//
// Returns: none (writes JSON response).
func (h *QueueHandler) Run(c *gin.Context) {
	var req RunQueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	result, err := h.queue.Run(c.Request.Context(), req.MaxJobs, req.StopOnFailure)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Clear deletes queued jobs, optionally only those of store_id.
// Parameters:
//   - c: Gin request context, optional store_id query parameter.
//
// Returns: none (writes JSON response).
func (h *QueueHandler) Clear(c *gin.Context) {
	var storeID *int
	if raw := c.Query("store_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "store_id must be an integer"})
			return
		}
		storeID = &id
	}

	deleted, err := h.queue.Clear(c.Request.Context(), storeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
