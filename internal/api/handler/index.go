package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/service"
)

// Reindexer schedules entity indexing.
type Reindexer interface {
	Reindex(ctx context.Context, entity string, storeIDs []int, ids []int) error
}

// ReplicaService syncs and rebuilds replicas.
type ReplicaService interface {
	SyncStores(ctx context.Context, storeIDs []int) ([]*service.ReplicaSyncResult, error)
	RebuildReplicas(ctx context.Context, storeIDs []int) ([]*service.ReplicaSyncResult, error)
}

// IndexHandler handles reindex and replica endpoints.
type IndexHandler struct {
	reindexer Reindexer
	replicas  ReplicaService
	storeIDs  func(storeID int) []int
}

// NewIndexHandler creates a new index handler.
// Parameters:
//   - reindexer: entity reindex dispatcher.
//   - replicas: replica manager.
//   - storeIDs: resolves an optional store id to the stores to act on.
//
// Returns:
//   - *IndexHandler: initialized handler.
func NewIndexHandler(reindexer Reindexer, replicas ReplicaService, storeIDs func(storeID int) []int) *IndexHandler {
	return &IndexHandler{reindexer: reindexer, replicas: replicas, storeIDs: storeIDs}
}

// ReindexRequest represents the reindex API request.
type ReindexRequest struct {
	Entity  string `json:"entity" binding:"required"`
	StoreID int    `json:"store_id" binding:"omitempty,min=1"`
	IDs     []int  `json:"ids"`
}

// StoreRequest selects one store, or every store when StoreID is zero.
type StoreRequest struct {
	StoreID int `json:"store_id" binding:"omitempty,min=1"`
}

// Reindex schedules a full or partial reindex.
func (h *IndexHandler) Reindex(c *gin.Context) {
	var req ReindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	stores := h.storeIDs(req.StoreID)
	if err := h.reindexer.Reindex(c.Request.Context(), req.Entity, stores, req.IDs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"entity":    req.Entity,
		"store_ids": stores,
		"ids":       len(req.IDs),
	})
}

func (h *IndexHandler) bindStore(c *gin.Context) ([]int, bool) {
	var req StoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return nil, false
		}
	}
	return h.storeIDs(req.StoreID), true
}

// SyncReplicas aligns replicas with the configured sorts.
func (h *IndexHandler) SyncReplicas(c *gin.Context) {
	stores, ok := h.bindStore(c)
	if !ok {
		return
	}
	results, err := h.replicas.SyncStores(c.Request.Context(), stores)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// RebuildReplicas deletes and recreates replicas.
func (h *IndexHandler) RebuildReplicas(c *gin.Context) {
	stores, ok := h.bindStore(c)
	if !ok {
		return
	}
	results, err := h.replicas.RebuildReplicas(c.Request.Context(), stores)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
