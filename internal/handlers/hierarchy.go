package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/generation"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/middleware"
)

// HierarchyHandler exposes the hierarchy tree and its edit operations
type HierarchyHandler struct {
	generations generation.Store
	store       hierarchy.Store
	editor      *hierarchy.Editor
	logger      *zap.Logger
}

func NewHierarchyHandler(generations generation.Store, store hierarchy.Store, editor *hierarchy.Editor, logger *zap.Logger) *HierarchyHandler {
	return &HierarchyHandler{generations: generations, store: store, editor: editor, logger: logger}
}

// GetTree returns the nested theme/code tree for a generation
func (h *HierarchyHandler) GetTree(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid generation id")
		return
	}

	if _, err := h.generations.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			middleware.NotFound(c, "generation not found")
			return
		}
		h.logger.Error("load generation failed", zap.Error(err))
		middleware.InternalError(c, "failed to load generation")
		return
	}

	nodes, err := h.store.ListByGeneration(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load hierarchy failed", zap.Error(err))
		middleware.InternalError(c, "failed to load hierarchy")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree": hierarchy.Tree(nodes)})
}

// RenameRequest is the body for renaming a node
type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

// Rename changes a node's name
func (h *HierarchyHandler) Rename(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid node id")
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	node, err := h.editor.Rename(c.Request.Context(), id, req.Name)
	if err != nil {
		h.respondEditError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// MergeRequest is the body for merging nodes
type MergeRequest struct {
	NodeIDs    []uuid.UUID `json:"node_ids" binding:"required"`
	TargetName string      `json:"target_name" binding:"required"`
}

// Merge collapses several nodes into one
func (h *HierarchyHandler) Merge(c *gin.Context) {
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}
	if len(req.NodeIDs) < 2 {
		middleware.BadRequest(c, "merge needs at least two node ids")
		return
	}

	node, err := h.editor.Merge(c.Request.Context(), req.NodeIDs, req.TargetName)
	if err != nil {
		h.respondEditError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// MoveRequest is the body for re-parenting a node
type MoveRequest struct {
	NewParentID uuid.UUID `json:"new_parent_id" binding:"required"`
}

// Move re-parents a node under a new parent
func (h *HierarchyHandler) Move(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid node id")
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	node, err := h.editor.Move(c.Request.Context(), id, req.NewParentID)
	if err != nil {
		h.respondEditError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// DeleteNode removes a node and its descendants
func (h *HierarchyHandler) DeleteNode(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid node id")
		return
	}

	if err := h.editor.Delete(c.Request.Context(), id); err != nil {
		h.respondEditError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HierarchyHandler) respondEditError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, hierarchy.ErrNotFound):
		middleware.NotFound(c, "hierarchy node not found")
	case errors.Is(err, hierarchy.ErrWouldCycle):
		middleware.Conflict(c, "move would make the node its own ancestor")
	case errors.Is(err, hierarchy.ErrCrossGeneration):
		middleware.Conflict(c, "nodes belong to different generations")
	default:
		h.logger.Error("hierarchy edit failed", zap.Error(err))
		middleware.InternalError(c, "hierarchy edit failed")
	}
}
