package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/generation"
	"github.com/codeframe/api/internal/middleware"
	"github.com/codeframe/api/internal/models"
)

// CodeframeHandler exposes the generation pipeline over HTTP. Generation is
// asynchronous: start returns 202 plus a poll URL, outcome is read via status
// polling.
type CodeframeHandler struct {
	orchestrator *generation.Orchestrator
	apply        *generation.ApplyEngine
	logger       *zap.Logger
}

func NewCodeframeHandler(orchestrator *generation.Orchestrator, apply *generation.ApplyEngine, logger *zap.Logger) *CodeframeHandler {
	return &CodeframeHandler{orchestrator: orchestrator, apply: apply, logger: logger}
}

// StartGenerationRequest is the request body for starting a generation
type StartGenerationRequest struct {
	CategoryID uuid.UUID               `json:"category_id" binding:"required"`
	AnswerIDs  []uuid.UUID             `json:"answer_ids"`
	Config     models.GenerationConfig `json:"config"`
}

// StartGeneration kicks off codeframe generation for a category
func (h *CodeframeHandler) StartGeneration(c *gin.Context) {
	var req StartGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	userID, exists := middleware.GetUserID(c)
	if !exists {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	result, err := h.orchestrator.StartGeneration(c.Request.Context(), req.CategoryID, req.AnswerIDs, req.Config, userID)
	if err != nil {
		h.respondStartError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *CodeframeHandler) respondStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, generation.ErrCategoryNotFound):
		middleware.NotFound(c, "category not found")
	case errors.Is(err, generation.ErrInsufficientData):
		middleware.UnprocessableEntity(c, err.Error())
	case errors.Is(err, clients.ErrUpstreamTransient):
		h.logger.Error("generation start hit transient upstream failure", zap.Error(err))
		middleware.AIServiceUnavailable(c)
	case errors.Is(err, clients.ErrUpstreamClient):
		h.logger.Error("generation start rejected by AI service", zap.Error(err))
		middleware.RespondError(c, http.StatusBadGateway, middleware.ErrCodeAIServiceUnavailable, "AI service rejected the request")
	default:
		h.logger.Error("generation start failed", zap.Error(err))
		middleware.InternalError(c, "failed to start generation")
	}
}

// GetGeneration returns the status of one generation for polling
func (h *CodeframeHandler) GetGeneration(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid generation id")
		return
	}

	gen, err := h.orchestrator.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			middleware.NotFound(c, "generation not found")
			return
		}
		h.logger.Error("get generation failed", zap.Error(err))
		middleware.InternalError(c, "failed to load generation")
		return
	}
	c.JSON(http.StatusOK, gen)
}

// ListGenerations returns a category's generations, newest first
func (h *CodeframeHandler) ListGenerations(c *gin.Context) {
	categoryID, err := uuid.Parse(c.Param("categoryId"))
	if err != nil {
		middleware.BadRequest(c, "invalid category id")
		return
	}

	gens, err := h.orchestrator.List(c.Request.Context(), categoryID)
	if err != nil {
		h.logger.Error("list generations failed", zap.Error(err))
		middleware.InternalError(c, "failed to list generations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": gens})
}

// ApplyRequest tunes one apply run
type ApplyRequest struct {
	AutoConfirmThreshold float64 `json:"auto_confirm_threshold"`
}

// ApplyCodeframe assigns the generated codes back onto the answers
func (h *CodeframeHandler) ApplyCodeframe(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid generation id")
		return
	}

	var req ApplyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.BadRequest(c, err.Error())
			return
		}
	}

	result, err := h.apply.Apply(c.Request.Context(), id, req.AutoConfirmThreshold)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrNotFound):
			middleware.NotFound(c, "generation not found")
		case errors.Is(err, generation.ErrInvalidStatus):
			middleware.Conflict(c, "generation must be completed before it can be applied")
		default:
			h.logger.Error("apply failed", zap.Error(err))
			middleware.InternalError(c, "failed to apply codeframe")
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// DeleteGeneration removes a generation and its hierarchy
func (h *CodeframeHandler) DeleteGeneration(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid generation id")
		return
	}

	if err := h.orchestrator.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			middleware.NotFound(c, "generation not found")
			return
		}
		h.logger.Error("delete generation failed", zap.Error(err))
		middleware.InternalError(c, "failed to delete generation")
		return
	}
	c.Status(http.StatusNoContent)
}
