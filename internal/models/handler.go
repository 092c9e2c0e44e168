package models

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/apierror"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

// Catalog lists discovered models
type Catalog interface {
	ListAvailableModels() ([]Model, error)
	ListAvailableLLMsForUser(ctx context.Context, groups []string) ([]Model, error)
}

// Handler serves the model listing endpoints
type Handler struct {
	catalog Catalog
	log     *zap.Logger
}

// NewHandler creates a models handler
func NewHandler(catalog Catalog, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{catalog: catalog, log: log.Named("models")}
}

// ListModels handles GET /models with the unfiltered catalog
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.catalog.ListAvailableModels()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, List{Object: "list", Data: models})
}

// ListLLMs handles GET /v1/models with the catalog visible to the caller's tier
func (h *Handler) ListLLMs(c *gin.Context) {
	user, err := token.UserFromContext(c)
	if err != nil {
		h.log.Error("No caller on authenticated route", zap.Error(err))
		apierror.Internal(c, "user context not found")
		return
	}

	models, err := h.catalog.ListAvailableLLMsForUser(c.Request.Context(), user.Groups)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, List{Object: "list", Data: models})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var notFound *tier.GroupNotFoundError
	switch {
	case errors.Is(err, ErrCacheNotSynced):
		apierror.Unavailable(c, "model catalog is not ready yet")
	case errors.As(err, &notFound):
		apierror.NotFound(c, "no tier found for the caller's groups")
	default:
		h.log.Error("Failed to list models", zap.Error(err))
		apierror.Internal(c, "failed to list models")
	}
}
