package tier

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/apierror"
)

// Resolver resolves a single group to a tier name
type Resolver interface {
	ResolveTier(ctx context.Context, group string) (string, error)
}

// Handler serves the tier lookup endpoint
type Handler struct {
	resolver Resolver
	log      *zap.Logger
}

// NewHandler creates a new tier handler
func NewHandler(resolver Resolver, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{resolver: resolver, log: log.Named("tier")}
}

// TierLookup handles POST /v1/tiers/lookup?group={group}.
// The group may also be sent as a JSON body {"group": "..."}.
func (h *Handler) TierLookup(c *gin.Context) {
	group := strings.TrimSpace(c.Query("group"))
	if group == "" && c.Request.ContentLength > 0 {
		var req LookupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.BadRequest(c, "request body must be a JSON object with a group field")
			return
		}
		group = strings.TrimSpace(req.Group)
	}

	if group == "" {
		apierror.BadRequest(c, "group query parameter is required")
		return
	}

	tierName, err := h.resolver.ResolveTier(c.Request.Context(), group)
	if err != nil {
		var notFound *GroupNotFoundError
		if errors.As(err, &notFound) {
			apierror.NotFound(c, err.Error())
			return
		}

		h.log.Error("Failed to lookup tier", zap.String("group", group), zap.Error(err))
		apierror.Internal(c, "failed to lookup tier")
		return
	}

	c.JSON(http.StatusOK, LookupResponse{Group: group, Tier: tierName})
}
