package apikey

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/apierror"
	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

// MinExpiration is the shortest lifetime a caller may request
const MinExpiration = 10 * time.Minute

// Handler serves the token and API key endpoints
type Handler struct {
	service *Service
	log     *zap.Logger
}

// NewHandler creates the HTTP handler for service
func NewHandler(service *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: service, log: log.Named("apikey")}
}

// IssueToken handles POST /v1/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ttl, ok := requestedTTL(c, req.Expiration)
	if !ok {
		return
	}

	user, ok := h.user(c)
	if !ok {
		return
	}

	tok, err := h.service.IssueToken(c.Request.Context(), user, ttl)
	if err != nil {
		h.fail(c, "Failed to generate token", err)
		return
	}

	c.JSON(http.StatusCreated, tok)
}

// RevokeAllTokens handles DELETE /v1/tokens
func (h *Handler) RevokeAllTokens(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}

	if err := h.service.RevokeAll(c.Request.Context(), user); err != nil {
		h.fail(c, "Failed to revoke tokens", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateAPIKey handles POST /v1/api-keys
func (h *Handler) CreateAPIKey(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		apierror.BadRequest(c, "name is required")
		return
	}

	ttl, ok := requestedTTL(c, req.Expiration)
	if !ok {
		return
	}

	user, ok := h.user(c)
	if !ok {
		return
	}

	key, err := h.service.CreateAPIKey(c.Request.Context(), user, req.Name, req.Description, ttl)
	if err != nil {
		h.fail(c, "Failed to create API key", err)
		return
	}

	c.JSON(http.StatusCreated, key)
}

// ListAPIKeys handles GET /v1/api-keys
func (h *Handler) ListAPIKeys(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}

	keys, err := h.service.ListAPIKeys(c.Request.Context(), user)
	if err != nil {
		h.fail(c, "Failed to list API keys", err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

// GetAPIKey handles GET /v1/api-keys/:id
func (h *Handler) GetAPIKey(c *gin.Context) {
	user, ok := h.user(c)
	if !ok {
		return
	}

	key, err := h.service.GetAPIKey(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get API key", err)
		return
	}

	c.JSON(http.StatusOK, key)
}

func (h *Handler) user(c *gin.Context) (*token.UserContext, bool) {
	user, err := token.UserFromContext(c)
	if err != nil {
		h.log.Error("Handler reached without an authenticated caller", zap.String("path", c.FullPath()))
		apierror.Internal(c, "user context not found")
		return nil, false
	}
	return user, true
}

// fail maps a service error onto the error envelope
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	var notFound *tier.GroupNotFoundError
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		apierror.NotFound(c, "API key not found")
	case errors.As(err, &notFound):
		apierror.NotFound(c, "no tier found for the caller's groups")
	case errors.Is(err, token.ErrIdentityUnavailable):
		h.log.Error(msg, zap.Error(err))
		apierror.Unavailable(c, "identity service is unavailable")
	case errors.Is(err, token.ErrMissingUser):
		h.log.Error(msg, zap.Error(err))
		apierror.Internal(c, "user context not found")
	default:
		h.log.Error(msg, zap.Error(err))
		apierror.Internal(c, strings.ToLower(msg[:1])+msg[1:])
	}
}

func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		apierror.BadRequest(c, "request body must be a JSON object")
		return false
	}
	return true
}

func requestedTTL(c *gin.Context, d *token.Duration) (time.Duration, bool) {
	if d == nil {
		return 0, true
	}
	if err := token.ValidateExpiration(d.Duration, MinExpiration); err != nil {
		apierror.BadRequest(c, err.Error())
		return 0, false
	}
	return d.Duration, true
}
