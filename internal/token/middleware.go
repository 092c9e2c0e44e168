package token

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/apierror"
)

const userContextKey = "user"

// Authenticator turns a bearer credential into a caller identity
type Authenticator interface {
	ExtractUserInfo(ctx context.Context, token string) (*UserContext, error)
}

// BearerToken extracts the credential from an Authorization header value
func BearerToken(header string) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

// Authenticate reviews the request's bearer credential and stores the caller
// on the gin context. Requests without a valid credential are rejected.
func Authenticate(auth Authenticator, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := BearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			apierror.Unauthorized(c, "authorization header with a bearer token is required")
			return
		}

		user, err := auth.ExtractUserInfo(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrIdentityUnavailable) {
				log.Error("Token review failed", zap.Error(err))
				apierror.Unavailable(c, "identity service is unavailable")
				return
			}
			apierror.Unauthorized(c, "invalid token")
			return
		}
		if !user.IsAuthenticated {
			apierror.Unauthorized(c, "invalid token")
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext returns the caller stored by Authenticate
func UserFromContext(c *gin.Context) (*UserContext, error) {
	v, exists := c.Get(userContextKey)
	if !exists {
		return nil, ErrMissingUser
	}
	user, ok := v.(*UserContext)
	if !ok || user == nil {
		return nil, ErrMissingUser
	}
	return user, nil
}

// WithUser attaches a caller to the gin context
func WithUser(c *gin.Context, user *UserContext) {
	c.Set(userContextKey, user)
}
