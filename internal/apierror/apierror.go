// Package apierror defines the error envelope returned by every HTTP handler.
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error categories. They are part of the public API and must stay stable.
const (
	TypeInvalidRequest     = "invalid_request"
	TypeAuthentication     = "authentication_error"
	TypeNotFound           = "not_found"
	TypeServiceUnavailable = "service_unavailable"
	TypeServer             = "server_error"
)

// Body is the inner error object
type Body struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Response is the JSON envelope of an error response
type Response struct {
	Error Body `json:"error"`
}

// Abort writes the envelope and stops the handler chain
func Abort(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, Response{Error: Body{Type: errType, Message: message}})
}

// BadRequest responds 400
func BadRequest(c *gin.Context, message string) {
	Abort(c, http.StatusBadRequest, TypeInvalidRequest, message)
}

// Unauthorized responds 401
func Unauthorized(c *gin.Context, message string) {
	Abort(c, http.StatusUnauthorized, TypeAuthentication, message)
}

// NotFound responds 404
func NotFound(c *gin.Context, message string) {
	Abort(c, http.StatusNotFound, TypeNotFound, message)
}

// Unavailable responds 503
func Unavailable(c *gin.Context, message string) {
	Abort(c, http.StatusServiceUnavailable, TypeServiceUnavailable, message)
}

// Internal responds 500. The message must not carry backend details.
func Internal(c *gin.Context, message string) {
	Abort(c, http.StatusInternalServerError, TypeServer, message)
}
