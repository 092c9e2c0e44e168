package apikey

import (
	"github.com/efortin/maas-api/internal/token"
)

// TokenRequest is the optional body of POST /v1/tokens
type TokenRequest struct {
	Expiration *token.Duration `json:"expiration,omitempty"`
}

// CreateRequest is the body of POST /v1/api-keys
type CreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expiration  *token.Duration `json:"expiration,omitempty"`
}

// APIKey is a named credential returned once, at creation
type APIKey struct {
	token.Token
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
