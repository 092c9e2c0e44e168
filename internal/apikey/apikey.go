package apikey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/metrics"
	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/token"
)

var tracer = otel.Tracer("github.com/efortin/maas-api/internal/apikey")

// TokenManager mints and revokes credentials in the cluster
type TokenManager interface {
	IssueToken(ctx context.Context, user *token.UserContext, ttl time.Duration) (*token.Token, error)
	RevokeTokens(ctx context.Context, user *token.UserContext) (string, error)
	GetNamespaceForUser(ctx context.Context, user *token.UserContext) (string, error)
}

// Service issues credentials and keeps an audit trail of them
type Service struct {
	tokens TokenManager
	store  store.Store
	log    *zap.Logger
}

// NewService creates the API key service
func NewService(tokens TokenManager, metadata store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		tokens: tokens,
		store:  metadata,
		log:    log.Named("apikey"),
	}
}

// IssueToken mints an ephemeral, unnamed credential
func (s *Service) IssueToken(ctx context.Context, user *token.UserContext, ttl time.Duration) (*token.Token, error) {
	ctx, span := tracer.Start(ctx, "apikey.IssueToken")
	defer span.End()

	tok, err := s.tokens.IssueToken(ctx, user, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	s.persist(ctx, user, tok, "", "")
	return tok, nil
}

// CreateAPIKey mints a named credential
func (s *Service) CreateAPIKey(ctx context.Context, user *token.UserContext, name, description string, ttl time.Duration) (*APIKey, error) {
	ctx, span := tracer.Start(ctx, "apikey.Create")
	defer span.End()
	span.SetAttributes(attribute.String("maas.apikey.name", name))

	tok, err := s.tokens.IssueToken(ctx, user, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	s.persist(ctx, user, tok, name, description)

	return &APIKey{Token: *tok, Name: name, Description: description}, nil
}

// ListAPIKeys returns the caller's credential metadata, newest first
func (s *Service) ListAPIKeys(ctx context.Context, user *token.UserContext) ([]store.Metadata, error) {
	namespace, err := s.tokens.GetNamespaceForUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to determine namespace for user: %w", err)
	}
	return s.store.GetTokensForUser(ctx, namespace, user.Username)
}

// GetAPIKey returns one of the caller's credentials
func (s *Service) GetAPIKey(ctx context.Context, user *token.UserContext, id string) (*store.Metadata, error) {
	namespace, err := s.tokens.GetNamespaceForUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to determine namespace for user: %w", err)
	}
	return s.store.GetToken(ctx, namespace, user.Username, id)
}

// RevokeAll invalidates every credential of the caller, ephemeral or named.
// Metadata rows are kept and stamped as revoked.
func (s *Service) RevokeAll(ctx context.Context, user *token.UserContext) (err error) {
	ctx, span := tracer.Start(ctx, "apikey.RevokeAll")
	defer span.End()
	defer func() {
		metrics.TokenRevocationsTotal.WithLabelValues(resultLabel(err)).Inc()
	}()

	namespace, err := s.tokens.RevokeTokens(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}

	if err := s.store.MarkTokensAsExpiredForUser(ctx, namespace, user.Username); err != nil {
		return fmt.Errorf("tokens revoked but failed to mark metadata as expired: %w", err)
	}
	return nil
}

// persist records metadata for an issued credential. The credential is
// already valid, so failures are reported but never returned.
func (s *Service) persist(ctx context.Context, user *token.UserContext, tok *token.Token, name, description string) {
	err := s.store.AddTokenMetadata(ctx, tok.Namespace, user.Username, store.IssuedKey{
		ID:          tok.JTI,
		Name:        name,
		Description: description,
		IssuedAt:    time.Unix(tok.IssuedAt, 0),
		ExpiresAt:   time.Unix(tok.ExpiresAt, 0),
	})
	if err == nil {
		return
	}

	metrics.MetadataPersistFailuresTotal.Inc()
	s.log.Error("Issued credential but failed to store its metadata",
		zap.String("username", user.Username),
		zap.String("namespace", tok.Namespace),
		zap.String("jti", tok.JTI),
		zap.String("hint", Hint(tok.Token)),
		zap.Error(err),
	)
}

// Hint masks a credential for logs, keeping the first 6 and last 2 characters
func Hint(credential string) string {
	if len(credential) < 8 {
		return strings.Repeat("*", len(credential))
	}
	return credential[:6] + strings.Repeat("*", 13) + credential[len(credential)-2:]
}

func resultLabel(err error) string {
	if err != nil {
		return metrics.ResultFailure
	}
	return metrics.ResultSuccess
}
