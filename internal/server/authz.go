package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	envoy_api_v3_core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_service_auth_v3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	envoy_type_v3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"

	"github.com/efortin/maas-api/internal/apikey"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

// Identity headers added to authorized requests for the gateway policy engine
const (
	HeaderUsername = "x-maas-username"
	HeaderGroups   = "x-maas-group"
	HeaderTier     = "x-maas-tier"
)

// TierResolver resolves the tier of a caller from its groups
type TierResolver interface {
	GetTierForGroups(ctx context.Context, groups ...string) (*tier.Tier, error)
}

// AuthorizationServer implements the Envoy ext_authz gRPC service.
// It resolves the caller's identity and tier; limits are enforced downstream.
type AuthorizationServer struct {
	auth  token.Authenticator
	tiers TierResolver
	log   *zap.Logger
}

// NewAuthorizationServer creates a new authorization server
func NewAuthorizationServer(auth token.Authenticator, tiers TierResolver, log *zap.Logger) *AuthorizationServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthorizationServer{
		auth:  auth,
		tiers: tiers,
		log:   log.Named("authz"),
	}
}

// Check implements the ext_authz Check method
func (a *AuthorizationServer) Check(ctx context.Context, req *envoy_service_auth_v3.CheckRequest) (*envoy_service_auth_v3.CheckResponse, error) {
	headers := req.GetAttributes().GetRequest().GetHttp().GetHeaders()

	credential := extractCredential(headers)
	if credential == "" {
		a.log.Debug("Denied: no credential provided")
		return denyResponse(codes.Unauthenticated, envoy_type_v3.StatusCode_Unauthorized, "Missing credential"), nil
	}

	user, err := a.auth.ExtractUserInfo(ctx, credential)
	if err != nil {
		if errors.Is(err, token.ErrIdentityUnavailable) {
			a.log.Error("Identity service unavailable", zap.Error(err))
			return denyResponse(codes.Unavailable, envoy_type_v3.StatusCode_ServiceUnavailable, "Identity service unavailable"), nil
		}
		a.log.Info("Denied: credential rejected", zap.String("hint", apikey.Hint(credential)), zap.Error(err))
		return denyResponse(codes.Unauthenticated, envoy_type_v3.StatusCode_Unauthorized, "Invalid credential"), nil
	}
	if user == nil || !user.IsAuthenticated {
		a.log.Info("Denied: credential not authenticated", zap.String("hint", apikey.Hint(credential)))
		return denyResponse(codes.Unauthenticated, envoy_type_v3.StatusCode_Unauthorized, "Invalid credential"), nil
	}

	t, err := a.tiers.GetTierForGroups(ctx, user.Groups...)
	if err != nil {
		var notFound *tier.GroupNotFoundError
		if errors.As(err, &notFound) {
			a.log.Info("Denied: no tier for caller", zap.String("user", user.Username), zap.Strings("groups", user.Groups))
			return denyResponse(codes.PermissionDenied, envoy_type_v3.StatusCode_Forbidden, "No tier for caller"), nil
		}
		a.log.Error("Failed to resolve tier", zap.String("user", user.Username), zap.Error(err))
		return denyResponse(codes.Unavailable, envoy_type_v3.StatusCode_ServiceUnavailable, "Tier resolution failed"), nil
	}

	groups, err := json.Marshal(user.Groups)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Allowed", zap.String("user", user.Username), zap.String("tier", t.Name))
	return allowResponse(map[string]string{
		HeaderUsername: user.Username,
		HeaderGroups:   string(groups),
		HeaderTier:     t.Name,
	}), nil
}

// extractCredential reads "Authorization: Bearer <token>" and falls back to "x-api-key"
func extractCredential(headers map[string]string) string {
	if credential := token.BearerToken(headers["authorization"]); credential != "" {
		return credential
	}
	return strings.TrimSpace(headers["x-api-key"])
}

// allowResponse returns a response that allows the request with extra upstream headers
func allowResponse(upstream map[string]string) *envoy_service_auth_v3.CheckResponse {
	keys := []string{HeaderUsername, HeaderGroups, HeaderTier}
	headers := make([]*envoy_api_v3_core.HeaderValueOption, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, &envoy_api_v3_core.HeaderValueOption{
			Header: &envoy_api_v3_core.HeaderValue{Key: k, Value: upstream[k]},
		})
	}

	return &envoy_service_auth_v3.CheckResponse{
		Status: &status.Status{
			Code: int32(codes.OK),
		},
		HttpResponse: &envoy_service_auth_v3.CheckResponse_OkResponse{
			OkResponse: &envoy_service_auth_v3.OkHttpResponse{
				Headers: headers,
			},
		},
	}
}

// denyResponse returns a response that denies the request
func denyResponse(code codes.Code, httpStatus envoy_type_v3.StatusCode, message string) *envoy_service_auth_v3.CheckResponse {
	return &envoy_service_auth_v3.CheckResponse{
		Status: &status.Status{
			Code:    int32(code),
			Message: message,
		},
		HttpResponse: &envoy_service_auth_v3.CheckResponse_DeniedResponse{
			DeniedResponse: &envoy_service_auth_v3.DeniedHttpResponse{
				Status: &envoy_type_v3.HttpStatus{
					Code: httpStatus,
				},
				Body: message,
				Headers: []*envoy_api_v3_core.HeaderValueOption{
					{
						Header: &envoy_api_v3_core.HeaderValue{
							Key:   "content-type",
							Value: "text/plain",
						},
					},
				},
			},
		},
	}
}
