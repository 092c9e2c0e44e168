package token

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	authv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Reviewer validates bearer credentials through the TokenReview API
type Reviewer struct {
	clientset kubernetes.Interface
	audience  string
	log       *zap.Logger
}

// NewReviewer creates a reviewer. Credentials are first reviewed against
// audience (when set), then against the API server's default audience.
func NewReviewer(clientset kubernetes.Interface, audience string, log *zap.Logger) *Reviewer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reviewer{
		clientset: clientset,
		audience:  audience,
		log:       log.Named("reviewer"),
	}
}

// ExtractUserInfo validates a token and extracts user information.
// An unauthenticated token yields a UserContext with IsAuthenticated false.
func (r *Reviewer) ExtractUserInfo(ctx context.Context, raw string) (*UserContext, error) {
	if raw == "" {
		return nil, errors.New("token cannot be empty")
	}

	jti, err := extractJTI(raw)
	if err != nil {
		// jti only feeds metadata; opaque tokens are still reviewed
		r.log.Debug("Could not read jti from token", zap.Error(err))
	}

	if r.audience != "" {
		status, err := r.review(ctx, raw, []string{r.audience})
		if err != nil {
			return nil, err
		}
		if status.Authenticated {
			return userFromStatus(status, jti), nil
		}
	}

	status, err := r.review(ctx, raw, nil)
	if err != nil {
		return nil, err
	}
	if !status.Authenticated {
		return &UserContext{IsAuthenticated: false}, nil
	}
	return userFromStatus(status, jti), nil
}

func (r *Reviewer) review(ctx context.Context, raw string, audiences []string) (*authv1.TokenReviewStatus, error) {
	result, err := r.clientset.AuthenticationV1().TokenReviews().Create(ctx, &authv1.TokenReview{
		Spec: authv1.TokenReviewSpec{
			Token:     raw,
			Audiences: audiences,
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: token review failed: %w", ErrIdentityUnavailable, err)
	}
	return &result.Status, nil
}

func userFromStatus(status *authv1.TokenReviewStatus, jti string) *UserContext {
	return &UserContext{
		Username:        status.User.Username,
		UID:             status.User.UID,
		Groups:          status.User.Groups,
		JTI:             jti,
		IsAuthenticated: true,
	}
}
