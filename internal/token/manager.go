package token

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	authv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corelistersv1 "k8s.io/client-go/listers/core/v1"
	"k8s.io/utils/ptr"

	"github.com/efortin/maas-api/internal/metrics"
	"github.com/efortin/maas-api/internal/tier"
)

// Default credential lifetimes
const (
	DefaultTTL = 4 * time.Hour
	MaxTTL     = 30 * 24 * time.Hour
)

var tracer = otel.Tracer("github.com/efortin/maas-api/internal/token")

// TierResolver resolves the tier of a caller and the namespace it maps to
type TierResolver interface {
	GetTierForGroups(ctx context.Context, groups ...string) (*tier.Tier, error)
	Namespace(tierName string) string
}

// Options configures a Manager
type Options struct {
	// InstanceName prefixes tier namespaces and forms the token audience
	InstanceName string
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
}

// Manager mints service account tokens in the namespace of the caller's tier
type Manager struct {
	instanceName         string
	defaultTTL           time.Duration
	maxTTL               time.Duration
	tiers                TierResolver
	clientset            kubernetes.Interface
	namespaceLister      corelistersv1.NamespaceLister
	serviceAccountLister corelistersv1.ServiceAccountLister
	log                  *zap.Logger
	now                  func() time.Time
}

// NewManager creates a token manager. The listers must come from informers
// that are started before the first call.
func NewManager(
	opts Options,
	tiers TierResolver,
	clientset kubernetes.Interface,
	namespaceLister corelistersv1.NamespaceLister,
	serviceAccountLister corelistersv1.ServiceAccountLister,
	log *zap.Logger,
) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = MaxTTL
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.DefaultTTL = opts.MaxTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		instanceName:         opts.InstanceName,
		defaultTTL:           opts.DefaultTTL,
		maxTTL:               opts.MaxTTL,
		tiers:                tiers,
		clientset:            clientset,
		namespaceLister:      namespaceLister,
		serviceAccountLister: serviceAccountLister,
		log:                  log.Named("token"),
		now:                  time.Now,
	}
}

// Audience is the audience every issued token is bound to
func (m *Manager) Audience() string {
	return m.instanceName + "-sa"
}

// EffectiveTTL applies the default and the upper bound to a requested lifetime
func (m *Manager) EffectiveTTL(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return m.defaultTTL
	case requested > m.maxTTL:
		return m.maxTTL
	default:
		return requested
	}
}

// IssueToken creates a service account token in the namespace bound to the
// tier the user belongs to.
func (m *Manager) IssueToken(ctx context.Context, user *UserContext, requested time.Duration) (_ *Token, err error) {
	ctx, span := tracer.Start(ctx, "token.Issue", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if user == nil || !user.IsAuthenticated || user.Username == "" {
		return nil, ErrMissingUser
	}

	tierName := "unknown"
	defer func() {
		metrics.ObserveTokenIssued(tierName, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "token issuance failed")
		}
	}()

	userTier, err := m.tiers.GetTierForGroups(ctx, user.Groups...)
	if err != nil {
		return nil, fmt.Errorf("failed to determine user tier for %s: %w", user.Username, err)
	}
	tierName = userTier.Name
	span.SetAttributes(attribute.String("maas.tier", tierName))

	namespace, err := m.ensureTierNamespace(ctx, tierName)
	if err != nil {
		return nil, err
	}

	saName, err := m.ensureServiceAccount(ctx, namespace, user.Username, tierName)
	if err != nil {
		return nil, err
	}

	ttl := m.EffectiveTTL(requested)
	if ttl != requested && requested > 0 {
		m.log.Info("Clamped requested token lifetime",
			zap.String("username", user.Username),
			zap.Duration("requested", requested),
			zap.Duration("granted", ttl),
		)
	}

	issuedAt := m.now()
	tr, err := m.clientset.CoreV1().ServiceAccounts(namespace).CreateToken(ctx, saName, &authv1.TokenRequest{
		Spec: authv1.TokenRequestSpec{
			ExpirationSeconds: ptr.To(int64(ttl.Seconds())),
			Audiences:         []string{m.Audience()},
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create token for service account %s in namespace %s: %w",
			ErrIdentityUnavailable, saName, namespace, err)
	}

	expiresAt := tr.Status.ExpirationTimestamp.Time
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(ttl)
	}

	jti, jtiErr := extractJTI(tr.Status.Token)
	if jtiErr != nil {
		m.log.Warn("Could not read jti from issued token", zap.Error(jtiErr))
	}

	m.log.Info("Issued token",
		zap.String("username", user.Username),
		zap.String("tier", tierName),
		zap.String("namespace", namespace),
		zap.String("serviceAccount", saName),
		zap.String("jti", jti),
		zap.Time("expiresAt", expiresAt),
	)

	return &Token{
		Token:      tr.Status.Token,
		Expiration: Duration{ttl},
		ExpiresAt:  expiresAt.Unix(),
		JTI:        jti,
		IssuedAt:   issuedAt.Unix(),
		Namespace:  namespace,
		Tier:       tierName,
	}, nil
}

// RevokeTokens invalidates every token minted for the user by deleting and
// recreating their service account. It returns the tier namespace.
func (m *Manager) RevokeTokens(ctx context.Context, user *UserContext) (string, error) {
	ctx, span := tracer.Start(ctx, "token.Revoke", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if user == nil || !user.IsAuthenticated || user.Username == "" {
		return "", ErrMissingUser
	}

	userTier, err := m.tiers.GetTierForGroups(ctx, user.Groups...)
	if err != nil {
		return "", fmt.Errorf("failed to determine user tier for %s: %w", user.Username, err)
	}
	namespace := m.tiers.Namespace(userTier.Name)

	saName, err := ServiceAccountName(user.Username)
	if err != nil {
		return "", err
	}

	_, err = m.serviceAccountLister.ServiceAccounts(namespace).Get(saName)
	if apierrors.IsNotFound(err) {
		m.log.Info("Service account not found, nothing to revoke",
			zap.String("serviceAccount", saName),
			zap.String("namespace", namespace),
		)
		return namespace, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to check service account %s in namespace %s: %w",
			ErrIdentityUnavailable, saName, namespace, err)
	}

	err = m.clientset.CoreV1().ServiceAccounts(namespace).Delete(ctx, saName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("%w: failed to delete service account %s in namespace %s: %w",
			ErrIdentityUnavailable, saName, namespace, err)
	}

	// the lister may still hold the deleted object, so create directly
	if err := m.createServiceAccount(ctx, namespace, saName, userTier.Name); err != nil {
		return "", err
	}

	m.log.Info("Revoked tokens",
		zap.String("username", user.Username),
		zap.String("serviceAccount", saName),
		zap.String("namespace", namespace),
	)
	return namespace, nil
}

// GetNamespaceForUser returns the tier namespace the user's credentials live in
func (m *Manager) GetNamespaceForUser(ctx context.Context, user *UserContext) (string, error) {
	if user == nil || !user.IsAuthenticated || user.Username == "" {
		return "", ErrMissingUser
	}
	userTier, err := m.tiers.GetTierForGroups(ctx, user.Groups...)
	if err != nil {
		return "", fmt.Errorf("failed to determine user tier for %s: %w", user.Username, err)
	}
	return m.tiers.Namespace(userTier.Name), nil
}

func (m *Manager) ensureTierNamespace(ctx context.Context, tierName string) (string, error) {
	namespace := m.tiers.Namespace(tierName)

	_, err := m.namespaceLister.Get(namespace)
	if err == nil {
		return namespace, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("%w: failed to check namespace %s: %w", ErrIdentityUnavailable, namespace, err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: namespaceLabels(m.instanceName, tierName),
		},
	}
	_, err = m.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return namespace, nil
		}
		return "", fmt.Errorf("%w: failed to create namespace %s: %w", ErrIdentityUnavailable, namespace, err)
	}

	m.log.Info("Created tier namespace", zap.String("namespace", namespace))
	return namespace, nil
}

func (m *Manager) ensureServiceAccount(ctx context.Context, namespace, username, tierName string) (string, error) {
	saName, err := ServiceAccountName(username)
	if err != nil {
		return "", err
	}

	_, err = m.serviceAccountLister.ServiceAccounts(namespace).Get(saName)
	if err == nil {
		return saName, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("%w: failed to check service account %s in namespace %s: %w",
			ErrIdentityUnavailable, saName, namespace, err)
	}

	if err := m.createServiceAccount(ctx, namespace, saName, tierName); err != nil {
		return "", err
	}
	return saName, nil
}

func (m *Manager) createServiceAccount(ctx context.Context, namespace, saName, tierName string) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      saName,
			Namespace: namespace,
			Labels:    serviceAccountLabels(m.instanceName, tierName),
		},
	}
	_, err := m.clientset.CoreV1().ServiceAccounts(namespace).Create(ctx, sa, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to create service account %s in namespace %s: %w",
			ErrIdentityUnavailable, saName, namespace, err)
	}

	m.log.Info("Created service account",
		zap.String("serviceAccount", saName),
		zap.String("namespace", namespace),
	)
	return nil
}
