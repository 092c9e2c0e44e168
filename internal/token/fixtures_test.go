package token_test

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	authv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/efortin/maas-api/internal/tier"
)

const (
	testInstance  = "maas"
	testNamespace = "maas-api"
)

const testTiers = `
- name: free
  level: 0
  groups: [system:authenticated]
- name: premium
  level: 10
  groups: [premium-users]
`

func tierMapping() *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: tier.MappingConfigMap, Namespace: testNamespace},
		Data:       map[string]string{tier.MappingKey: testTiers},
	}
}

// tokenRequests records TokenRequest specs seen by the fake API server
type tokenRequests struct {
	count    atomic.Int32
	lastSpec atomic.Pointer[authv1.TokenRequestSpec]
}

// stubTokenRequests makes the fake clientset answer TokenRequests with a
// signed JWT whose expiry honours the requested lifetime
func stubTokenRequests(clientset *fake.Clientset) *tokenRequests {
	seen := &tokenRequests{}
	clientset.PrependReactor("create", "serviceaccounts/token", func(action k8stesting.Action) (bool, runtime.Object, error) {
		createAction, ok := action.(k8stesting.CreateAction)
		if !ok {
			return true, nil, fmt.Errorf("expected CreateAction, got %T", action)
		}
		tokenRequest, ok := createAction.GetObject().(*authv1.TokenRequest)
		if !ok {
			return true, nil, fmt.Errorf("expected TokenRequest, got %T", createAction.GetObject())
		}

		n := seen.count.Add(1)
		spec := tokenRequest.Spec
		seen.lastSpec.Store(&spec)

		expiresAt := time.Now().Add(time.Duration(*spec.ExpirationSeconds) * time.Second)
		claims := jwt.MapClaims{
			"jti": fmt.Sprintf("mock-jti-%d", n),
			"exp": expiresAt.Unix(),
			"sub": "system:serviceaccount:" + action.GetNamespace(),
			"aud": spec.Audiences,
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			return true, nil, err
		}

		tokenRequest.Status = authv1.TokenRequestStatus{
			Token:               signed,
			ExpirationTimestamp: metav1.NewTime(expiresAt),
		}
		return true, tokenRequest, nil
	})
	return seen
}

func signedJWT(jti string) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"jti": jti}).SignedString([]byte("secret"))
	if err != nil {
		panic(err)
	}
	return signed
}
