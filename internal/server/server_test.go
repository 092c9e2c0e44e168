package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	authv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/efortin/maas-api/internal/models"
	"github.com/efortin/maas-api/internal/server"
	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/tier"
)

const mapping = `
- name: free
  level: 0
  groups:
  - system:authenticated
  model_access:
  - granite
- name: premium
  level: 10
  groups:
  - premium-users
`

func testConfig() *server.Config {
	return &server.Config{
		HTTPPort:         8080,
		GRPCPort:         9191,
		Namespace:        "maas-api",
		InstanceName:     "maas",
		TierMappingName:  tier.MappingConfigMap,
		StorageMode:      store.ModeMemory,
		DefaultTTL:       time.Hour,
		MaxTTL:           24 * time.Hour,
		GatewayName:      "maas-default-gateway",
		GatewayNamespace: "openshift-ingress",
	}
}

func llmService(name, namespace string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "serving.kserve.io/v1alpha1",
		"kind":       "LLMInferenceService",
		"metadata":   map[string]any{"name": name, "namespace": namespace},
		"status": map[string]any{
			"url":        "https://" + name + ".apps.example.com",
			"conditions": []any{map[string]any{"type": "Ready", "status": "True"}},
		},
	}}
}

var _ = Describe("Server", func() {
	var (
		srv    *server.Server
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		clientset := fake.NewClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: tier.MappingConfigMap, Namespace: "maas-api"},
			Data:       map[string]string{tier.MappingKey: mapping},
		})
		clientset.PrependReactor("create", "tokenreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
			review := action.(k8stesting.CreateAction).GetObject().(*authv1.TokenReview).DeepCopy()
			switch review.Spec.Token {
			case "alice-token":
				review.Status = authv1.TokenReviewStatus{
					Authenticated: true,
					User:          authv1.UserInfo{Username: "alice", Groups: []string{"system:authenticated"}},
				}
			case "paul-token":
				review.Status = authv1.TokenReviewStatus{
					Authenticated: true,
					User:          authv1.UserInfo{Username: "paul", Groups: []string{"premium-users"}},
				}
			}
			return true, review, nil
		})

		dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
			map[schema.GroupVersionResource]string{
				models.LLMInferenceServiceGVR: "LLMInferenceServiceList",
				models.HTTPRouteGVR:           "HTTPRouteList",
			},
			llmService("granite", "llm"),
			llmService("qwen3", "llm"),
		)

		var err error
		srv, err = server.NewWithClients(ctx, testConfig(), clientset, dynamicClient, nil)
		Expect(err).NotTo(HaveOccurred())

		DeferCleanup(func() {
			cancel()
			Expect(srv.Close()).To(Succeed())
			Expect(srv.Close()).To(Succeed())
		})
	})

	call := func(method, path, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	modelIDs := func(w *httptest.ResponseRecorder) []string {
		var list models.List
		ExpectWithOffset(1, json.Unmarshal(w.Body.Bytes(), &list)).To(Succeed())
		var ids []string
		for _, m := range list.Data {
			ids = append(ids, m.ID)
		}
		return ids
	}

	It("rejects configurations with an unknown storage mode", func() {
		cfg := testConfig()
		cfg.StorageMode = "tape"
		_, err := server.NewWithClients(ctx, cfg, fake.NewClientset(), nil, nil)
		Expect(err).To(MatchError(ContainSubstring("unknown storage mode")))
	})

	Context("before caches are synced", func() {
		It("reports live but not ready", func() {
			Expect(call(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
			Expect(call(http.MethodGet, "/ready", "").Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("refuses to serve the catalog", func() {
			Expect(call(http.MethodGet, "/models", "").Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Context("after start", func() {
		BeforeEach(func() {
			Expect(srv.Start(ctx)).To(Succeed())
		})

		It("is ready", func() {
			Expect(call(http.MethodGet, "/ready", "").Code).To(Equal(http.StatusOK))
		})

		It("exposes prometheus metrics", func() {
			w := call(http.MethodGet, "/metrics", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring("go_goroutines"))
		})

		It("lists the full catalog without authentication", func() {
			w := call(http.MethodGet, "/models", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(modelIDs(w)).To(Equal([]string{"granite", "qwen3"}))
		})

		It("requires a credential for the tier scoped catalog", func() {
			w := call(http.MethodGet, "/v1/models", "")
			Expect(w.Code).To(Equal(http.StatusUnauthorized))

			w = call(http.MethodGet, "/v1/models", "forged")
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("filters the catalog by the caller's tier", func() {
			w := call(http.MethodGet, "/v1/models", "alice-token")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(modelIDs(w)).To(Equal([]string{"granite"}))

			w = call(http.MethodGet, "/v1/models", "paul-token")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(modelIDs(w)).To(Equal([]string{"granite", "qwen3"}))
		})

		It("resolves tiers for groups", func() {
			w := call(http.MethodPost, "/v1/tiers/lookup?group=premium-users", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(`"tier":"premium"`))

			Expect(call(http.MethodPost, "/v1/tiers/lookup", "").Code).To(Equal(http.StatusBadRequest))
			Expect(call(http.MethodPost, "/v1/tiers/lookup?group=strangers", "").Code).To(Equal(http.StatusNotFound))
		})

		It("lists no api keys for a new caller", func() {
			w := call(http.MethodGet, "/v1/api-keys", "alice-token")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(w.Body.String())).To(Equal("[]"))
		})

		It("answers ext_authz checks for reviewed credentials", func() {
			resp, err := srv.AuthorizationServer().Check(ctx, checkRequest(map[string]string{
				"authorization": "Bearer paul-token",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetOkResponse()).NotTo(BeNil())
		})
	})
})

var _ = Describe("Run", func() {
	freePort := func() int {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer lis.Close()
		return lis.Addr().(*net.TCPAddr).Port
	}

	It("leaves the HTTP port free when the gRPC port is taken", func() {
		busy, err := net.Listen("tcp", ":0")
		Expect(err).NotTo(HaveOccurred())
		defer busy.Close()

		cfg := testConfig()
		cfg.HTTPPort = freePort()
		cfg.GRPCPort = busy.Addr().(*net.TCPAddr).Port

		clientset := fake.NewClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: tier.MappingConfigMap, Namespace: "maas-api"},
			Data:       map[string]string{tier.MappingKey: mapping},
		})
		dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
			map[schema.GroupVersionResource]string{
				models.LLMInferenceServiceGVR: "LLMInferenceServiceList",
				models.HTTPRouteGVR:           "HTTPRouteList",
			},
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srv, err := server.NewWithClients(ctx, cfg, clientset, dynamicClient, nil)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		var runErr error
		Eventually(done, 10*time.Second).Should(Receive(&runErr))
		Expect(runErr).To(MatchError(ContainSubstring("failed to listen")))

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
		Expect(err).NotTo(HaveOccurred())
		Expect(lis.Close()).To(Succeed())
	})
})
