package token_test

import (
	"context"
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes/fake"
	corelistersv1 "k8s.io/client-go/listers/core/v1"
	k8stesting "k8s.io/client-go/testing"

	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

var _ = Describe("Manager", func() {
	var (
		ctx       context.Context
		clientset *fake.Clientset
		requests  *tokenRequests
		manager   *token.Manager
		saLister  corelistersv1.ServiceAccountLister
		alice     *token.UserContext
	)

	start := func(opts token.Options) {
		factory := informers.NewSharedInformerFactory(clientset, 0)
		nsLister := factory.Core().V1().Namespaces().Lister()
		saLister = factory.Core().V1().ServiceAccounts().Lister()

		stop := make(chan struct{})
		DeferCleanup(func() { close(stop) })
		factory.Start(stop)
		factory.WaitForCacheSync(stop)

		mapper := tier.NewMapper(clientset, testInstance, testNamespace, "", nil)
		manager = token.NewManager(opts, mapper, clientset, nsLister, saLister, nil)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clientset = fake.NewClientset(tierMapping())
		requests = stubTokenRequests(clientset)
		alice = &token.UserContext{
			Username:        "alice@example.com",
			Groups:          []string{"system:authenticated", "premium-users"},
			IsAuthenticated: true,
		}
		start(token.Options{InstanceName: testInstance, MaxTTL: 24 * time.Hour})
	})

	Describe("IssueToken", func() {
		It("mints a token in the namespace of the caller's tier", func() {
			tok, err := manager.IssueToken(ctx, alice, time.Hour)
			Expect(err).ToNot(HaveOccurred())

			Expect(tok.Token).ToNot(BeEmpty())
			Expect(tok.JTI).To(Equal("mock-jti-1"))
			Expect(tok.Tier).To(Equal("premium"))
			Expect(tok.Namespace).To(Equal("maas-tier-premium"))
			Expect(tok.Expiration.Duration).To(Equal(time.Hour))

			spec := requests.lastSpec.Load()
			Expect(spec.Audiences).To(ConsistOf("maas-sa"))
			Expect(*spec.ExpirationSeconds).To(Equal(int64(3600)))

			ns, err := clientset.CoreV1().Namespaces().Get(ctx, "maas-tier-premium", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ns.Labels).To(HaveKeyWithValue("maas.opendatahub.io/tier", "premium"))

			saName, err := token.ServiceAccountName(alice.Username)
			Expect(err).ToNot(HaveOccurred())
			_, err = clientset.CoreV1().ServiceAccounts("maas-tier-premium").Get(ctx, saName, metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
		})

		It("reuses existing namespaces and service accounts", func() {
			_, err := manager.IssueToken(ctx, alice, time.Hour)
			Expect(err).ToNot(HaveOccurred())
			_, err = manager.IssueToken(ctx, alice, time.Hour)
			Expect(err).ToNot(HaveOccurred())

			list, err := clientset.CoreV1().ServiceAccounts("maas-tier-premium").List(ctx, metav1.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(list.Items).To(HaveLen(1))
			Expect(requests.count.Load()).To(Equal(int32(2)))
		})

		It("uses the default lifetime when none is requested", func() {
			tok, err := manager.IssueToken(ctx, alice, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(tok.Expiration.Duration).To(Equal(token.DefaultTTL))
		})

		It("clamps lifetimes above the maximum", func() {
			before := time.Now()
			tok, err := manager.IssueToken(ctx, alice, 365*24*time.Hour)
			Expect(err).ToNot(HaveOccurred())

			Expect(tok.Expiration.Duration).To(Equal(24 * time.Hour))
			Expect(*requests.lastSpec.Load().ExpirationSeconds).To(Equal(int64(24 * 3600)))

			expiresAt := time.Unix(tok.ExpiresAt, 0)
			Expect(expiresAt).To(BeTemporally("~", before.Add(24*time.Hour), 5*time.Second))
		})

		It("refuses callers without an identity", func() {
			_, err := manager.IssueToken(ctx, nil, time.Hour)
			Expect(err).To(MatchError(token.ErrMissingUser))

			_, err = manager.IssueToken(ctx, &token.UserContext{Username: "bob"}, time.Hour)
			Expect(err).To(MatchError(token.ErrMissingUser))
		})

		It("propagates unknown groups as a tier error", func() {
			stranger := &token.UserContext{Username: "eve", Groups: []string{"nobody"}, IsAuthenticated: true}
			_, err := manager.IssueToken(ctx, stranger, time.Hour)

			var notFound *tier.GroupNotFoundError
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(requests.count.Load()).To(BeZero())
		})

		It("reports TokenRequest failures as identity errors", func() {
			clientset.PrependReactor("create", "serviceaccounts/token", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewServiceUnavailable("apiserver overloaded")
			})

			_, err := manager.IssueToken(ctx, alice, time.Hour)
			Expect(err).To(MatchError(token.ErrIdentityUnavailable))
		})
	})

	Describe("RevokeTokens", func() {
		It("recreates the caller's service account", func() {
			_, err := manager.IssueToken(ctx, alice, time.Hour)
			Expect(err).ToNot(HaveOccurred())

			saName, _ := token.ServiceAccountName(alice.Username)
			Eventually(func() error {
				_, err := saLister.ServiceAccounts("maas-tier-premium").Get(saName)
				return err
			}).Should(Succeed())

			clientset.ClearActions()
			namespace, err := manager.RevokeTokens(ctx, alice)
			Expect(err).ToNot(HaveOccurred())
			Expect(namespace).To(Equal("maas-tier-premium"))

			var verbs []string
			for _, a := range clientset.Actions() {
				if a.GetResource().Resource == "serviceaccounts" {
					verbs = append(verbs, a.GetVerb())
				}
			}
			Expect(verbs).To(Equal([]string{"delete", "create"}))

			_, err = clientset.CoreV1().ServiceAccounts(namespace).Get(ctx, saName, metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
		})

		It("does nothing for callers that never requested a token", func() {
			namespace, err := manager.RevokeTokens(ctx, alice)
			Expect(err).ToNot(HaveOccurred())
			Expect(namespace).To(Equal("maas-tier-premium"))

			for _, a := range clientset.Actions() {
				Expect(a.GetVerb()).ToNot(Equal("delete"))
			}
		})
	})

	Describe("GetNamespaceForUser", func() {
		It("maps the caller's tier to its namespace", func() {
			free := &token.UserContext{Username: "bob", Groups: []string{"system:authenticated"}, IsAuthenticated: true}
			ns, err := manager.GetNamespaceForUser(ctx, free)
			Expect(err).ToNot(HaveOccurred())
			Expect(ns).To(Equal("maas-tier-free"))
		})
	})

	Describe("EffectiveTTL", func() {
		It("applies defaults and bounds", func() {
			Expect(manager.EffectiveTTL(-time.Minute)).To(Equal(token.DefaultTTL))
			Expect(manager.EffectiveTTL(0)).To(Equal(token.DefaultTTL))
			Expect(manager.EffectiveTTL(2 * time.Hour)).To(Equal(2 * time.Hour))
			Expect(manager.EffectiveTTL(48 * time.Hour)).To(Equal(24 * time.Hour))
			Expect(manager.EffectiveTTL(time.Duration(math.MaxInt64))).To(Equal(24 * time.Hour))
		})
	})
})
