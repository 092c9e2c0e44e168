package token_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/efortin/maas-api/internal/token"
)

type authenticatorFunc func(ctx context.Context, raw string) (*token.UserContext, error)

func (f authenticatorFunc) ExtractUserInfo(ctx context.Context, raw string) (*token.UserContext, error) {
	return f(ctx, raw)
}

var _ = Describe("Authenticate middleware", func() {
	var router *gin.Engine

	BeforeEach(func() {
		auth := authenticatorFunc(func(_ context.Context, raw string) (*token.UserContext, error) {
			switch raw {
			case "good":
				return &token.UserContext{Username: "alice", Groups: []string{"g"}, IsAuthenticated: true}, nil
			case "down":
				return nil, fmt.Errorf("%w: boom", token.ErrIdentityUnavailable)
			default:
				return &token.UserContext{}, nil
			}
		})

		router = gin.New()
		router.GET("/whoami", token.Authenticate(auth, nil), func(c *gin.Context) {
			user, err := token.UserFromContext(c)
			if err != nil {
				c.Status(http.StatusInternalServerError)
				return
			}
			c.String(http.StatusOK, user.Username)
		})
	})

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("attaches the reviewed caller", func() {
		w := call("Bearer good")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("alice"))
	})

	It("accepts a lowercase scheme", func() {
		Expect(call("bearer good").Code).To(Equal(http.StatusOK))
	})

	DescribeTable("rejects requests without a valid credential",
		func(header string) {
			w := call(header)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
			Expect(w.Body.String()).To(ContainSubstring("authentication_error"))
		},
		Entry("no header", ""),
		Entry("basic auth", "Basic dXNlcjpwYXNz"),
		Entry("empty bearer", "Bearer "),
		Entry("rejected token", "Bearer bad"),
	)

	It("returns 503 when the identity service is down", func() {
		w := call("Bearer down")
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(w.Body.String()).To(ContainSubstring("service_unavailable"))
	})

	It("reports a missing caller on unauthenticated routes", func() {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		_, err := token.UserFromContext(c)
		Expect(err).To(MatchError(token.ErrMissingUser))
	})
})
