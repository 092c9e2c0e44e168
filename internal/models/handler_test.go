package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/efortin/maas-api/internal/models"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

type fakeCatalog struct {
	all        []models.Model
	err        error
	lastGroups []string
}

func (f *fakeCatalog) ListAvailableModels() ([]models.Model, error) {
	return f.all, f.err
}

func (f *fakeCatalog) ListAvailableLLMsForUser(_ context.Context, groups []string) ([]models.Model, error) {
	f.lastGroups = groups
	if f.err != nil {
		return nil, f.err
	}
	return f.all[:1], nil
}

var _ = Describe("Handler", func() {
	var (
		catalog *fakeCatalog
		router  *gin.Engine
	)

	BeforeEach(func() {
		catalog = &fakeCatalog{all: []models.Model{
			{ID: "granite", Object: "model", Ready: true},
			{ID: "qwen3", Object: "model"},
		}}
		h := models.NewHandler(catalog, nil)

		router = gin.New()
		router.GET("/models", h.ListModels)
		router.GET("/v1/models", func(c *gin.Context) {
			if c.GetHeader("X-Test-User") != "" {
				token.WithUser(c, &token.UserContext{
					Username:        c.GetHeader("X-Test-User"),
					Groups:          []string{"team-a"},
					IsAuthenticated: true,
				})
			}
		}, h.ListLLMs)
	})

	get := func(path, user string) (*httptest.ResponseRecorder, models.List) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var list models.List
		if w.Code == http.StatusOK {
			Expect(json.Unmarshal(w.Body.Bytes(), &list)).To(Succeed())
		}
		return w, list
	}

	It("lists the full catalog", func() {
		w, list := get("/models", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(list.Object).To(Equal("list"))
		Expect(list.Data).To(HaveLen(2))
	})

	It("lists the caller's catalog using its groups", func() {
		w, list := get("/v1/models", "alice")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(list.Data).To(HaveLen(1))
		Expect(catalog.lastGroups).To(Equal([]string{"team-a"}))
	})

	It("responds 500 without an authenticated caller", func() {
		w, _ := get("/v1/models", "")
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})

	It("responds 503 until caches are synced", func() {
		catalog.err = models.ErrCacheNotSynced
		w, _ := get("/models", "")
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(w.Body.String()).To(ContainSubstring("service_unavailable"))
	})

	It("responds 404 when the caller has no tier", func() {
		catalog.err = &tier.GroupNotFoundError{Group: "team-a"}
		w, _ := get("/v1/models", "alice")
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("hides unexpected failures", func() {
		catalog.err = errors.New("dial tcp 10.0.0.1:6443: connection refused")
		w, _ := get("/models", "")
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		Expect(w.Body.String()).NotTo(ContainSubstring("10.0.0.1"))
	})
})
