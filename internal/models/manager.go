package models

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/efortin/maas-api/internal/metrics"
	"github.com/efortin/maas-api/internal/tier"
)

// Lister is a read-only view over a populated resource cache
type Lister interface {
	List() []*unstructured.Unstructured
	HasSynced() bool
}

// TierResolver resolves the tier of a caller from its groups
type TierResolver interface {
	GetTierForGroups(ctx context.Context, groups ...string) (*tier.Tier, error)
}

// Manager builds the model catalog from serving workloads and routes
type Manager struct {
	workloads Lister
	routes    Lister
	tiers     TierResolver
	gateway   GatewayRef
	log       *zap.Logger
}

// NewManager creates a model manager reading from the given caches
func NewManager(workloads, routes Lister, tiers TierResolver, gateway GatewayRef, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		workloads: workloads,
		routes:    routes,
		tiers:     tiers,
		gateway:   gateway,
		log:       log.Named("models"),
	}
}

// HasSynced reports whether both caches completed their initial list
func (m *Manager) HasSynced() bool {
	return m.workloads.HasSynced() && m.routes.HasSynced()
}

// ListAvailableModels returns every discovered model sorted by id.
// The result always reflects the latest state observed by the caches.
func (m *Manager) ListAvailableModels() ([]Model, error) {
	if !m.HasSynced() {
		return nil, ErrCacheNotSynced
	}

	routes := m.candidateRoutes()
	workloads := m.workloads.List()

	out := make([]Model, 0, len(workloads))
	ready := 0
	for _, obj := range workloads {
		model := m.toModel(obj, routes)
		if model.Ready {
			ready++
		}
		out = append(out, model)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Namespace < out[j].Namespace
	})

	metrics.ModelsDiscovered.WithLabelValues("true").Set(float64(ready))
	metrics.ModelsDiscovered.WithLabelValues("false").Set(float64(len(out) - ready))
	return out, nil
}

// ListAvailableLLMsForUser returns the catalog restricted to the models the
// tier resolved from groups may access.
func (m *Manager) ListAvailableLLMsForUser(ctx context.Context, groups []string) ([]Model, error) {
	all, err := m.ListAvailableModels()
	if err != nil {
		return nil, err
	}

	t, err := m.tiers.GetTierForGroups(ctx, groups...)
	if err != nil {
		return nil, err
	}

	out := make([]Model, 0, len(all))
	for _, model := range all {
		if t.CanAccessModel(model.ID) {
			out = append(out, model)
		}
	}

	m.log.Debug("Filtered catalog for caller",
		zap.String("tier", t.Name),
		zap.Int("total", len(all)),
		zap.Int("visible", len(out)),
	)
	return out, nil
}

func (m *Manager) toModel(obj *unstructured.Unstructured, routes []route) Model {
	model := Model{
		ID:        modelID(obj),
		Object:    "model",
		Created:   obj.GetCreationTimestamp().Unix(),
		OwnedBy:   obj.GetNamespace(),
		Namespace: obj.GetNamespace(),
		Provider:  DefaultProvider,
		Details:   details(obj),
	}
	if p := obj.GetLabels()[LabelProvider]; p != "" {
		model.Provider = p
	}

	address := workloadURL(obj)
	if address != "" && isExternal(address) {
		model.URL = address
	} else if r, score := bestRoute(obj, routes); r != nil {
		model.URL = r.url
		m.log.Debug("Matched workload to route",
			zap.String("workload", obj.GetName()),
			zap.String("route", r.namespace+"/"+r.name),
			zap.Float64("score", score),
		)
	} else {
		m.log.Debug("No route matched workload", zap.String("workload", obj.GetName()))
	}

	model.Ready = model.URL != "" && workloadReady(obj)
	return model
}

func modelID(obj *unstructured.Unstructured) string {
	if name, _, _ := unstructured.NestedString(obj.Object, "spec", "model", "name"); name != "" {
		return name
	}
	return obj.GetName()
}

func details(obj *unstructured.Unstructured) *Details {
	annotations := obj.GetAnnotations()
	d := Details{
		DisplayName:  annotations[AnnotationDisplayName],
		Description:  annotations[AnnotationDescription],
		GenAIUseCase: annotations[AnnotationGenAIUseCase],
	}
	if d == (Details{}) {
		return nil
	}
	return &d
}

// workloadReady checks that the controller observed the latest spec and
// reports the Ready condition as True.
func workloadReady(obj *unstructured.Unstructured) bool {
	if obj.GetDeletionTimestamp() != nil {
		return false
	}

	if gen := obj.GetGeneration(); gen > 0 {
		observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
		if found && observed != gen {
			return false
		}
	}

	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if cond["type"] == "Ready" {
			return cond["status"] == "True"
		}
	}
	return false
}

func workloadURL(obj *unstructured.Unstructured) string {
	if u, _, _ := unstructured.NestedString(obj.Object, "status", "url"); u != "" {
		return u
	}
	if u, _, _ := unstructured.NestedString(obj.Object, "status", "address", "url"); u != "" {
		return u
	}
	addresses, _, _ := unstructured.NestedSlice(obj.Object, "status", "addresses")
	for _, a := range addresses {
		if addr, ok := a.(map[string]any); ok {
			if u, _ := addr["url"].(string); u != "" {
				return u
			}
		}
	}
	return ""
}

// isExternal reports whether address is reachable from outside the cluster
func isExternal(address string) bool {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "localhost",
		strings.HasSuffix(host, ".svc"),
		strings.HasSuffix(host, ".cluster.local"),
		!strings.Contains(host, "."):
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback() && !ip.IsPrivate()
	}
	return true
}

type route struct {
	name      string
	namespace string
	backends  []string
	url       string
}

// candidateRoutes returns routes exposing a hostname, attached to the
// configured gateway when one is set.
func (m *Manager) candidateRoutes() []route {
	var out []route
	for _, obj := range m.routes.List() {
		if !m.attachedToGateway(obj) {
			continue
		}

		hostnames, _, _ := unstructured.NestedStringSlice(obj.Object, "spec", "hostnames")
		if len(hostnames) == 0 || hostnames[0] == "" {
			continue
		}

		r := route{
			name:      obj.GetName(),
			namespace: obj.GetNamespace(),
			url:       "https://" + hostnames[0],
		}

		rules, _, _ := unstructured.NestedSlice(obj.Object, "spec", "rules")
		for i, raw := range rules {
			rule, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if i == 0 {
				r.url += pathPrefix(rule)
			}
			refs, _, _ := unstructured.NestedSlice(rule, "backendRefs")
			for _, ref := range refs {
				if refMap, ok := ref.(map[string]any); ok {
					if name, _ := refMap["name"].(string); name != "" {
						r.backends = append(r.backends, name)
					}
				}
			}
		}
		out = append(out, r)
	}
	return out
}

func pathPrefix(rule map[string]any) string {
	matches, _, _ := unstructured.NestedSlice(rule, "matches")
	if len(matches) == 0 {
		return ""
	}
	match, ok := matches[0].(map[string]any)
	if !ok {
		return ""
	}
	value, _, _ := unstructured.NestedString(match, "path", "value")
	value = strings.TrimSuffix(value, "/")
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, "/") {
		value = "/" + value
	}
	return value
}

func (m *Manager) attachedToGateway(obj *unstructured.Unstructured) bool {
	if m.gateway.Name == "" {
		return true
	}

	parents, _, _ := unstructured.NestedSlice(obj.Object, "spec", "parentRefs")
	for _, raw := range parents {
		ref, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := ref["name"].(string)
		namespace, _ := ref["namespace"].(string)
		if namespace == "" {
			namespace = obj.GetNamespace()
		}
		if name == m.gateway.Name && (m.gateway.Namespace == "" || namespace == m.gateway.Namespace) {
			return true
		}
	}
	return false
}

// bestRoute picks the highest scoring route at or above MatchThreshold.
// On equal scores a route in the workload's namespace wins.
func bestRoute(obj *unstructured.Unstructured, routes []route) (*route, float64) {
	var (
		best      *route
		bestScore float64
	)
	for i := range routes {
		r := &routes[i]
		score := Similarity(obj.GetName(), r.name)
		for _, backend := range r.backends {
			score = max(score, Similarity(obj.GetName(), backend))
		}
		if score < MatchThreshold {
			continue
		}

		switch {
		case best == nil, score > bestScore:
			best, bestScore = r, score
		case score == bestScore && best.namespace != obj.GetNamespace() && r.namespace == obj.GetNamespace():
			best = r
		}
	}
	return best, bestScore
}
