package models_test

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/efortin/maas-api/internal/tier"
)

type staticLister struct {
	items  []*unstructured.Unstructured
	synced bool
}

func (l *staticLister) List() []*unstructured.Unstructured { return l.items }
func (l *staticLister) HasSynced() bool { return l.synced }

type tiersByGroup map[string]*tier.Tier

func (t tiersByGroup) GetTierForGroups(_ context.Context, groups ...string) (*tier.Tier, error) {
	for _, g := range groups {
		if found, ok := t[g]; ok {
			return found, nil
		}
	}
	return nil, &tier.GroupNotFoundError{Group: "none"}
}

type workloadOption func(obj map[string]any)

func workload(name, namespace string, opts ...workloadOption) *unstructured.Unstructured {
	obj := map[string]any{
		"apiVersion": "serving.kserve.io/v1alpha1",
		"kind":       "LLMInferenceService",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"spec":   map[string]any{},
		"status": map[string]any{},
	}
	for _, opt := range opts {
		opt(obj)
	}
	return &unstructured.Unstructured{Object: obj}
}

func ready(status string) workloadOption {
	return func(obj map[string]any) {
		s := obj["status"].(map[string]any)
		s["conditions"] = []any{
			map[string]any{"type": "Ready", "status": status},
		}
	}
}

func statusURL(u string) workloadOption {
	return func(obj map[string]any) {
		obj["status"].(map[string]any)["url"] = u
	}
}

func addressesURL(u string) workloadOption {
	return func(obj map[string]any) {
		obj["status"].(map[string]any)["addresses"] = []any{map[string]any{"url": u}}
	}
}

func modelName(name string) workloadOption {
	return func(obj map[string]any) {
		obj["spec"].(map[string]any)["model"] = map[string]any{"name": name}
	}
}

func generations(generation, observed int64) workloadOption {
	return func(obj map[string]any) {
		obj["metadata"].(map[string]any)["generation"] = generation
		obj["status"].(map[string]any)["observedGeneration"] = observed
	}
}

func metadata(key string, values map[string]any) workloadOption {
	return func(obj map[string]any) {
		obj["metadata"].(map[string]any)[key] = values
	}
}

type routeSpec struct {
	name      string
	namespace string
	hostname  string
	path      string
	backends  []string
	gateway   string
	gatewayNS string
}

func httpRoute(r routeSpec) *unstructured.Unstructured {
	spec := map[string]any{}
	if r.hostname != "" {
		spec["hostnames"] = []any{r.hostname}
	}
	if r.gateway != "" {
		parent := map[string]any{"name": r.gateway}
		if r.gatewayNS != "" {
			parent["namespace"] = r.gatewayNS
		}
		spec["parentRefs"] = []any{parent}
	}

	rule := map[string]any{}
	if r.path != "" {
		rule["matches"] = []any{
			map[string]any{"path": map[string]any{"type": "PathPrefix", "value": r.path}},
		}
	}
	var refs []any
	for _, b := range r.backends {
		refs = append(refs, map[string]any{"name": b, "port": int64(8000)})
	}
	if refs != nil {
		rule["backendRefs"] = refs
	}
	spec["rules"] = []any{rule}

	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "HTTPRoute",
		"metadata": map[string]any{
			"name":      r.name,
			"namespace": r.namespace,
		},
		"spec": spec,
	}}
}
