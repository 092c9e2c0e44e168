package models

import (
	"errors"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ErrCacheNotSynced is returned until both resource caches completed their initial list
var ErrCacheNotSynced = errors.New("model caches are not synced yet")

// Well-known annotations and labels read from serving workloads
const (
	AnnotationDisplayName  = "openshift.io/display-name"
	AnnotationDescription  = "openshift.io/description"
	AnnotationGenAIUseCase = "opendatahub.io/genai-use-case"

	LabelProvider   = "maas.opendatahub.io/provider"
	DefaultProvider = "kserve"
)

var (
	// LLMInferenceServiceGVR identifies serving workloads
	LLMInferenceServiceGVR = schema.GroupVersionResource{
		Group:    "serving.kserve.io",
		Version:  "v1alpha1",
		Resource: "llminferenceservices",
	}

	// HTTPRouteGVR identifies routing rules
	HTTPRouteGVR = schema.GroupVersionResource{
		Group:    "gateway.networking.k8s.io",
		Version:  "v1",
		Resource: "httproutes",
	}
)

// Model is a servable model as listed by the catalog endpoints
type Model struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	OwnedBy   string   `json:"owned_by"`
	Namespace string   `json:"namespace"`
	URL       string   `json:"url,omitempty"`
	Ready     bool     `json:"ready"`
	Provider  string   `json:"provider"`
	Details   *Details `json:"modelDetails,omitempty"`
}

// Details carries optional human-facing metadata
type Details struct {
	DisplayName  string `json:"displayName,omitempty"`
	Description  string `json:"description,omitempty"`
	GenAIUseCase string `json:"genaiUseCase,omitempty"`
}

// List is the OpenAI-style list envelope
type List struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// GatewayRef names the gateway whose routes expose models.
// A zero value accepts routes attached to any gateway.
type GatewayRef struct {
	Name      string
	Namespace string
}
