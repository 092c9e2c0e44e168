package tier

import "fmt"

const (
	// MappingConfigMap is the well-known name of the tier-to-group mapping
	MappingConfigMap = "tier-to-group-mapping"

	// MappingKey is the ConfigMap data key holding the YAML tier list
	MappingKey = "tiers"

	// DefaultTier is used for every group when the mapping is not provisioned
	DefaultTier = "free"
)

// Tier represents a subscription tier with associated user groups
type Tier struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Level       int      `json:"level,omitempty"`
	Groups      []string `json:"groups"`

	// ModelAccess lists the model IDs the tier may see. Empty means all.
	ModelAccess []string `json:"model_access,omitempty"`
}

// CanAccessModel reports whether the tier is entitled to the given model
func (t *Tier) CanAccessModel(modelID string) bool {
	if len(t.ModelAccess) == 0 {
		return true
	}
	for _, m := range t.ModelAccess {
		if m == "*" || m == modelID {
			return true
		}
	}
	return false
}

// GroupNotFoundError indicates that a group was not found in any tier
type GroupNotFoundError struct {
	Group string
}

func (e *GroupNotFoundError) Error() string {
	return fmt.Sprintf("group %s not found in any tier", e.Group)
}

// LookupRequest is the optional JSON body of a tier lookup
type LookupRequest struct {
	Group string `json:"group"`
}

// LookupResponse represents the response for tier lookup
type LookupResponse struct {
	Group string `json:"group"`
	Tier  string `json:"tier"`
}
