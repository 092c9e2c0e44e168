package tier

import (
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// ParseSpec parses a tier given on the command line as
// name:level:group1,group2[@model1,model2].
// Group names may contain colons, e.g. system:authenticated.
func ParseSpec(spec string) (Tier, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return Tier{}, fmt.Errorf("invalid tier %q: expected name:level:groups[@models]", spec)
	}

	t := Tier{Name: strings.TrimSpace(parts[0])}
	if t.Name == "" {
		return Tier{}, fmt.Errorf("invalid tier %q: name is empty", spec)
	}
	level, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Tier{}, fmt.Errorf("invalid tier %q: level must be an integer", spec)
	}
	t.Level = level

	groups, models, _ := strings.Cut(parts[2], "@")
	t.Groups = splitList(groups)
	if len(t.Groups) == 0 {
		return Tier{}, fmt.Errorf("invalid tier %q: at least one group is required", spec)
	}
	t.ModelAccess = splitList(models)
	return t, nil
}

// Render generates the Kubernetes YAML for the tier mapping ConfigMap
func Render(namespace, name string, tiers []Tier) (string, error) {
	if name == "" {
		name = MappingConfigMap
	}

	seen := make(map[string]string)
	for _, t := range tiers {
		for _, g := range t.Groups {
			if owner, dup := seen[g]; dup {
				return "", fmt.Errorf("group %s is mapped to both %s and %s", g, owner, t.Name)
			}
			seen[g] = t.Name
		}
	}

	data, err := yaml.Marshal(tiers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tiers: %w", err)
	}

	cm := &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "ConfigMap",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app.kubernetes.io/component": "tier-mapping",
				"app.kubernetes.io/part-of":   "maas-api",
			},
		},
		Data: map[string]string{MappingKey: string(data)},
	}

	out, err := yaml.Marshal(cm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ConfigMap to YAML: %w", err)
	}

	return "---\n" + string(out), nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
