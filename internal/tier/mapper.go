package tier

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	corev1typed "k8s.io/client-go/kubernetes/typed/core/v1"
	"sigs.k8s.io/yaml"

	"github.com/efortin/maas-api/internal/metrics"
)

// errMappingAbsent marks the "mapping not provisioned" case internally
var errMappingAbsent = errors.New("tier mapping not provisioned")

// Mapper handles tier-to-group mapping lookups.
//
// The mapping is read from the cluster on every call so edits take effect
// immediately; nothing is cached between calls.
type Mapper struct {
	configMaps   corev1typed.ConfigMapInterface
	mappingName  string
	instanceName string
	log          *zap.Logger
}

// NewMapper creates a mapper reading the mapping ConfigMap from namespace
func NewMapper(clientset kubernetes.Interface, instanceName, namespace, mappingName string, log *zap.Logger) *Mapper {
	if mappingName == "" {
		mappingName = MappingConfigMap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mapper{
		configMaps:   clientset.CoreV1().ConfigMaps(namespace),
		mappingName:  mappingName,
		instanceName: instanceName,
		log:          log.Named("tier"),
	}
}

// ResolveTier returns the name of the first tier containing group
func (m *Mapper) ResolveTier(ctx context.Context, group string) (string, error) {
	tiers, err := m.load(ctx)
	if errors.Is(err, errMappingAbsent) {
		m.log.Warn("tier mapping not found, using default tier",
			zap.String("configMap", m.mappingName),
			zap.String("group", group),
			zap.String("tier", DefaultTier),
		)
		metrics.TierLookupsTotal.WithLabelValues("default").Inc()
		return DefaultTier, nil
	}
	if err != nil {
		metrics.TierLookupsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	for _, t := range tiers {
		if slices.Contains(t.Groups, group) {
			metrics.TierLookupsTotal.WithLabelValues("found").Inc()
			return t.Name, nil
		}
	}

	metrics.TierLookupsTotal.WithLabelValues("not_found").Inc()
	return "", &GroupNotFoundError{Group: group}
}

// GetTierForGroups resolves the tier of a caller belonging to groups.
// When groups map to several tiers the highest level wins; on equal level the
// tier listed first in the mapping wins.
func (m *Mapper) GetTierForGroups(ctx context.Context, groups ...string) (*Tier, error) {
	if len(groups) == 0 {
		return nil, &GroupNotFoundError{Group: "<none>"}
	}

	tiers, err := m.load(ctx)
	if errors.Is(err, errMappingAbsent) {
		m.log.Warn("tier mapping not found, using default tier",
			zap.String("configMap", m.mappingName),
			zap.Strings("groups", groups),
		)
		metrics.TierLookupsTotal.WithLabelValues("default").Inc()
		return &Tier{Name: DefaultTier}, nil
	}
	if err != nil {
		metrics.TierLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if !slices.ContainsFunc(groups, func(g string) bool { return slices.Contains(t.Groups, g) }) {
			continue
		}
		if best == nil || t.Level > best.Level {
			best = t
		}
	}

	if best == nil {
		metrics.TierLookupsTotal.WithLabelValues("not_found").Inc()
		return nil, &GroupNotFoundError{Group: strings.Join(groups, ",")}
	}

	metrics.TierLookupsTotal.WithLabelValues("found").Inc()
	return best, nil
}

// Namespace returns the namespace holding the service identities of a tier
func (m *Mapper) Namespace(tierName string) string {
	return fmt.Sprintf("%s-tier-%s", m.instanceName, tierName)
}

func (m *Mapper) load(ctx context.Context) ([]Tier, error) {
	cm, err := m.configMaps.Get(ctx, m.mappingName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errMappingAbsent
		}
		return nil, fmt.Errorf("failed to load tier configuration: %w", err)
	}

	data, exists := cm.Data[MappingKey]
	if !exists {
		return nil, fmt.Errorf("key %q not found in ConfigMap %s", MappingKey, m.mappingName)
	}

	tiers, err := Parse([]byte(data))
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

// Parse decodes the YAML tier list stored in the mapping ConfigMap
func Parse(data []byte) ([]Tier, error) {
	var tiers []Tier
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse tier configuration: %w", err)
	}
	for i, t := range tiers {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("failed to parse tier configuration: tier #%d has no name", i)
		}
	}
	return tiers, nil
}
