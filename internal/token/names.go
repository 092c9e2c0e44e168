package token

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const maxNameLength = 63

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)
	repeatedDashes   = regexp.MustCompile(`-+`)
)

// ServiceAccountName maps a username (OIDC email, LDAP DN, ...) onto a valid
// DNS-1123 label. A short hash of the raw username keeps distinct users apart
// after sanitization.
func ServiceAccountName(username string) (string, error) {
	name := strings.ToLower(username)
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = repeatedDashes.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "", fmt.Errorf("invalid username %q", username)
	}

	sum := sha1.Sum([]byte(username))
	suffix := hex.EncodeToString(sum[:])[:8]

	if baseMax := maxNameLength - 1 - len(suffix); len(name) > baseMax {
		name = strings.Trim(name[:baseMax], "-")
	}
	return name + "-" + suffix, nil
}

// extractJTI reads the jti claim without verifying the signature. The token
// was just minted or reviewed by the API server, which owns the key.
func extractJTI(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("failed to parse token claims: %w", err)
	}
	jti, _ := claims["jti"].(string)
	return jti, nil
}

func namespaceLabels(instance, tierName string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/component":  "token-issuer",
		"app.kubernetes.io/part-of":    "maas-api",
		"maas.opendatahub.io/instance": instance,
		"maas.opendatahub.io/tier":     tierName,
	}
}

func serviceAccountLabels(instance, tierName string) map[string]string {
	labels := namespaceLabels(instance, tierName)
	labels["app.kubernetes.io/component"] = "token-issuer-identity"
	return labels
}
