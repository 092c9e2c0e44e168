package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingUser is returned when no authenticated caller is attached to the request
	ErrMissingUser = errors.New("user context not found")

	// ErrIdentityUnavailable wraps failures of the cluster identity APIs
	ErrIdentityUnavailable = errors.New("identity service unavailable")
)

// UserContext contains user information extracted from a token
type UserContext struct {
	Username        string   `json:"username"`
	UID             string   `json:"uid"`
	Groups          []string `json:"groups"`
	JTI             string   `json:"jti,omitempty"`
	IsAuthenticated bool     `json:"is_authenticated"`
}

// Token is a freshly minted service account credential
type Token struct {
	Token      string   `json:"token"`
	Expiration Duration `json:"expiration"`
	ExpiresAt  int64    `json:"expiresAt"`
	JTI        string   `json:"jti,omitempty"`

	IssuedAt  int64  `json:"-"`
	Namespace string `json:"-"`
	Tier      string `json:"-"`
}

// Duration is a time.Duration that reads "4h"-style strings or a number of
// seconds from JSON, and writes the string form.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = fromSeconds(value)
		return nil
	case string:
		value = strings.TrimSpace(value)
		if value == "" {
			d.Duration = 0
			return nil
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err == nil || errors.Is(err, strconv.ErrRange) {
			// ParseInt returns the clamped bound on range errors.
			d.Duration = fromSeconds(float64(secs))
			return nil
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		d.Duration = parsed
		return nil
	case nil:
		d.Duration = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// ValidateExpiration checks a caller supplied lifetime. Zero means "use the
// default" and is accepted.
func ValidateExpiration(d, minimum time.Duration) error {
	if d < 0 {
		return errors.New("expiration must not be negative")
	}
	if d > 0 && d < minimum {
		return fmt.Errorf("expiration must be at least %s", minimum)
	}
	return nil
}

// fromSeconds saturates instead of wrapping, so oversized requests are
// capped by the token TTL limits rather than turning negative.
func fromSeconds(secs float64) time.Duration {
	limit := float64(math.MaxInt64) / float64(time.Second)
	switch {
	case secs >= limit:
		return time.Duration(math.MaxInt64)
	case secs <= -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(secs * float64(time.Second))
}
