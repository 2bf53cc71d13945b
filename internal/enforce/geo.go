package enforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// GeoRestrictor is the constraint processor for the geo-restrict kind.
// The request origin comes from the caller-declared location, falling
// back to the security enricher's geolocation; a request with no known
// origin fails closed when any list is configured.
type GeoRestrictor struct{}

// NewGeoRestrictor creates the processor.
func NewGeoRestrictor() *GeoRestrictor { return &GeoRestrictor{} }

func (g *GeoRestrictor) Prefixes() []string { return []string{decision.ConstraintGeoRestrict} }

// Apply checks the origin country against allow/block lists and the
// optional requireVPN flag. The payload passes through untouched.
func (g *GeoRestrictor) Apply(_ context.Context, spec decision.ConstraintSpec, payload map[string]any, dctx *decision.Context) (map[string]any, error) {
	allow := countrySet(spec.Params, "allow")
	block := countrySet(spec.Params, "block")

	origin := strings.ToUpper(dctx.Location)
	if origin == "" {
		if v, ok := dctx.Attribute("security", "geoLocation"); ok {
			origin, _ = v.(string)
			origin = strings.ToUpper(origin)
		}
	}

	if origin == "" && (len(allow) > 0 || len(block) > 0) {
		return nil, fmt.Errorf("request origin unknown")
	}
	if len(block) > 0 && block[origin] {
		return nil, fmt.Errorf("origin %s is blocked", origin)
	}
	if len(allow) > 0 && !allow[origin] {
		return nil, fmt.Errorf("origin %s is not in the allowed regions", origin)
	}

	if requireVPN, _ := spec.Params["requireVPN"].(bool); requireVPN {
		vpn, _ := dctx.Attribute("security", "vpn")
		if on, ok := vpn.(bool); !ok || !on {
			return nil, fmt.Errorf("vpn required but not detected")
		}
	}
	return payload, nil
}

func countrySet(params map[string]any, key string) map[string]bool {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	set := make(map[string]bool)
	switch t := raw.(type) {
	case []any:
		for _, c := range t {
			if s, ok := c.(string); ok {
				set[strings.ToUpper(s)] = true
			}
		}
	case []string:
		for _, s := range t {
			set[strings.ToUpper(s)] = true
		}
	}
	return set
}
