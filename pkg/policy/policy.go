package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/batvault/batvault/pkg/canonjson"
)

// DefaultSensitivityOrder is the ascending sensitivity scale. It can be
// overridden via SENSITIVITY_ORDER.
var DefaultSensitivityOrder = []string{"low", "medium", "high"}

// SensitivityRank returns the position of level in order, or -1.
func SensitivityRank(order []string, level string) int {
	for i, l := range order {
		if l == level {
			return i
		}
	}
	return -1
}

// Effective is the policy actually enforced for a request: the role
// profile narrowed by whatever the headers asked for.
type Effective struct {
	Role               string
	Namespaces         []string
	DomainScopes       []string
	EdgeAllowlist      []string
	SensitivityCeiling string
	MaxHops            int
	PolicyVersion      string
	ExtraVisible       bool
	ExtraAllow         []string // header-requested x-extra dot paths
	FieldVisibility    map[string]FieldVisibility
	SensitivityOrder   []string

	fingerprint string
}

// ErrUnknownRole is returned when the active role has no profile.
type ErrUnknownRole struct{ Role string }

func (e *ErrUnknownRole) Error() string { return fmt.Sprintf("policy: unknown_role %q", e.Role) }

// Derive computes the effective policy for a request context against
// the registry. Header-requested sets intersect with the role's sets;
// the sensitivity ceiling is the minimum of the two; max_hops clamps
// to 1.
func Derive(rc *RequestContext, reg *Registry, sensitivityOrder []string) (*Effective, error) {
	if len(sensitivityOrder) == 0 {
		sensitivityOrder = DefaultSensitivityOrder
	}
	role := rc.ActiveRole()
	profile, ok := reg.Lookup(role)
	if !ok {
		return nil, &ErrUnknownRole{Role: role}
	}

	eff := &Effective{
		Role:               role,
		Namespaces:         intersectOrRole(rc.Namespaces, profile.Namespaces),
		DomainScopes:       intersectOrRole(rc.DomainScopes, profile.DomainScopes),
		EdgeAllowlist:      intersectOrRole(rc.EdgeAllow, profile.EdgeAllowlist),
		SensitivityCeiling: minSensitivity(sensitivityOrder, rc.SensitivityCeiling, profile.SensitivityCeiling),
		MaxHops:            1,
		PolicyVersion:      rc.PolicyVersion,
		ExtraVisible:       profile.ExtraVisible,
		ExtraAllow:         sortedCopy(rc.ExtraAllow),
		FieldVisibility:    profile.FieldVisibility,
		SensitivityOrder:   sensitivityOrder,
	}
	if rc.MaxHops != nil && *rc.MaxHops < eff.MaxHops {
		eff.MaxHops = *rc.MaxHops
	}

	fp, err := eff.computeFingerprint()
	if err != nil {
		return nil, err
	}
	eff.fingerprint = fp
	return eff, nil
}

// Fingerprint returns the sha256: fingerprint of the canonical policy basis.
func (e *Effective) Fingerprint() string { return e.fingerprint }

// Basis returns the canonical policy basis used for the fingerprint.
func (e *Effective) Basis() (map[string]any, error) {
	fvHash, err := canonjson.Fingerprint(e.FieldVisibility)
	if err != nil {
		return nil, fmt.Errorf("policy: field visibility hash: %w", err)
	}
	return map[string]any{
		"role":           e.Role,
		"namespaces":     sortedCopy(e.Namespaces),
		"scopes":         sortedCopy(e.DomainScopes),
		"edge_allowlist": sortedCopy(e.EdgeAllowlist),
		"sensitivity":    e.SensitivityCeiling,
		"max_hops":       e.MaxHops,
		"policy_version": e.PolicyVersion,
		"extra_visible":  e.ExtraVisible,
		"fv_hash":        fvHash,
	}, nil
}

func (e *Effective) computeFingerprint() (string, error) {
	basis, err := e.Basis()
	if err != nil {
		return "", err
	}
	return canonjson.Fingerprint(basis)
}

// EdgeAllowed reports whether an edge type passes the allowlist.
// An empty allowlist denies everything (fail-closed).
func (e *Effective) EdgeAllowed(edgeType string) bool {
	for _, t := range e.EdgeAllowlist {
		if t == edgeType {
			return true
		}
	}
	return false
}

// DomainInScope matches a domain against the scope patterns.
// Patterns are exact domains or prefix globs like "eng/*" ("eng" itself
// matches "eng/*" as the root of the subtree).
func (e *Effective) DomainInScope(domain string) bool {
	for _, scope := range e.DomainScopes {
		if scope == "*" || scope == domain {
			return true
		}
		if strings.HasSuffix(scope, "/*") {
			root := strings.TrimSuffix(scope, "/*")
			if domain == root || strings.HasPrefix(domain, root+"/") {
				return true
			}
		}
	}
	return false
}

func intersectOrRole(requested, role []string) []string {
	if len(requested) == 0 {
		return sortedCopy(role)
	}
	set := make(map[string]bool, len(role))
	for _, v := range role {
		set[v] = true
	}
	var out []string
	for _, v := range requested {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func minSensitivity(order []string, requested, role string) string {
	if role == "" {
		role = order[0]
	}
	if requested == "" {
		return role
	}
	rr := SensitivityRank(order, requested)
	pr := SensitivityRank(order, role)
	if rr < 0 {
		return role
	}
	if rr < pr {
		return requested
	}
	return role
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
