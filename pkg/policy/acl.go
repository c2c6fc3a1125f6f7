package policy

import "strings"

// Denial reasons. Surfaced as "acl:<reason>" in error envelopes.
const (
	ReasonRoleMissing         = "role_missing"
	ReasonNamespaceMismatch   = "namespace_mismatch"
	ReasonSensitivityExceeded = "sensitivity_exceeded"
	ReasonDomainOutOfScope    = "domain_out_of_scope"
	ReasonInvalidNode         = "invalid_node"
	ReasonRequestedOutOfScope = "requested_ids_out_of_scope"
)

// ACLCheck decides whether the effective policy may read the node.
// Fail-closed: malformed nodes and any mismatch deny.
func ACLCheck(node map[string]any, eff *Effective) (bool, string) {
	if node == nil {
		return false, ReasonInvalidNode
	}
	domain, _ := node["domain"].(string)
	if domain == "" {
		return false, ReasonInvalidNode
	}

	// roles_allowed: when present, the active role must be listed.
	if raw, ok := node["roles_allowed"]; ok {
		roles := toStringSlice(raw)
		if len(roles) > 0 && !contains(roles, eff.Role) {
			return false, ReasonRoleMissing
		}
	}

	// namespaces: when present on the node, at least one must be held.
	if raw, ok := node["namespaces"]; ok {
		nodeNS := toStringSlice(raw)
		if len(nodeNS) > 0 && !anyOverlap(nodeNS, eff.Namespaces) {
			return false, ReasonNamespaceMismatch
		}
	}

	// sensitivity: node level must not exceed the ceiling.
	if raw, ok := node["sensitivity"]; ok {
		level, _ := raw.(string)
		level = strings.ToLower(strings.TrimSpace(level))
		if level != "" {
			nodeRank := SensitivityRank(eff.SensitivityOrder, level)
			ceilRank := SensitivityRank(eff.SensitivityOrder, eff.SensitivityCeiling)
			if nodeRank < 0 || nodeRank > ceilRank {
				return false, ReasonSensitivityExceeded
			}
		}
	}

	if !eff.DomainInScope(domain) {
		return false, ReasonDomainOutOfScope
	}
	return true, ""
}

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func anyOverlap(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}
