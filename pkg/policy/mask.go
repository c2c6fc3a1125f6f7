package policy

import (
	"strings"

	"github.com/batvault/batvault/pkg/ids"
)

// Wire-contract minimums are never stripped, whatever the profile says.
var alwaysVisible = map[string]bool{
	"id":     true,
	"type":   true,
	"domain": true,
}

// MaskItem records one removed field for the mask summary.
// Values are never included.
type MaskItem struct {
	Field      string `json:"field"`
	ReasonCode string `json:"reason_code"`
	RuleID     string `json:"rule_id"`
}

// MaskSummary is the structured account of what masking removed.
type MaskSummary struct {
	TotalRemoved int        `json:"total_removed"`
	Items        []MaskItem `json:"items"`
}

// FieldMask returns the node reduced to the fields the effective policy
// allows for the node's type. The id is normalised to wire-anchor form.
func FieldMask(node map[string]any, eff *Effective) map[string]any {
	masked, _ := FieldMaskWithSummary(node, eff)
	return masked
}

// FieldMaskWithSummary masks the node and reports removed fields.
func FieldMaskWithSummary(node map[string]any, eff *Effective) (map[string]any, *MaskSummary) {
	nodeType, _ := node["type"].(string)
	fv := eff.FieldVisibility[nodeType]
	ruleID := "fv:" + strings.ToLower(nodeType)
	summary := &MaskSummary{Items: []MaskItem{}}

	masked := make(map[string]any, len(node))
	for key, value := range node {
		switch {
		case key == "id":
			masked["id"] = normalizeWireID(value)
		case alwaysVisible[key]:
			masked[key] = value
		case key == "x-extra":
			extra := maskExtra(value, eff)
			if extra != nil {
				masked["x-extra"] = extra
			} else {
				summary.Items = append(summary.Items, MaskItem{
					Field: key, ReasonCode: "extra_not_visible", RuleID: "extra:" + eff.Role,
				})
			}
		default:
			if kept, filtered := applyVisibility(key, value, fv.VisibleFields); kept {
				masked[key] = filtered
			} else {
				summary.Items = append(summary.Items, MaskItem{
					Field: key, ReasonCode: "field_not_visible", RuleID: ruleID,
				})
			}
		}
	}
	summary.TotalRemoved = len(summary.Items)
	return masked, summary
}

// applyVisibility decides whether a top-level key survives and, for
// dot-path rules naming nested members only, filters the subtree.
func applyVisibility(key string, value any, patterns []string) (bool, any) {
	var nested []string
	for _, p := range patterns {
		switch {
		case p == "*" || p == key || p == key+".*":
			return true, value
		case strings.HasPrefix(p, key+"."):
			nested = append(nested, strings.TrimPrefix(p, key+"."))
		}
	}
	if len(nested) == 0 {
		return false, nil
	}
	sub, ok := value.(map[string]any)
	if !ok {
		// Dot-path rule against a scalar: the rule names a subtree that
		// does not exist, so nothing is visible.
		return false, nil
	}
	return true, filterByPaths(sub, nested)
}

// maskExtra applies extra_visible and the optional X-Extra-Allow
// dot-path narrowing to the x-extra subtree. nil means "drop the key".
func maskExtra(value any, eff *Effective) any {
	if !eff.ExtraVisible {
		return nil
	}
	if len(eff.ExtraAllow) == 0 {
		return value
	}
	sub, ok := value.(map[string]any)
	if !ok {
		return value
	}
	return filterByPaths(sub, eff.ExtraAllow)
}

// filterByPaths keeps only members of obj selected by dot paths.
// "a" or "a.*" keeps the whole member; "a.b" recurses.
func filterByPaths(obj map[string]any, paths []string) map[string]any {
	out := make(map[string]any)
	for key, value := range obj {
		var nested []string
		keep := false
		for _, p := range paths {
			switch {
			case p == "*" || p == key || p == key+".*":
				keep = true
			case strings.HasPrefix(p, key+"."):
				nested = append(nested, strings.TrimPrefix(p, key+"."))
			}
		}
		switch {
		case keep:
			out[key] = value
		case len(nested) > 0:
			if sub, ok := value.(map[string]any); ok {
				out[key] = filterByPaths(sub, nested)
			}
		}
	}
	return out
}

// normalizeWireID converts storage-keyed ids back to wire anchors.
func normalizeWireID(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if ids.IsAnchor(s) {
		return s
	}
	if anchor, err := ids.StorageKeyToAnchor(s); err == nil {
		return anchor
	}
	return s
}
