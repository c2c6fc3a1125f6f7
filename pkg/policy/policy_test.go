package policy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderUserID, "u-1")
	h.Set(HeaderUserRoles, "analyst,viewer")
	h.Set(HeaderPolicyVersion, "2026-08")
	h.Set(HeaderPolicyKey, "pk-1")
	h.Set(HeaderRequestID, "req-1")
	h.Set(HeaderTraceID, "trace-1")
	return h
}

func analystProfile() *RoleProfile {
	return &RoleProfile{
		Role:               "analyst",
		Namespaces:         []string{"corp", "eng"},
		DomainScopes:       []string{"eng/*", "hr"},
		EdgeAllowlist:      []string{"LED_TO", "CAUSAL", "ALIAS_OF"},
		SensitivityCeiling: "medium",
		FieldVisibility: map[string]FieldVisibility{
			"DECISION": {VisibleFields: []string{"title", "rationale", "timestamp", "decision_maker", "tags"}},
			"EVENT":    {VisibleFields: []string{"title", "summary", "timestamp", "snippet"}},
		},
	}
}

func testRegistry() *Registry {
	reg := NewRegistry("")
	reg.Register(analystProfile())
	return reg
}

func TestParseHeaders_RequiredAndOptional(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	assert.Equal(t, "analyst", rc.ActiveRole())
	assert.Equal(t, []string{"analyst", "viewer"}, rc.Roles)
	assert.Equal(t, http.StatusForbidden, rc.DeniedStatusOrDefault())

	for _, name := range []string{HeaderUserID, HeaderUserRoles, HeaderPolicyVersion, HeaderPolicyKey, HeaderRequestID, HeaderTraceID} {
		h := baseHeaders()
		h.Del(name)
		_, err := ParseHeaders(h)
		var herr *HeaderError
		require.ErrorAs(t, err, &herr, name)
		assert.Equal(t, name, herr.Header)
	}

	h := baseHeaders()
	h.Set(HeaderMaxHops, "-1")
	_, err = ParseHeaders(h)
	assert.Error(t, err)

	h = baseHeaders()
	h.Set(HeaderDeniedStatus, "500")
	_, err = ParseHeaders(h)
	assert.Error(t, err)

	h = baseHeaders()
	h.Set(HeaderDeniedStatus, "404")
	rc, err = ParseHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rc.DeniedStatusOrDefault())
}

func TestDerive_IntersectsWithProfile(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	rc.DomainScopes = []string{"hr", "finance"} // finance is not in the profile
	rc.EdgeAllow = []string{"LED_TO"}
	rc.SensitivityCeiling = "low"

	eff, err := Derive(rc, testRegistry(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hr"}, eff.DomainScopes)
	assert.Equal(t, []string{"LED_TO"}, eff.EdgeAllowlist)
	assert.Equal(t, "low", eff.SensitivityCeiling)
	assert.Equal(t, 1, eff.MaxHops)
	assert.Regexp(t, "^sha256:[0-9a-f]{64}$", eff.Fingerprint())
}

func TestDerive_UnknownRoleFailsClosed(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	rc.Roles = []string{"intruder"}

	_, err = Derive(rc, testRegistry(), nil)
	var unknown *ErrUnknownRole
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "intruder", unknown.Role)
}

func TestDerive_FingerprintIsOrderInsensitive(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	a, err := Derive(rc, testRegistry(), nil)
	require.NoError(t, err)

	shuffled := analystProfile()
	shuffled.DomainScopes = []string{"hr", "eng/*"}
	shuffled.EdgeAllowlist = []string{"ALIAS_OF", "CAUSAL", "LED_TO"}
	reg := NewRegistry("")
	reg.Register(shuffled)
	b, err := Derive(rc, reg, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestDomainInScope(t *testing.T) {
	eff := &Effective{DomainScopes: []string{"eng/*", "hr"}}
	assert.True(t, eff.DomainInScope("eng"))
	assert.True(t, eff.DomainInScope("eng/platform"))
	assert.True(t, eff.DomainInScope("hr"))
	assert.False(t, eff.DomainInScope("hr/payroll"))
	assert.False(t, eff.DomainInScope("finance"))

	assert.True(t, (&Effective{DomainScopes: []string{"*"}}).DomainInScope("anything"))
	assert.False(t, (&Effective{}).DomainInScope("eng"))
}

func TestACLCheck(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	rc.Namespaces = []string{"corp"}
	eff, err := Derive(rc, testRegistry(), nil)
	require.NoError(t, err)

	node := map[string]any{
		"id": "eng#d-1", "type": "DECISION", "domain": "eng",
		"sensitivity": "medium",
	}
	ok, reason := ACLCheck(node, eff)
	assert.True(t, ok, reason)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		reason string
	}{
		{"nil node", nil, ReasonInvalidNode},
		{"missing domain", func(n map[string]any) { delete(n, "domain") }, ReasonInvalidNode},
		{"role not listed", func(n map[string]any) { n["roles_allowed"] = []any{"admin"} }, ReasonRoleMissing},
		{"namespace mismatch", func(n map[string]any) { n["namespaces"] = []any{"legal"} }, ReasonNamespaceMismatch},
		{"sensitivity above ceiling", func(n map[string]any) { n["sensitivity"] = "high" }, ReasonSensitivityExceeded},
		{"unknown sensitivity level", func(n map[string]any) { n["sensitivity"] = "extreme" }, ReasonSensitivityExceeded},
		{"domain out of scope", func(n map[string]any) { n["domain"] = "finance" }, ReasonDomainOutOfScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var n map[string]any
			if tc.mutate != nil {
				n = map[string]any{
					"id": "eng#d-1", "type": "DECISION", "domain": "eng",
					"sensitivity": "medium",
				}
				tc.mutate(n)
			}
			ok, reason := ACLCheck(n, eff)
			assert.False(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestFieldMaskWithSummary(t *testing.T) {
	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	eff, err := Derive(rc, testRegistry(), nil)
	require.NoError(t, err)

	node := map[string]any{
		"id":             "eng_d-1",
		"type":           "DECISION",
		"domain":         "eng",
		"title":          "Adopt service mesh",
		"rationale":      "latency",
		"internal_notes": "do not share",
		"x-extra":        map[string]any{"jira": "ENG-42"},
	}
	masked, summary := FieldMaskWithSummary(node, eff)

	assert.Equal(t, "eng#d-1", masked["id"], "storage key comes back as wire anchor")
	assert.Equal(t, "Adopt service mesh", masked["title"])
	assert.NotContains(t, masked, "internal_notes")
	assert.NotContains(t, masked, "x-extra", "profile has extra_visible=false")

	assert.Equal(t, 2, summary.TotalRemoved)
	fields := []string{summary.Items[0].Field, summary.Items[1].Field}
	assert.ElementsMatch(t, []string{"internal_notes", "x-extra"}, fields)
}

func TestFieldMask_ExtraAllowNarrowing(t *testing.T) {
	profile := analystProfile()
	profile.ExtraVisible = true
	reg := NewRegistry("")
	reg.Register(profile)

	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	rc.ExtraAllow = []string{"jira"}
	eff, err := Derive(rc, reg, nil)
	require.NoError(t, err)

	node := map[string]any{
		"id": "eng#d-1", "type": "DECISION", "domain": "eng",
		"x-extra": map[string]any{"jira": "ENG-42", "slack": "#eng"},
	}
	masked := FieldMask(node, eff)
	extra, ok := masked["x-extra"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"jira": "ENG-42"}, extra)
}

func TestFieldMask_DotPathOnScalarDrops(t *testing.T) {
	profile := analystProfile()
	profile.FieldVisibility["DECISION"] = FieldVisibility{VisibleFields: []string{"meta.owner"}}
	reg := NewRegistry("")
	reg.Register(profile)

	rc, err := ParseHeaders(baseHeaders())
	require.NoError(t, err)
	eff, err := Derive(rc, reg, nil)
	require.NoError(t, err)

	node := map[string]any{
		"id": "eng#d-1", "type": "DECISION", "domain": "eng",
		"meta": "just a string",
	}
	masked := FieldMask(node, eff)
	assert.NotContains(t, masked, "meta")
}
