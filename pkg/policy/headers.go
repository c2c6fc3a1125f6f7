// Package policy implements BatVault's fail-closed policy engine:
// header parsing, role-profile loading, effective-policy derivation,
// ACL checks and field masking.
package policy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Canonical header names. Input parsing is case-insensitive
// (http.Header canonicalises); these are the output casings.
const (
	HeaderUserID             = "X-User-Id"
	HeaderUserRoles          = "X-User-Roles"
	HeaderUserNamespaces     = "X-User-Namespaces"
	HeaderPolicyVersion      = "X-Policy-Version"
	HeaderPolicyKey          = "X-Policy-Key"
	HeaderRequestID          = "X-Request-Id"
	HeaderTraceID            = "X-Trace-Id"
	HeaderDomainScopes       = "X-Domain-Scopes"
	HeaderEdgeAllow          = "X-Edge-Allow"
	HeaderMaxHops            = "X-Max-Hops"
	HeaderSensitivityCeiling = "X-Sensitivity-Ceiling"
	HeaderExtraAllow         = "X-Extra-Allow"
	HeaderOrgID              = "X-Org-Id"
	HeaderTenantID           = "X-Tenant-Id"
	HeaderDeniedStatus       = "X-Denied-Status"
	HeaderSnapshotETag       = "X-Snapshot-ETag"
	HeaderPolicyAdvice       = "X-Policy-Advice"

	HeaderPolicyFingerprint = "X-BV-Policy-Fingerprint"
	HeaderAllowedIDsFP      = "X-BV-Allowed-Ids-FP"
	HeaderGraphFP           = "X-BV-Graph-FP"
	HeaderSchemaFP          = "X-BV-Schema-FP"
	HeaderPolicyEngineFP    = "X-BV-Policy-Engine-FP"
)

// HeaderError reports missing or malformed policy headers. Handlers
// convert it to a 400 policy_error before any storage access.
type HeaderError struct {
	Header string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("policy: header %s: %s", e.Header, e.Reason)
}

// RequestContext carries everything the caller asserted via headers.
type RequestContext struct {
	UserID        string
	Roles         []string // first token is the active role
	PolicyVersion string
	PolicyKey     string
	RequestID     string
	TraceID       string

	Namespaces         []string // optional narrowing
	DomainScopes       []string
	EdgeAllow          []string
	MaxHops            *int
	SensitivityCeiling string
	ExtraAllow         []string
	OrgID              string
	TenantID           string
	DeniedStatus       int // 0 means default (403)
}

// ActiveRole returns the first role token.
func (rc *RequestContext) ActiveRole() string {
	if len(rc.Roles) == 0 {
		return ""
	}
	return rc.Roles[0]
}

var requiredHeaders = []string{
	HeaderUserID, HeaderUserRoles, HeaderPolicyVersion,
	HeaderPolicyKey, HeaderRequestID, HeaderTraceID,
}

// ParseHeaders validates required headers and extracts the request
// context. Fail-closed: any missing required header is an error.
func ParseHeaders(h http.Header) (*RequestContext, error) {
	for _, name := range requiredHeaders {
		if strings.TrimSpace(h.Get(name)) == "" {
			return nil, &HeaderError{Header: name, Reason: "required header missing"}
		}
	}

	rc := &RequestContext{
		UserID:             strings.TrimSpace(h.Get(HeaderUserID)),
		Roles:              splitList(h.Get(HeaderUserRoles)),
		PolicyVersion:      strings.TrimSpace(h.Get(HeaderPolicyVersion)),
		PolicyKey:          strings.TrimSpace(h.Get(HeaderPolicyKey)),
		RequestID:          strings.TrimSpace(h.Get(HeaderRequestID)),
		TraceID:            strings.TrimSpace(h.Get(HeaderTraceID)),
		Namespaces:         splitList(h.Get(HeaderUserNamespaces)),
		DomainScopes:       splitList(h.Get(HeaderDomainScopes)),
		EdgeAllow:          splitList(h.Get(HeaderEdgeAllow)),
		SensitivityCeiling: strings.TrimSpace(h.Get(HeaderSensitivityCeiling)),
		ExtraAllow:         splitList(h.Get(HeaderExtraAllow)),
		OrgID:              strings.TrimSpace(h.Get(HeaderOrgID)),
		TenantID:           strings.TrimSpace(h.Get(HeaderTenantID)),
	}
	if len(rc.Roles) == 0 {
		return nil, &HeaderError{Header: HeaderUserRoles, Reason: "no role tokens"}
	}

	if raw := strings.TrimSpace(h.Get(HeaderMaxHops)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, &HeaderError{Header: HeaderMaxHops, Reason: "must be a non-negative integer"}
		}
		rc.MaxHops = &n
	}
	if raw := strings.TrimSpace(h.Get(HeaderDeniedStatus)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || (n != http.StatusForbidden && n != http.StatusNotFound) {
			return nil, &HeaderError{Header: HeaderDeniedStatus, Reason: "must be 403 or 404"}
		}
		rc.DeniedStatus = n
	}
	return rc, nil
}

// DeniedStatusOrDefault resolves the status used for policy denials.
func (rc *RequestContext) DeniedStatusOrDefault() int {
	if rc.DeniedStatus != 0 {
		return rc.DeniedStatus
	}
	return http.StatusForbidden
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
