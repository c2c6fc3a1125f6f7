package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FieldVisibility controls which stored fields of a node type survive
// masking. Patterns are exact names, the glob "*", or dot-path
// prefixes "foo.*" meaning the whole subtree.
type FieldVisibility struct {
	VisibleFields    []string `json:"visible_fields"`
	RationaleVisible bool     `json:"rationale_visible"`
}

// RoleProfile is a role's on-disk policy definition
// (role-<slug>.json under $POLICY_DIR).
type RoleProfile struct {
	Role               string                     `json:"role"`
	Namespaces         []string                   `json:"namespaces"`
	DomainScopes       []string                   `json:"domain_scopes"`
	EdgeAllowlist      []string                   `json:"edge_allowlist"`
	SensitivityCeiling string                     `json:"sensitivity_ceiling"`
	AliasMaxHops       int                        `json:"alias_max_hops,omitempty"`
	ExtraVisible       bool                       `json:"extra_visible"`
	FieldVisibility    map[string]FieldVisibility `json:"field_visibility"`
}

// Registry loads and caches role profiles from a directory.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]*RoleProfile
}

// NewRegistry creates a registry over the given policy directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, profiles: make(map[string]*RoleProfile)}
}

// LoadAll reads every role-*.json file from the directory.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", r.dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "role-") || filepath.Ext(name) != ".json" {
			continue
		}
		if err := r.LoadFile(filepath.Join(r.dir, name)); err != nil {
			return fmt.Errorf("policy: load %s: %w", name, err)
		}
	}
	return nil
}

// LoadFile loads a single role profile.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var profile RoleProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	if profile.Role == "" {
		base := filepath.Base(path)
		profile.Role = strings.TrimSuffix(strings.TrimPrefix(base, "role-"), ".json")
	}
	r.mu.Lock()
	r.profiles[profile.Role] = &profile
	r.mu.Unlock()
	return nil
}

// Register installs a profile directly. Used by tests and embedded defaults.
func (r *Registry) Register(profile *RoleProfile) {
	r.mu.Lock()
	r.profiles[profile.Role] = profile
	r.mu.Unlock()
}

// Lookup returns the profile for a role, or false if unknown.
func (r *Registry) Lookup(role string) (*RoleProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[role]
	return p, ok
}
