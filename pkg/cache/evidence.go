package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/batvault/batvault/pkg/canonjson"
)

// DefaultEvidenceTTL is the bundle cache lifetime.
const DefaultEvidenceTTL = 15 * time.Minute

// EvidenceKeyBasis identifies one cached evidence bundle. The composite
// key is derived from its canonical fingerprint, so any change in
// snapshot, intent, scope or truncation yields a distinct entry.
type EvidenceKeyBasis struct {
	DecisionID   string `json:"decision_id"`
	Intent       string `json:"intent"`
	GraphScope   string `json:"graph_scope"`
	SnapshotETag string `json:"snapshot_etag"`
	Truncated    bool   `json:"truncation_flag"`
}

// AliasKey is the stable per-anchor pointer to the latest composite.
func AliasKey(anchorID string) string {
	return "evidence:" + anchorID + ":latest"
}

// CompositeKey derives the content-addressed bundle key.
func CompositeKey(basis EvidenceKeyBasis) string {
	fp, err := canonjson.Fingerprint(basis)
	if err != nil {
		fp = "sha256:invalid"
	}
	return "evidence:" + fp
}

// GetEvidence follows alias → composite → body. Decode failures and
// dangling aliases are misses.
func (c *Cache) GetEvidence(ctx context.Context, anchorID string, out any) (bool, error) {
	if c.rdb == nil {
		return false, nil
	}
	composite, err := c.rdb.Get(ctx, AliasKey(anchorID)).Result()
	if err != nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, composite).Bytes()
	if err != nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

// PutEvidence stores the bundle under the two-key pattern: composite
// first, alias last, both with the same TTL. Skipped when the snapshot
// is unknown.
func (c *Cache) PutEvidence(ctx context.Context, basis EvidenceKeyBasis, bundle any, ttl time.Duration) error {
	if c.rdb == nil || basis.SnapshotETag == ETagUnknown || basis.SnapshotETag == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultEvidenceTTL
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("cache: encode evidence bundle: %w", err)
	}
	composite := CompositeKey(basis)
	if err := c.rdb.Set(ctx, composite, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set composite %s: %w", composite, err)
	}
	if err := c.rdb.Set(ctx, AliasKey(basis.DecisionID), composite, ttl).Err(); err != nil {
		slog.Warn("evidence alias write failed", "anchor", basis.DecisionID, "error", err)
	}
	return nil
}
