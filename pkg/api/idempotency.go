package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/batvault/pkg/canonjson"
)

// idempotencyTTL is how long a replayed response stays addressable.
const idempotencyTTL = 24 * time.Hour

// ErrScopeMismatch rejects a merge onto an idempotency key whose
// original request had a different scope fingerprint.
var ErrScopeMismatch = errors.New("api: idempotency scope mismatch")

// IdemRedisKey namespaces a raw idempotency key per service.
func IdemRedisKey(rawKey, service string) string {
	return fmt.Sprintf("bv:idem:v1:%s:%s", service, canonjson.EnsurePrefix(canonjson.HashBytes([]byte(rawKey))))
}

// ScopeBasis pins what a request was about; two requests may merge on
// one idempotency key only when their bases fingerprint identically.
type ScopeBasis struct {
	Method       string `json:"method"`
	PathTemplate string `json:"path_template"`
	Query        any    `json:"query"`
	Body         any    `json:"body"`
	SnapshotETag string `json:"snapshot_etag"`
	PolicyFP     string `json:"policy_fp"`
}

// RequestScopeFP fingerprints the canonical scope basis.
func RequestScopeFP(basis ScopeBasis) (string, error) {
	return canonjson.Fingerprint(basis)
}

type idemRecord struct {
	ScopeFP string          `json:"scope_fp"`
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
}

// IdempotencyStore replays previous responses for repeated keys.
type IdempotencyStore struct {
	rdb redis.UniversalClient
}

// NewIdempotencyStore wraps a Redis client; nil disables replay.
func NewIdempotencyStore(rdb redis.UniversalClient) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb}
}

// Check returns a previously stored response for the key. A stored
// record with a different scope fingerprint is a rejected merge.
func (s *IdempotencyStore) Check(ctx context.Context, key, scopeFP string) (int, []byte, bool, error) {
	if s.rdb == nil {
		return 0, nil, false, nil
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("api: idempotency get: %w", err)
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, nil, false, nil
	}
	if rec.ScopeFP != scopeFP {
		slog.Warn("idempotency key reused with different scope", "key", key)
		return 0, nil, false, ErrScopeMismatch
	}
	return rec.Status, rec.Body, true, nil
}

// Store records a successful response for replay.
func (s *IdempotencyStore) Store(ctx context.Context, key, scopeFP string, status int, body []byte) error {
	if s.rdb == nil || status < 200 || status > 299 {
		return nil
	}
	raw, err := json.Marshal(idemRecord{ScopeFP: scopeFP, Status: status, Body: body})
	if err != nil {
		return fmt.Errorf("api: idempotency encode: %w", err)
	}
	if err := s.rdb.Set(ctx, key, raw, idempotencyTTL).Err(); err != nil {
		return fmt.Errorf("api: idempotency set: %w", err)
	}
	return nil
}
