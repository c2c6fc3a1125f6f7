// Package canonjson provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 fingerprints for BatVault artifacts.
//
// Every fingerprint in the system (policy_fp, bundle_fp, prompt_fp,
// graph_fp, allowed_ids_fp) is computed over canonical bytes produced
// here, so semantically equal inputs always hash identically.
package canonjson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// Prefix is prepended to every hex digest emitted by this package.
const Prefix = "sha256:"

// Bytes returns the RFC 8785 canonical JSON representation of v:
// keys sorted lexicographically by UTF-8 bytes, compact separators,
// no HTML escaping, shortest round-trip number form.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonjson: transform: %w", err)
	}
	return out, nil
}

// String returns the canonical form as a string.
func String(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns "sha256:<64hex>" over the canonical bytes of v.
func Fingerprint(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return Prefix + HashBytes(b), nil
}

// EnsurePrefix normalises a bare hex digest to the "sha256:" wire form.
// Already-prefixed values pass through unchanged.
func EnsurePrefix(digest string) string {
	if strings.HasPrefix(digest, Prefix) {
		return digest
	}
	return Prefix + digest
}
