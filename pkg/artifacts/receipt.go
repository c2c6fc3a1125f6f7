package artifacts

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/batvault/batvault/pkg/canonjson"
)

// Receipt is the optional Ed25519 attestation over a bundle manifest.
type Receipt struct {
	ManifestSHA256 string `json:"manifest_sha256"`
	Signature      string `json:"signature"` // base64 over canonical manifest bytes
	KeyID          string `json:"key_id,omitempty"`
}

// ErrVerifierKeyMissing is the fail-closed answer when a receipt is
// present but no public key is configured.
var ErrVerifierKeyMissing = errors.New("artifacts: receipt present but verifier key missing")

// SignManifest produces a receipt over the canonical manifest bytes.
func SignManifest(m *Manifest, key ed25519.PrivateKey, keyID string) (*Receipt, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("artifacts: signer not configured")
	}
	payload, err := canonjson.Bytes(m)
	if err != nil {
		return nil, fmt.Errorf("artifacts: canonicalize manifest: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	return &Receipt{
		ManifestSHA256: canonjson.EnsurePrefix(canonjson.HashBytes(payload)),
		Signature:      base64.StdEncoding.EncodeToString(sig),
		KeyID:          keyID,
	}, nil
}

// VerifyReceipt checks the signature over the canonical manifest
// bytes. A nil public key fails closed.
func VerifyReceipt(m *Manifest, r *Receipt, pub ed25519.PublicKey) error {
	if r == nil {
		return nil // receipts are optional
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrVerifierKeyMissing
	}
	payload, err := canonjson.Bytes(m)
	if err != nil {
		return fmt.Errorf("artifacts: canonicalize manifest: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("artifacts: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return errors.New("artifacts: receipt signature invalid")
	}
	return nil
}
