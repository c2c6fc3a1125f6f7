package artifacts

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical artifact names. A manifest must list exactly the artifacts
// present in the bundle, no extras either way.
const (
	NameEnvelope        = "envelope.json"
	NameEvidencePre     = "evidence_pre.json"
	NameEvidencePost    = "evidence_post.json"
	NameResponse        = "response.json"
	NameLLMRaw          = "llm_raw.json"
	NameValidatorReport = "validator_report.json"
	NameManifest        = "bundle.manifest.json"
	NameReceipt         = "receipt.json"
)

// ManifestEntry describes one artifact.
type ManifestEntry struct {
	Name        string `json:"name"`
	SHA256      string `json:"sha256"`
	Bytes       int    `json:"bytes"`
	ContentType string `json:"content_type"`
}

// Manifest binds a request's artifacts together.
type Manifest struct {
	RequestID string          `json:"request_id"`
	Artifacts []ManifestEntry `json:"artifacts"`
}

// Bundle holds a request's artifacts by name.
type Bundle struct {
	RequestID string
	Items     map[string][]byte
}

// NewBundle starts an empty bundle for a request.
func NewBundle(requestID string) *Bundle {
	return &Bundle{RequestID: requestID, Items: make(map[string][]byte)}
}

// AddJSON marshals v and stores it under name.
func (b *Bundle) AddJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifacts: encode %s: %w", name, err)
	}
	b.Items[name] = raw
	return nil
}

// AddRaw stores pre-encoded bytes under name.
func (b *Bundle) AddRaw(name string, data []byte) {
	b.Items[name] = data
}

// BuildManifest computes the manifest over every artifact currently in
// the bundle, in deterministic name order. The manifest itself is not
// listed.
func (b *Bundle) BuildManifest() *Manifest {
	names := make([]string, 0, len(b.Items))
	for name := range b.Items {
		if name == NameManifest {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{RequestID: b.RequestID}
	for _, name := range names {
		data := b.Items[name]
		sum := sha256.Sum256(data)
		m.Artifacts = append(m.Artifacts, ManifestEntry{
			Name:        name,
			SHA256:      "sha256:" + hex.EncodeToString(sum[:]),
			Bytes:       len(data),
			ContentType: "application/json",
		})
	}
	return m
}

// Seal builds the manifest, signs it when a key is present, attaches
// both and persists every artifact. The bundle URL is the manifest's
// address. The manifest and receipt built so far are returned even on
// failure so callers can still verify the bundle they hold. The
// manifest never lists the receipt: it is computed before signing.
func (b *Bundle) Seal(ctx context.Context, store Store, signer ed25519.PrivateKey, keyID string) (*Manifest, *Receipt, string, error) {
	manifest := b.BuildManifest()
	var receipt *Receipt
	if signer != nil {
		var err error
		receipt, err = SignManifest(manifest, signer, keyID)
		if err != nil {
			return manifest, nil, "", err
		}
		if err := b.AddJSON(NameReceipt, receipt); err != nil {
			return manifest, receipt, "", err
		}
	}
	if err := b.AddJSON(NameManifest, manifest); err != nil {
		return manifest, receipt, "", err
	}
	var manifestHash string
	for name, data := range b.Items {
		hash, err := store.Put(ctx, data)
		if err != nil {
			return manifest, receipt, "", fmt.Errorf("artifacts: store %s: %w", name, err)
		}
		if name == NameManifest {
			manifestHash = hash
		}
	}
	return manifest, receipt, store.URL(manifestHash), nil
}

// VerifyManifest checks every listed artifact's hash, size and content
// type against the bundle and rejects artifacts absent from the
// manifest. Errors accumulate rather than short-circuit.
func VerifyManifest(m *Manifest, items map[string][]byte) []string {
	var errs []string
	listed := make(map[string]bool, len(m.Artifacts))
	for _, entry := range m.Artifacts {
		listed[entry.Name] = true
		data, ok := items[entry.Name]
		if !ok {
			errs = append(errs, fmt.Sprintf("manifest_mismatch: %s listed but missing", entry.Name))
			continue
		}
		sum := sha256.Sum256(data)
		if got := "sha256:" + hex.EncodeToString(sum[:]); got != entry.SHA256 {
			errs = append(errs, fmt.Sprintf("manifest_mismatch: %s sha256 mismatch", entry.Name))
		}
		if len(data) != entry.Bytes {
			errs = append(errs, fmt.Sprintf("manifest_mismatch: %s size mismatch", entry.Name))
		}
		if entry.ContentType != "application/json" {
			errs = append(errs, fmt.Sprintf("manifest_mismatch: %s unexpected content type %q", entry.Name, entry.ContentType))
		}
	}
	for name := range items {
		if name == NameManifest || name == NameReceipt {
			continue
		}
		if !listed[name] {
			errs = append(errs, fmt.Sprintf("manifest_mismatch: %s present but not listed", name))
		}
	}
	return errs
}
