// Package ids defines BatVault identifier wire forms and normalisation.
//
// An anchor on the wire is "<domain>#<id>". Storage keys replace the
// single '#' with '_'; because a domain never contains '_', the mapping
// round-trips for every valid wire anchor.
package ids

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	domainRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*(?:/[a-z0-9]+(?:-[a-z0-9]+)*)*$`)
	localRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9._:-]+$`)
	anchorRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*(?:/[a-z0-9]+(?:-[a-z0-9]+)*)*#[a-z0-9][a-z0-9._:-]+$`)
	slugRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,}[a-z0-9]$`)
	tagRe    = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Anchor is a parsed wire identifier.
type Anchor struct {
	Domain string
	Local  string
}

// String renders the wire form "<domain>#<id>".
func (a Anchor) String() string { return a.Domain + "#" + a.Local }

// StorageKey renders the storage form "<domain>_<id>".
func (a Anchor) StorageKey() string { return a.Domain + "_" + a.Local }

// IsAnchor reports whether s is a valid wire anchor.
func IsAnchor(s string) bool { return anchorRe.MatchString(s) }

// IsDomain reports whether s is a valid domain.
func IsDomain(s string) bool { return domainRe.MatchString(s) }

// ParseAnchor splits and validates a wire anchor.
func ParseAnchor(s string) (Anchor, error) {
	i := strings.IndexByte(s, '#')
	if i < 0 {
		return Anchor{}, fmt.Errorf("ids: anchor %q missing '#'", s)
	}
	a := Anchor{Domain: s[:i], Local: s[i+1:]}
	if !domainRe.MatchString(a.Domain) {
		return Anchor{}, fmt.Errorf("ids: invalid domain %q", a.Domain)
	}
	if !localRe.MatchString(a.Local) {
		return Anchor{}, fmt.Errorf("ids: invalid id %q", a.Local)
	}
	return a, nil
}

// AnchorToStorageKey converts "<domain>#<id>" to "<domain>_<id>".
func AnchorToStorageKey(anchor string) (string, error) {
	a, err := ParseAnchor(anchor)
	if err != nil {
		return "", err
	}
	return a.StorageKey(), nil
}

// StorageKeyToAnchor inverts AnchorToStorageKey. The first '_' is the
// separator: domains cannot contain underscores, local ids can.
func StorageKeyToAnchor(key string) (string, error) {
	i := strings.IndexByte(key, '_')
	if i < 0 {
		return "", fmt.Errorf("ids: storage key %q missing '_'", key)
	}
	anchor := key[:i] + "#" + key[i+1:]
	if !anchorRe.MatchString(anchor) {
		return "", fmt.Errorf("ids: storage key %q does not map to a valid anchor", key)
	}
	return anchor, nil
}

// SlugifyID normalises free-form identifiers: NFKC fold, lower-case,
// every non-[a-z0-9] run collapses to a single '-', edges trimmed.
// The result must satisfy ^[a-z0-9][a-z0-9-]{2,}[a-z0-9]$.
func SlugifyID(s string) (string, error) {
	folded := strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if !slugRe.MatchString(slug) {
		return "", fmt.Errorf("ids: %q does not slugify to a valid id (got %q)", s, slug)
	}
	return slug, nil
}

// SlugifyTag normalises a tag to ^[a-z0-9_]+$, collapsing separator runs.
func SlugifyTag(s string) (string, error) {
	folded := strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	lastSep := true
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	tag := strings.Trim(b.String(), "_")
	if !tagRe.MatchString(tag) {
		return "", fmt.Errorf("ids: %q does not slugify to a valid tag", s)
	}
	return tag, nil
}

// timestampLayouts are accepted input forms, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp parses a timestamp in any accepted layout and
// renders it as UTC "2006-01-02T15:04:05Z".
func NormalizeTimestamp(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Format("2006-01-02T15:04:05Z"), nil
		}
	}
	return "", fmt.Errorf("ids: unparseable timestamp %q", s)
}

// ParseTimestamp returns the time value of a normalised timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ids: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
