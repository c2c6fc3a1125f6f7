package ids

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnchor(t *testing.T) {
	a, err := ParseAnchor("eng#d-eng-010")
	require.NoError(t, err)
	assert.Equal(t, "eng", a.Domain)
	assert.Equal(t, "d-eng-010", a.Local)
	assert.Equal(t, "eng_d-eng-010", a.StorageKey())

	_, err = ParseAnchor("eng/d-eng-010")
	assert.Error(t, err)
	_, err = ParseAnchor("Eng#d-eng-010")
	assert.Error(t, err)
	_, err = ParseAnchor("eng#")
	assert.Error(t, err)
}

func TestParseAnchor_NestedDomain(t *testing.T) {
	a, err := ParseAnchor("corp/hr-ops#d.2021:v1")
	require.NoError(t, err)
	assert.Equal(t, "corp/hr-ops", a.Domain)
	assert.Equal(t, "corp/hr-ops_d.2021:v1", a.StorageKey())
}

func TestStorageKeyRoundTrip(t *testing.T) {
	for _, anchor := range []string{
		"eng#d-eng-010",
		"hr#d-hr-01",
		"corp/fin#ev_2020_exit",
		"panasonic#exit-plasma-2012",
	} {
		key, err := AnchorToStorageKey(anchor)
		require.NoError(t, err)
		back, err := StorageKeyToAnchor(key)
		require.NoError(t, err)
		assert.Equal(t, anchor, back)
	}
}

// Storage-key mapping must round-trip for every valid wire anchor.
func TestStorageKeyRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	segment := gen.RegexMatch(`[a-z0-9]{1,8}(-[a-z0-9]{1,8}){0,2}`)
	local := gen.RegexMatch(`[a-z0-9][a-z0-9._:-]{1,20}`)

	properties.Property("anchor -> key -> anchor is identity", prop.ForAll(
		func(dom, loc string) bool {
			anchor := dom + "#" + loc
			if !IsAnchor(anchor) {
				return true // generator produced an invalid edge case, skip
			}
			key, err := AnchorToStorageKey(anchor)
			if err != nil {
				return false
			}
			back, err := StorageKeyToAnchor(key)
			return err == nil && back == anchor
		},
		segment, local,
	))

	properties.TestingRun(t)
}

func TestSlugifyID(t *testing.T) {
	got, err := SlugifyID("Panasonic Exit: Plasma (2012)")
	require.NoError(t, err)
	assert.Equal(t, "panasonic-exit-plasma-2012", got)

	got, err = SlugifyID("  --Big__Deal--  ")
	require.NoError(t, err)
	assert.Equal(t, "big-deal", got)

	_, err = SlugifyID("!!")
	assert.Error(t, err)
}

func TestSlugifyTag(t *testing.T) {
	got, err := SlugifyTag("M-and-A")
	require.NoError(t, err)
	assert.Equal(t, "m_and_a", got)

	got, err = SlugifyTag("Supply Chain")
	require.NoError(t, err)
	assert.Equal(t, "supply_chain", got)
}

func TestNormalizeTimestamp(t *testing.T) {
	for in, want := range map[string]string{
		"2012-10-31T09:30:00+02:00": "2012-10-31T07:30:00Z",
		"2012-10-31T09:30:00Z":      "2012-10-31T09:30:00Z",
		"2012-10-31 09:30:00":       "2012-10-31T09:30:00Z",
		"2012-10-31":                "2012-10-31T00:00:00Z",
	} {
		got, err := NormalizeTimestamp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeTimestamp("Oct 31 2012")
	assert.Error(t, err)
}
