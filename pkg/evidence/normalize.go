package evidence

import (
	"regexp"
	"strconv"
	"strings"
)

var currencySymbols = map[string]string{
	"$": "USD", "€": "EUR", "¥": "JPY", "£": "GBP",
}

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "JPY": true, "GBP": true,
	"CHF": true, "CNY": true, "CAD": true, "AUD": true,
}

var magnitudes = map[string]float64{
	"k": 1e3, "thousand": 1e3,
	"m": 1e6, "million": 1e6,
	"b": 1e9, "billion": 1e9,
}

// amountRe matches "<currency?> <number> <magnitude?> <currency?>"
// with symbol or ISO-code currencies and k/m/b word magnitudes.
var amountRe = regexp.MustCompile(`(?i)([$€¥£]|\b[A-Z]{3}\b)?\s*(\d+(?:[.,]\d+)*)\s*(k\b|m\b|b\b|thousand\b|million\b|billion\b)?\s*([$€¥£]|\b[A-Z]{3}\b)?`)

// ParseAmount extracts the first monetary amount from text. Accepts
// $/€/¥/£ and ISO codes on either side of the number, k/m/b and the
// spelled-out magnitudes, and the European decimal comma.
func ParseAmount(text string) (float64, string, bool) {
	for _, m := range amountRe.FindAllStringSubmatch(text, -1) {
		currency := resolveCurrency(m[1], m[4])
		if currency == "" {
			continue
		}
		value, ok := parseNumber(m[2])
		if !ok {
			continue
		}
		if mag := strings.ToLower(strings.TrimSpace(m[3])); mag != "" {
			value *= magnitudes[mag]
		}
		return value, currency, true
	}
	return 0, "", false
}

func resolveCurrency(prefix, suffix string) string {
	for _, tok := range []string{prefix, suffix} {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if iso, ok := currencySymbols[tok]; ok {
			return iso
		}
		upper := strings.ToUpper(tok)
		if currencyCodes[upper] {
			return upper
		}
	}
	return ""
}

// parseNumber handles both separator conventions: "1,234.56" and the
// European "1.234,56". With a single comma followed by 1-2 digits the
// comma is a decimal separator, otherwise a thousands separator.
func parseNumber(s string) (float64, bool) {
	dot := strings.LastIndexByte(s, '.')
	comma := strings.LastIndexByte(s, ',')
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot { // european: dots group, comma is decimal
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		frac := len(s) - comma - 1
		if frac >= 1 && frac <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// NormalizeEvents dedups events by id, collapses near-duplicates that
// occur on the same day and differ only in currency symbol or
// magnitude spelling, and attaches normalized_amount and
// normalized_currency where an amount parses. Order of first
// occurrence is preserved.
func NormalizeEvents(events []map[string]any) []map[string]any {
	seenID := make(map[string]bool)
	seenShape := make(map[string]bool)
	out := make([]map[string]any, 0, len(events))

	for _, ev := range events {
		id, _ := ev["id"].(string)
		if id != "" && seenID[id] {
			continue
		}
		text := eventText(ev)
		if amount, currency, ok := ParseAmount(text); ok {
			ev["normalized_amount"] = amount
			ev["normalized_currency"] = currency
		}
		shape := eventDay(ev) + "|" + collapseAmounts(text)
		if text != "" && seenShape[shape] {
			continue
		}
		seenShape[shape] = true
		if id != "" {
			seenID[id] = true
		}
		out = append(out, ev)
	}
	return out
}

func eventText(ev map[string]any) string {
	for _, key := range []string{"summary", "description", "title"} {
		if s, _ := ev[key].(string); s != "" {
			return s
		}
	}
	return ""
}

func eventDay(ev map[string]any) string {
	ts, _ := ev["timestamp"].(string)
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

// collapseAmounts replaces every parseable amount token with a neutral
// placeholder so "$3m" and "EUR 3 million" compare equal.
func collapseAmounts(text string) string {
	normalized := amountRe.ReplaceAllStringFunc(text, func(tok string) string {
		if _, _, ok := ParseAmount(tok); ok {
			return "<amt>"
		}
		return tok
	})
	return strings.Join(strings.Fields(strings.ToLower(normalized)), " ")
}
