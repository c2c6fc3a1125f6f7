package validator

import (
	"strings"
	"unicode/utf8"

	"github.com/batvault/batvault/pkg/evidence"
)

// Fallback reasons, including both legacy paths: style_violation for a
// model answer that broke the length/sentence/raw-id rules, stub_answer
// for the adapter's stub marker.
const (
	ReasonLLMOff              = "llm_off"
	ReasonStubAnswer          = "stub_answer"
	ReasonParseError          = "parse_error"
	ReasonStyleViolation      = "style_violation"
	ReasonNoRawJSON           = "no_raw_json"
	ReasonHTTPError           = "http_error"
	ReasonTimeout             = "timeout"
	ReasonEndpointUnreachable = "endpoint_unreachable"
	ReasonLLMUnavailable      = "llm_unavailable"
)

const (
	maxShortAnswerChars     = 320
	maxShortAnswerSentences = 2
)

// ViolatesStyle reports whether a model short answer breaks the style
// contract: empty, over 320 chars, more than two sentences, or leaking
// a raw allowed id.
func ViolatesStyle(shortAnswer string, allowedIDs []string) bool {
	if strings.TrimSpace(shortAnswer) == "" {
		return true
	}
	// The limit counts characters, not bytes.
	if utf8.RuneCountInString(shortAnswer) > maxShortAnswerChars {
		return true
	}
	if sentenceCount(shortAnswer) > maxShortAnswerSentences {
		return true
	}
	for _, id := range allowedIDs {
		if strings.Contains(shortAnswer, id) {
			return true
		}
	}
	return false
}

func sentenceCount(s string) int {
	count := 0
	inSentence := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if inSentence {
				count++
				inSentence = false
			}
		default:
			if !strings.ContainsRune(" \t\n", r) {
				inSentence = true
			}
		}
	}
	if inSentence {
		count++
	}
	return count
}

// ComposeFallback builds the deterministic templated answer from the
// evidence: a maker/date lead, up to two event drivers by title, and
// the first succeeding transition. Hard cut at 320 characters, never
// more than two sentences, never a raw id.
func ComposeFallback(ev *evidence.Evidence) evidence.Answer {
	var sentences []string

	lead := composeLead(ev.Anchor)
	if lead != "" {
		sentences = append(sentences, lead)
	}

	if because := composeBecause(ev.Events); because != "" && len(sentences) < maxShortAnswerSentences {
		sentences = append(sentences, because)
	}
	if next := composeNext(ev.Transitions.Succeeding); next != "" && len(sentences) < maxShortAnswerSentences {
		sentences = append(sentences, next)
	}

	short := strings.Join(sentences, " ")
	if utf8.RuneCountInString(short) > maxShortAnswerChars {
		short = string([]rune(short)[:maxShortAnswerChars])
	}

	return evidence.Answer{
		ShortAnswer: short,
		CitedIDs:    fallbackCitations(ev),
	}
}

// composeLead renders "<Maker> on <YYYY-MM-DD>: <Title>.", dropping
// the maker/date prefix when those fields are absent.
func composeLead(anchor map[string]any) string {
	title, _ := anchor["title"].(string)
	maker, _ := anchor["decision_maker"].(string)
	ts, _ := anchor["timestamp"].(string)
	date := ""
	if len(ts) >= 10 {
		date = ts[:10]
	}

	switch {
	case maker != "" && date != "" && title != "":
		return maker + " on " + date + ": " + title + "."
	case title != "":
		return title + "."
	default:
		return ""
	}
}

// composeBecause summarises up to two top events by title.
func composeBecause(events []map[string]any) string {
	var drivers []string
	for _, ev := range events {
		title, _ := ev["title"].(string)
		if title == "" {
			title, _ = ev["summary"].(string)
		}
		if title != "" {
			drivers = append(drivers, strings.TrimSuffix(title, "."))
		}
		if len(drivers) == 2 {
			break
		}
	}
	switch len(drivers) {
	case 0:
		return ""
	case 1:
		return "Because " + drivers[0] + "."
	default:
		return "Because " + drivers[0] + " and " + drivers[1] + "."
	}
}

func composeNext(succeeding []evidence.Transition) string {
	if len(succeeding) == 0 || succeeding[0].Title == "" {
		return ""
	}
	return "Next: " + strings.TrimSuffix(succeeding[0].Title, ".") + "."
}

// fallbackCitations cites the anchor, the top two events, and every
// present transition.
func fallbackCitations(ev *evidence.Evidence) []string {
	cited := []string{ev.AnchorID()}
	seen := map[string]bool{ev.AnchorID(): true}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			cited = append(cited, id)
		}
	}
	for i, e := range ev.Events {
		if i == 2 {
			break
		}
		id, _ := e["id"].(string)
		add(id)
	}
	for _, t := range ev.Transitions.Preceding {
		add(t.ID)
	}
	for _, t := range ev.Transitions.Succeeding {
		add(t.ID)
	}
	return cited
}
