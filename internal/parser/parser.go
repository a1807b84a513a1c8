// Package parser extracts structured control directives embedded in the
// generation model's free-text replies. Directives use the delimited span
// form [OTAKON_<NAME>: payload]; parsing is pure over its input and every
// per-tag failure is contained (fail open, tag left in place).
package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/elliotchance/orderedmap/v3"

	"otakon/internal/logging"
)

// Kind discriminates the directive payload union.
type Kind string

const (
	KindProgress     Kind = "progress"      // integer percent, clamped 0..100
	KindText         Kind = "text"          // known simple string payload
	KindSuggestions  Kind = "suggestions"   // list of suggestion strings
	KindSubtabUpdate Kind = "subtab_update" // list of panel updates
	KindStructured   Kind = "structured"    // parsed JSON object or array
	KindUnknown      Kind = "unknown"       // unrecognized name, raw text kept
)

// SubtabUpdate is one side-panel content update.
type SubtabUpdate struct {
	Tab     string `json:"tab"`
	Content string `json:"content"`
}

// Directive is the tagged union of payload shapes. Kind selects which field
// is meaningful.
type Directive struct {
	Name        string
	Kind        Kind
	Progress    int
	Text        string
	Suggestions []string
	Subtabs     []SubtabUpdate
	Value       any
	Raw         string
}

// Result is the outcome of one Parse call.
type Result struct {
	CleanText  string
	Directives *orderedmap.OrderedMap[string, Directive]
}

// Directive names with a plain string payload.
var knownTextDirectives = map[string]bool{
	"OBJECTIVE":  true,
	"GAME_ID":    true,
	"GAME_TITLE": true,
	"CONFIDENCE": true,
	"GENRE":      true,
	"EDITION":    true,
}

var (
	suggestionsRe = regexp.MustCompile(`(?s)\[OTAKON_SUGGESTIONS:\s*(\[.*?\])\s*\]`)
	subtabRe      = regexp.MustCompile(`\[OTAKON_SUBTAB_UPDATE:\s*(\{[^\]]*\})\s*\]`)

	// PROGRESS fallback chain, first success wins.
	progressTagRe    = regexp.MustCompile(`(?i)\[OTAKON_PROGRESS[:\s]+(-?\d+)`)
	progressBareRe   = regexp.MustCompile(`(?i)\[?PROGRESS[:\s]+(-?\d+)`)
	progressInlineRe = regexp.MustCompile(`(?i)(?:game progress|progress|completion)[:\s]+(?:approximately\s+)?(-?\d+)\s*%`)
	progressStateRe  = regexp.MustCompile(`(?i)"stateUpdateTags"[^}]*"PROGRESS[:\s]+(-?\d+)`)

	simpleTagRe = regexp.MustCompile(`\[OTAKON_([A-Z_]+):\s*([^\[\]]+?)\]`)
	numericRe   = regexp.MustCompile(`(-?\d+)`)

	introRe = regexp.MustCompile(`(?i)^I['’]?m\s+\w+,\s+your\s+dedicated\s+gaming\s+lore\s+expert[^\n]*\n*`)
)

// Parser turns one block of narrative text into clean text plus an ordered
// directive map. Stateless; a single instance may be shared.
type Parser struct{}

// New constructs a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts directives from text. Processing order matters: suggestions,
// subtab updates, the progress fallback chain, then a generic sweep of all
// remaining spans. Matched spans are stripped from the returned clean text;
// a span whose payload fails to parse is left in place (suggestions) or
// dropped with its parse failure logged (subtab updates).
func (p *Parser) Parse(text string) Result {
	directives := orderedmap.NewOrderedMap[string, Directive]()
	clean := text

	// 1. SUGGESTIONS: bracketed list payload, may span lines. Single-quoted
	// JSON is tolerated by quote normalization.
	for _, m := range suggestionsRe.FindAllStringSubmatch(text, -1) {
		jsonStr := strings.ReplaceAll(m[1], "'", `"`)
		var suggestions []string
		if err := json.Unmarshal([]byte(jsonStr), &suggestions); err != nil {
			logging.ParserWarn("failed to parse SUGGESTIONS payload: %v", err)
			continue // fail open: tag stays in the text
		}
		directives.Set("SUGGESTIONS", Directive{
			Name:        "SUGGESTIONS",
			Kind:        KindSuggestions,
			Suggestions: suggestions,
			Raw:         m[0],
		})
		clean = strings.Replace(clean, m[0], "", 1)
	}

	// 2. SUBTAB_UPDATE: accumulate every match; a response may update several
	// panels. The span is always stripped, even when the payload is bad.
	var subtabs []SubtabUpdate
	for _, m := range subtabRe.FindAllStringSubmatch(text, -1) {
		var update SubtabUpdate
		if err := json.Unmarshal([]byte(m[1]), &update); err != nil {
			logging.ParserWarn("failed to parse SUBTAB_UPDATE payload: %v", err)
		} else {
			subtabs = append(subtabs, update)
		}
		clean = strings.Replace(clean, m[0], "", 1)
	}
	if len(subtabs) > 0 {
		directives.Set("SUBTAB_UPDATE", Directive{
			Name:    "SUBTAB_UPDATE",
			Kind:    KindSubtabUpdate,
			Subtabs: subtabs,
		})
	}

	// 3. PROGRESS fallback chain, first success wins.
	if value, ok := resolveProgress(text); ok {
		directives.Set("PROGRESS", Directive{
			Name:     "PROGRESS",
			Kind:     KindProgress,
			Progress: value,
		})
		logging.ParserDebug("resolved PROGRESS=%d", value)
	}

	// 4. Generic sweep over remaining spans.
	for _, m := range simpleTagRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		payload := strings.TrimSpace(m[2])

		// Already handled by the dedicated passes above.
		if name == "SUGGESTIONS" || name == "SUBTAB_UPDATE" {
			continue
		}

		if name == "PROGRESS" {
			if value, ok := extractClampedPercent(payload); ok {
				directives.Set("PROGRESS", Directive{
					Name:     "PROGRESS",
					Kind:     KindProgress,
					Progress: value,
					Raw:      m[0],
				})
			} else {
				logging.ParserWarn("could not parse PROGRESS payload: %q", payload)
			}
			clean = strings.Replace(clean, m[0], "", 1)
			continue
		}

		directives.Set(name, classifyPayload(name, payload, m[0]))
		clean = strings.Replace(clean, m[0], "", 1)
	}

	// 5. Strip the assistant's self-introduction sentence if present.
	clean = introRe.ReplaceAllString(clean, "")
	clean = strings.TrimSpace(clean)

	if directives.Len() > 0 {
		logging.ParserDebug("extracted %d directives", directives.Len())
	}

	return Result{CleanText: clean, Directives: directives}
}

// resolveProgress walks the ordered format chain: explicit OTAKON_PROGRESS
// span, bare PROGRESS, inline prose percent, then nested stateUpdateTags.
func resolveProgress(text string) (int, bool) {
	for _, re := range []*regexp.Regexp{progressTagRe, progressBareRe, progressInlineRe, progressStateRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return clampPercent(n), true
		}
	}
	return 0, false
}

// extractClampedPercent pulls the first integer out of a free-form payload
// ("50", "50%", "~45", "40-60") and clamps it into 0..100.
func extractClampedPercent(payload string) (int, bool) {
	m := numericRe.FindStringSubmatch(payload)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return clampPercent(n), true
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// classifyPayload types a generic-sweep payload: JSON-looking payloads are
// parsed (tolerating single quotes in arrays), known names become text
// directives, anything else is kept as raw text.
func classifyPayload(name, payload, raw string) Directive {
	d := Directive{Name: name, Raw: raw}

	if strings.HasPrefix(payload, "{") && strings.HasSuffix(payload, "}") {
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err == nil {
			d.Kind = KindStructured
			d.Value = v
			return d
		}
	}
	if strings.HasPrefix(payload, "[") && strings.HasSuffix(payload, "]") {
		var v any
		if err := json.Unmarshal([]byte(strings.ReplaceAll(payload, "'", `"`)), &v); err == nil {
			d.Kind = KindStructured
			d.Value = v
			return d
		}
	}

	if knownTextDirectives[name] {
		d.Kind = KindText
		d.Text = payload
		return d
	}

	d.Kind = KindUnknown
	d.Text = payload
	return d
}
