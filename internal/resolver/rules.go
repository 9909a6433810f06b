// Package resolver infers the persona's decision on pending actions from a
// turn's delivery units and applies it exactly once.
package resolver

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"persona-chat/internal/domain"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// RuleSet holds the accept and reject phrases of one pending action kind.
type RuleSet struct {
	Accept []string `yaml:"accept"`
	Reject []string `yaml:"reject"`
}

// Rules maps each pending action kind to its phrases.
type Rules map[domain.PendingKind]RuleSet

// DefaultRules returns the embedded rule document.
func DefaultRules() Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("resolver: embedded rules: %v", err))
	}
	return r
}

// ParseRules decodes a YAML rule document. Phrases are lower-cased and
// blank ones dropped.
func ParseRules(data []byte) (Rules, error) {
	var raw map[string]RuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("resolver: decode rules: %w", err)
	}
	out := make(Rules, len(raw))
	for kind, rs := range raw {
		switch k := domain.PendingKind(kind); k {
		case domain.PendingTransfer, domain.PendingMusicInvite, domain.PendingGameInvite, domain.PendingTakeoutPayRequest:
			out[k] = RuleSet{Accept: normalizePhrases(rs.Accept), Reject: normalizePhrases(rs.Reject)}
		default:
			return nil, fmt.Errorf("resolver: unknown pending kind %q", kind)
		}
	}
	return out, nil
}

// LoadRules reads a rule document from disk and layers it over the
// defaults: kinds present in the file replace the embedded ones.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: read rules: %w", err)
	}
	override, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	rules := DefaultRules()
	for k, rs := range override {
		rules[k] = rs
	}
	return rules, nil
}

func normalizePhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type hit struct {
	start, end int
	decision   domain.Decision
}

// Infer scans the text units for decision phrases of kind. Each unit yields
// accept, reject, or nothing; a unit carrying both is ambiguous and ignored.
// The last unit with an unambiguous decision wins.
func (r Rules) Infer(kind domain.PendingKind, units []domain.DeliveryUnit) domain.DecisionInference {
	rs, ok := r[kind]
	if !ok {
		return domain.DecisionInference{Decision: domain.DecisionUnknown, Index: -1}
	}
	for i := len(units) - 1; i >= 0; i-- {
		if !units[i].IsText() {
			continue
		}
		if d := rs.evaluate(units[i].Body()); d != domain.DecisionUnknown {
			return domain.DecisionInference{Decision: d, Index: i}
		}
	}
	return domain.DecisionInference{Decision: domain.DecisionUnknown, Index: -1}
}

// evaluate returns the decision one piece of text carries. A phrase that
// overlaps a longer phrase of the opposite decision is discarded, so "不帮你付"
// is not read as "帮你付".
func (rs RuleSet) evaluate(text string) domain.Decision {
	lower := strings.ToLower(text)
	var hits []hit
	hits = appendHits(hits, lower, rs.Accept, domain.DecisionAccept)
	hits = appendHits(hits, lower, rs.Reject, domain.DecisionReject)
	if len(hits) == 0 {
		return domain.DecisionUnknown
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var accept, reject bool
	for i, h := range hits {
		if shadowed(h, i, hits) {
			continue
		}
		switch h.decision {
		case domain.DecisionAccept:
			accept = true
		case domain.DecisionReject:
			reject = true
		}
	}
	switch {
	case accept && !reject:
		return domain.DecisionAccept
	case reject && !accept:
		return domain.DecisionReject
	default:
		return domain.DecisionUnknown
	}
}

func shadowed(h hit, idx int, hits []hit) bool {
	for j, o := range hits {
		if j == idx || o.decision == h.decision {
			continue
		}
		if o.start < h.end && h.start < o.end && (o.end-o.start) > (h.end-h.start) {
			return true
		}
	}
	return false
}

func appendHits(hits []hit, text string, phrases []string, d domain.Decision) []hit {
	for _, p := range phrases {
		from := 0
		for {
			idx := strings.Index(text[from:], p)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(p)
			if wholeWord(text, start, end) {
				hits = append(hits, hit{start: start, end: end, decision: d})
			}
			from = start + 1
			if from >= len(text) {
				break
			}
			// Keep from on a rune boundary.
			for from < len(text) && !utf8.RuneStart(text[from]) {
				from++
			}
		}
	}
	return hits
}

// wholeWord requires Latin matches to sit on word boundaries.
func wholeWord(text string, start, end int) bool {
	if start > 0 {
		first, _ := utf8.DecodeRuneInString(text[start:])
		prev, _ := utf8.DecodeLastRuneInString(text[:start])
		if isLatinLetter(first) && isLatinLetter(prev) {
			return false
		}
	}
	if end < len(text) {
		last, _ := utf8.DecodeLastRuneInString(text[:end])
		next, _ := utf8.DecodeRuneInString(text[end:])
		if isLatinLetter(last) && isLatinLetter(next) {
			return false
		}
	}
	return true
}

func isLatinLetter(r rune) bool {
	return r < utf8.RuneSelf && unicode.IsLetter(r)
}
