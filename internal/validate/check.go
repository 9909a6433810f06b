package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"persona-chat/internal/command"
)

type Kind string

const (
	KindEmpty       Kind = "empty"
	KindLanguage    Kind = "language"
	KindMetadata    Kind = "metadata"
	KindNarrative   Kind = "narrative"
	KindElapsedTime Kind = "elapsed-time"
)

// Violation is one unmet constraint.
type Violation struct {
	Kind   Kind
	Detail string
}

// Constraints are the hard requirements active for one turn.
type Constraints struct {
	// Language is a persona language such as "zh", "en-US" or "Japanese".
	// Unrecognised or empty values disable the check.
	Language        string
	RequireMetadata bool
	LiveChat        bool
	// Elapsed is the gap since the user's last message; the acknowledgement
	// check applies once it reaches ElapsedThreshold.
	Elapsed          time.Duration
	ElapsedThreshold time.Duration
}

func (c Constraints) elapsedActive() bool {
	return c.ElapsedThreshold > 0 && c.Elapsed >= c.ElapsedThreshold
}

// Check validates a sanitized completion, metadata block included. It is pure.
func Check(text string, c Constraints) []Violation {
	body, _, metaErr := ExtractMetadata(text)
	var out []Violation

	visible := strings.TrimSpace(stripTokens(body))
	if body == "" {
		out = append(out, Violation{Kind: KindEmpty, Detail: "no visible text"})
	}
	if c.RequireMetadata && metaErr != nil {
		out = append(out, Violation{Kind: KindMetadata, Detail: metaErr.Error()})
	}
	if want := NormalizeLanguage(c.Language); want != "" && visible != "" {
		if got := DetectLanguage(visible); got != "" && got != want {
			out = append(out, Violation{Kind: KindLanguage, Detail: fmt.Sprintf("want %s, got %s", want, got)})
		}
	}
	if c.LiveChat {
		if m := findNarrative(visible); m != "" {
			out = append(out, Violation{Kind: KindNarrative, Detail: m})
		}
	}
	if c.elapsedActive() && body != "" && !acknowledgesGap(body) {
		out = append(out, Violation{Kind: KindElapsedTime, Detail: c.Elapsed.Round(time.Minute).String()})
	}
	return out
}

func stripTokens(s string) string {
	spans := command.Spans(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	pos := 0
	for _, sp := range spans {
		b.WriteString(s[pos:sp.Start])
		b.WriteByte(' ')
		pos = sp.End
	}
	b.WriteString(s[pos:])
	return b.String()
}

// NormalizeLanguage maps a persona language setting to zh, ja, ko or en.
func NormalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	switch {
	case l == "":
		return ""
	case strings.HasPrefix(l, "zh"), strings.HasPrefix(l, "chinese"), strings.HasPrefix(l, "中文"), l == "汉语":
		return "zh"
	case strings.HasPrefix(l, "ja"), strings.HasPrefix(l, "日本"):
		return "ja"
	case strings.HasPrefix(l, "ko"), strings.HasPrefix(l, "한국"):
		return "ko"
	case strings.HasPrefix(l, "en"), l == "英文", l == "英语":
		return "en"
	}
	return ""
}

// DetectLanguage guesses the dominant language of s from its scripts. Latin
// is weighed per word so a brand name does not outvote a CJK sentence.
// Returns "" when s has too few letters to judge.
func DetectLanguage(s string) string {
	var han, kana, hangul, latinWords int
	inLatin := false
	for _, r := range s {
		isLatin := unicode.Is(unicode.Latin, r)
		switch {
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			kana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case isLatin && !inLatin:
			latinWords++
		}
		inLatin = isLatin
	}
	latin := latinWords * 2
	total := han + kana + hangul + latin
	if total < 3 {
		return ""
	}
	switch {
	case hangul*2 > total:
		return "ko"
	case kana > 0 && (kana+han)*2 > total:
		return "ja"
	case han*2 > total:
		return "zh"
	case latin*2 > total:
		return "en"
	}
	return ""
}

// LanguageName returns the English name of a normalized language code.
func LanguageName(code string) string {
	switch code {
	case "zh":
		return "Chinese"
	case "ja":
		return "Japanese"
	case "ko":
		return "Korean"
	case "en":
		return "English"
	}
	return code
}

var narrativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*[^*\n]{1,60}\*`),
	regexp.MustCompile(`（[^（）\n]{1,60}）`),
	regexp.MustCompile(`\([^()\n]{4,60}\)`),
}

// findNarrative returns the first stage direction in s, if any.
func findNarrative(s string) string {
	for _, p := range narrativePatterns {
		if m := p.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

var gapPhrases = []string{
	"好久", "这么久", "那么久", "终于", "去哪了", "去哪儿了", "才回", "半天", "一整天", "几个小时", "这么晚", "等你", "等了",
	"long time", "been a while", "finally", "where have you been", "where were you", "took you", "hours", "all day", "missed you", "waiting",
	"久しぶり", "遅かった", "やっと", "待って",
	"오랜만", "드디어", "기다렸",
}

func acknowledgesGap(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range gapPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
