// Package command recognises the inline command micro-grammar a completion
// may embed in its text and turns matches into typed delivery units.
//
//	transfer(amount, note[, status])
//	music(title[, artist])
//	location(name[, address[, city]])
//	post(content)
//	profile-share()
//	sticker(description[, keyword[, category]])
//	[sticker: description | keyword: k | category: c]
//
// Names are case-insensitive, may be wrapped in [] or 【】, and accept ASCII
// or full-width parentheses and commas.
package command

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"persona-chat/internal/domain"
	"persona-chat/internal/textutil"
)

var (
	callPattern = regexp.MustCompile(`(?i)[\[【]?\s*(transfer|转账|music|音乐|location|位置|post|动态|profile[-_]?share|名片|sticker|表情)[(（]([^()（）]*)[)）]\s*[\]】]?`)

	stickerPattern = regexp.MustCompile(`(?i)[\[【]\s*(?:sticker|表情包?)\s*[:：]\s*([^\]】]+)[\]】]`)
)

// Span is a byte range [Start, End) of a command token.
type Span struct {
	Start int
	End   int
}

type match struct {
	span Span
	name string
	args string
	free bool
}

// TrackResolver looks up a song for a music invite.
type TrackResolver interface {
	ResolveTrack(title, artist string) (domain.MusicInvite, bool)
}

// Parser converts command tokens into structured units.
type Parser struct {
	tracks TrackResolver
}

// NewParser returns a Parser. A nil resolver accepts any non-empty title.
func NewParser(tracks TrackResolver) *Parser {
	return &Parser{tracks: tracks}
}

// Spans returns the byte ranges of every command token in text, in order.
func Spans(text string) []Span {
	ms := findAll(text)
	out := make([]Span, len(ms))
	for i, m := range ms {
		out[i] = m.span
	}
	return out
}

// Contains reports whether text carries at least one command token.
func Contains(text string) bool {
	return callPattern.MatchString(text) || stickerPattern.MatchString(text)
}

func findAll(text string) []match {
	var ms []match
	for _, loc := range callPattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[2] > 0 && isASCIIAlnum(text[loc[2]-1]) {
			// "repost(" is prose, not a post command.
			continue
		}
		ms = append(ms, match{
			span: Span{Start: loc[0], End: loc[1]},
			name: normalizeName(text[loc[2]:loc[3]]),
			args: text[loc[4]:loc[5]],
		})
	}
	for _, loc := range stickerPattern.FindAllStringSubmatchIndex(text, -1) {
		sp := Span{Start: loc[0], End: loc[1]}
		if overlaps(ms, sp) {
			continue
		}
		ms = append(ms, match{span: sp, name: "sticker", args: text[loc[2]:loc[3]], free: true})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].span.Start < ms[j].span.Start })
	return ms
}

func overlaps(ms []match, sp Span) bool {
	for _, m := range ms {
		if sp.Start < m.span.End && m.span.Start < sp.End {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "转账":
		return "transfer"
	case "音乐":
		return "music"
	case "位置":
		return "location"
	case "动态":
		return "post"
	case "名片":
		return "profile-share"
	case "表情":
		return "sticker"
	}
	if strings.HasPrefix(n, "profile") {
		return "profile-share"
	}
	return n
}

// Parse re-tags a plain-text unit carrying command tokens. Structured units
// come first, in token order, followed by one plain-text unit holding the
// residual text. Non-text units and text without tokens are returned as-is.
func (p *Parser) Parse(u domain.DeliveryUnit) []domain.DeliveryUnit {
	if !u.IsText() {
		return []domain.DeliveryUnit{u}
	}
	text := u.Body()
	ms := findAll(text)
	if len(ms) == 0 {
		return []domain.DeliveryUnit{u}
	}

	var structured []domain.DeliveryUnit
	residual := ""
	pos := 0
	for _, m := range ms {
		residual = textutil.Join(residual, text[pos:m.span.Start])
		pos = m.span.End
		unit, fallback, ok := p.build(m)
		if ok {
			structured = append(structured, unit)
			continue
		}
		residual = textutil.Join(residual, fallback)
	}
	residual = textutil.Join(residual, text[pos:])

	out := structured
	if textutil.HasContent(residual) {
		out = append(out, domain.TextUnit(residual))
	}
	return out
}

// ParseAll applies Parse to every unit, preserving order.
func (p *Parser) ParseAll(units []domain.DeliveryUnit) []domain.DeliveryUnit {
	out := make([]domain.DeliveryUnit, 0, len(units))
	for _, u := range units {
		out = append(out, p.Parse(u)...)
	}
	return out
}

// build converts one token. When the token cannot become a valid unit it
// returns the plain text that should stand in its place.
func (p *Parser) build(m match) (domain.DeliveryUnit, string, bool) {
	if m.free {
		st, ok := parseFreeSticker(m.args)
		if !ok {
			return domain.DeliveryUnit{}, "", false
		}
		return domain.NewUnit(st), "", true
	}

	args := splitArgs(m.args)
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch m.name {
	case "transfer":
		amount, ok := parseAmount(arg(0))
		if !ok {
			return domain.DeliveryUnit{}, "", false
		}
		return domain.NewUnit(domain.Transfer{Amount: amount, Note: arg(1), Status: normalizeStatus(arg(2))}), "", true
	case "music":
		title := strings.Trim(arg(0), "《》<> ")
		artist := arg(1)
		if title == "" {
			return domain.DeliveryUnit{}, "", false
		}
		if p.tracks == nil {
			return domain.NewUnit(domain.MusicInvite{Title: title, Artist: artist}), "", true
		}
		track, ok := p.tracks.ResolveTrack(title, artist)
		if !ok {
			return domain.DeliveryUnit{}, "《" + title + "》", false
		}
		return domain.NewUnit(track), "", true
	case "location":
		if arg(0) == "" {
			return domain.DeliveryUnit{}, "", false
		}
		return domain.NewUnit(domain.Location{Name: arg(0), Address: arg(1), City: arg(2)}), "", true
	case "post":
		content := strings.Join(args, ", ")
		if content == "" {
			return domain.DeliveryUnit{}, "", false
		}
		return domain.NewUnit(domain.PostShare{Content: content}), "", true
	case "profile-share":
		return domain.NewUnit(domain.ProfileShare{}), "", true
	case "sticker":
		if arg(0) == "" && arg(1) == "" {
			return domain.DeliveryUnit{}, "", false
		}
		return domain.NewUnit(domain.Sticker{Description: arg(0), Keyword: arg(1), Category: arg(2)}), "", true
	}
	return domain.DeliveryUnit{}, "", false
}

var currencyMarks = strings.NewReplacer("¥", "", "￥", "", "$", "", "元", "", "块", "", "rmb", "", "RMB", "", ",", "", " ", "")

func parseAmount(raw string) (decimal.Decimal, bool) {
	s := currencyMarks.Replace(strings.TrimSpace(raw))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "received", "已收款", "已收":
		return domain.StatusAccepted
	case "refunded", "returned", "已退还", "已退回":
		return domain.StatusRefunded
	default:
		return domain.StatusPending
	}
}

var quotePairs = map[rune]rune{'"': '"', '\'': '\'', '“': '”', '‘': '’', '「': '」', '『': '』'}

// splitArgs splits on ASCII or full-width commas outside quotes and strips
// one level of quoting from each argument.
func splitArgs(raw string) []string {
	var (
		args    []string
		cur     strings.Builder
		closing rune
	)
	flush := func() {
		args = append(args, strings.TrimSpace(cur.String()))
		cur.Reset()
	}
	for _, r := range raw {
		switch {
		case closing != 0:
			if r == closing {
				closing = 0
				continue
			}
			cur.WriteRune(r)
		case quotePairs[r] != 0 && strings.TrimSpace(cur.String()) == "":
			closing = quotePairs[r]
		case r == ',' || r == '，':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	for len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	return args
}

var stickerKeys = map[string]string{
	"description": "description", "desc": "description", "描述": "description",
	"keyword": "keyword", "kw": "keyword", "关键词": "keyword",
	"category": "category", "分类": "category",
}

func parseFreeSticker(raw string) (domain.Sticker, bool) {
	var st domain.Sticker
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == '｜' || r == ';' || r == '；' })
	for i, part := range parts {
		part = strings.TrimSpace(part)
		key, value, found := cutKey(part)
		if !found {
			if i == 0 {
				st.Description = part
			}
			continue
		}
		switch stickerKeys[key] {
		case "description":
			st.Description = value
		case "keyword":
			st.Keyword = value
		case "category":
			st.Category = value
		default:
			if i == 0 {
				st.Description = part
			}
		}
	}
	if st.Description == "" && st.Keyword == "" {
		return domain.Sticker{}, false
	}
	return st, true
}

func cutKey(part string) (string, string, bool) {
	idx := strings.IndexAny(part, ":：=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(part[:idx]))
	if _, ok := stickerKeys[key]; !ok {
		return "", "", false
	}
	_, size := utf8.DecodeRuneInString(part[idx:])
	return key, strings.TrimSpace(part[idx+size:]), true
}

func isASCIIAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
