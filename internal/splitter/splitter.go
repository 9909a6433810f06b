// Package splitter turns one validated completion into the ordered chat
// bubbles the persona sends.
package splitter

import (
	"regexp"
	"strings"
	"unicode"

	"persona-chat/internal/command"
	"persona-chat/internal/domain"
	"persona-chat/internal/textutil"
)

// Range bounds the number of units a completion is split into.
type Range struct {
	Min int
	Max int
}

var (
	DefaultRange = Range{Min: 1, Max: 20}
	LiveRange    = Range{Min: 3, Max: 8}
)

// Config tunes splitting. Lengths are in runes.
type Config struct {
	Range Range
	// LongThreshold is both the length above which an unpunctuated fragment is
	// soft-split and the ceiling for the resulting pieces.
	LongThreshold int
	SoftTarget    int
	SoftWindow    int
	// ShortLen marks fragments short enough to merge with a neighbour.
	ShortLen int
}

func DefaultConfig() Config {
	return Config{
		Range:         DefaultRange,
		LongThreshold: 60,
		SoftTarget:    40,
		SoftWindow:    15,
		ShortLen:      4,
	}
}

const minPiece = 2

var imagePattern = regexp.MustCompile(`(?i)[\[【]\s*(?:image|photo|picture|图片|照片)\s*[:：]\s*([^\]】]+)[\]】]`)

// Splitter splits completions. It is safe for concurrent use.
type Splitter struct {
	cfg    Config
	parser *command.Parser
}

// New returns a Splitter. Zero config fields take DefaultConfig values; a nil
// parser leaves command tokens as plain text.
func New(cfg Config, parser *command.Parser) *Splitter {
	def := DefaultConfig()
	if cfg.Range.Max <= 0 {
		cfg.Range = def.Range
	}
	if cfg.Range.Min <= 0 {
		cfg.Range.Min = 1
	}
	if cfg.LongThreshold <= 0 {
		cfg.LongThreshold = def.LongThreshold
	}
	if cfg.SoftTarget <= 0 || cfg.SoftTarget > cfg.LongThreshold {
		cfg.SoftTarget = cfg.LongThreshold * 2 / 3
	}
	if cfg.SoftWindow <= 0 {
		cfg.SoftWindow = def.SoftWindow
	}
	if cfg.ShortLen <= 0 {
		cfg.ShortLen = def.ShortLen
	}
	return &Splitter{cfg: cfg, parser: parser}
}

// Split uses the configured range.
func (s *Splitter) Split(text string) []domain.DeliveryUnit {
	return s.SplitRange(text, s.cfg.Range)
}

// SplitRange splits text and clamps the unit count into r.
func (s *Splitter) SplitRange(text string, r Range) []domain.DeliveryUnit {
	if r.Max <= 0 {
		r = s.cfg.Range
	}
	if r.Min <= 0 {
		r.Min = 1
	}
	if r.Min > r.Max {
		r.Min = r.Max
	}

	frags := s.merge(fragments(text))
	units := extractImages(frags)
	if s.parser != nil {
		units = s.parser.ParseAll(units)
	}
	units = s.softSplitLong(units)
	units = s.clamp(units, r)
	for i, u := range units {
		if u.IsText() {
			units[i] = domain.TextUnit(punctuate(u.Body()))
		}
	}
	return units
}

// fragments cuts text after sentence-final punctuation and at line breaks,
// never inside a command or image token.
func fragments(text string) []string {
	protected := protectedSpans(text)
	var out []string
	start := 0
	cut := func(end int) {
		if f := strings.TrimSpace(text[start:end]); f != "" {
			out = append(out, f)
		}
		start = end
	}

	runes := []rune(text)
	offsets := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		offsets[i] = off
		off += len(string(r))
	}
	offsets[len(runes)] = off

	for i := 0; i < len(runes); i++ {
		if end, ok := spanEnd(protected, offsets[i]); ok {
			for i+1 < len(runes) && offsets[i+1] < end {
				i++
			}
			continue
		}
		r := runes[i]
		if r == '\n' || r == '\r' {
			cut(offsets[i])
			start = offsets[i+1]
			continue
		}
		if !isTerminalAt(runes, i) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminalRune(runes[j]) || isCloser(runes[j])) {
			j++
		}
		cut(offsets[j])
		i = j - 1
	}
	cut(len(text))
	return out
}

func protectedSpans(text string) []command.Span {
	spans := command.Spans(text)
	for _, loc := range imagePattern.FindAllStringIndex(text, -1) {
		spans = append(spans, command.Span{Start: loc[0], End: loc[1]})
	}
	return spans
}

func spanEnd(spans []command.Span, off int) (int, bool) {
	for _, sp := range spans {
		if off >= sp.Start && off < sp.End {
			return sp.End, true
		}
	}
	return 0, false
}

func isTerminalRune(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '…', '~', '～', '.':
		return true
	}
	return false
}

// isTerminalAt treats '.' as terminal only when it is not part of a number
// and is followed by a space, a line end, or CJK text.
func isTerminalAt(runes []rune, i int) bool {
	r := runes[i]
	if !isTerminalRune(r) {
		return false
	}
	if r != '.' {
		return true
	}
	if i+1 >= len(runes) {
		return true
	}
	next := runes[i+1]
	if next == '.' {
		return true
	}
	if i > 0 && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(next) {
		return false
	}
	return unicode.IsSpace(next) || textutil.IsCJK(next) || isCloser(next)
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', ')', '）', '】', ']':
		return true
	}
	return false
}

func endsTerminal(s string) bool {
	s = strings.TrimRightFunc(s, func(r rune) bool { return isCloser(r) || unicode.IsSpace(r) })
	return s != "" && isTerminalRune(textutil.LastRune(s))
}

var connectors = []string{
	"的", "了", "吗", "呢", "吧", "啊", "呀", "哦", "嘛", "和", "但", "而且", "所以", "因为",
	"然后", "还", "就", "也", "都", "或者", "不过", "可是", "并且", "，", "、", ",",
	"and ", "but ", "or ", "so ", "because ", "then ", "which ", "that ",
}

func looksLikeContinuation(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range connectors {
		if strings.HasPrefix(lower, c) {
			return true
		}
	}
	first := textutil.FirstRune(s)
	return unicode.IsLower(first)
}

// merge repairs over-eager line breaks: an unterminated fragment absorbs the
// next one when it reads as a continuation or either side is short.
func (s *Splitter) merge(frags []string) []string {
	if len(frags) < 2 {
		return frags
	}
	out := []string{frags[0]}
	for _, next := range frags[1:] {
		prev := out[len(out)-1]
		if s.shouldMerge(prev, next) {
			out[len(out)-1] = textutil.Join(prev, next)
			continue
		}
		out = append(out, next)
	}
	return out
}

func (s *Splitter) shouldMerge(prev, next string) bool {
	if endsTerminal(prev) {
		return false
	}
	if hasToken(prev) || hasToken(next) {
		return false
	}
	if textutil.Len(prev)+textutil.Len(next) > s.cfg.LongThreshold {
		return false
	}
	return looksLikeContinuation(next) ||
		textutil.Len(prev) <= s.cfg.ShortLen ||
		textutil.Len(next) <= s.cfg.ShortLen
}

func hasToken(s string) bool {
	return command.Contains(s) || imagePattern.MatchString(s)
}

// extractImages lifts every image token into its own unit, keeping the
// surrounding text in place.
func extractImages(frags []string) []domain.DeliveryUnit {
	units := make([]domain.DeliveryUnit, 0, len(frags))
	for _, f := range frags {
		locs := imagePattern.FindAllStringSubmatchIndex(f, -1)
		if len(locs) == 0 {
			units = append(units, domain.TextUnit(f))
			continue
		}
		pos := 0
		for _, loc := range locs {
			if before := strings.TrimSpace(f[pos:loc[0]]); textutil.HasContent(before) {
				units = append(units, domain.TextUnit(before))
			}
			units = append(units, domain.NewUnit(domain.Image{Description: strings.TrimSpace(f[loc[2]:loc[3]])}))
			pos = loc[1]
		}
		if after := strings.TrimSpace(f[pos:]); textutil.HasContent(after) {
			units = append(units, domain.TextUnit(after))
		}
	}
	return units
}

func (s *Splitter) softSplitLong(units []domain.DeliveryUnit) []domain.DeliveryUnit {
	out := make([]domain.DeliveryUnit, 0, len(units))
	for _, u := range units {
		body := u.Body()
		if !u.IsText() || textutil.Len(body) <= s.cfg.LongThreshold || endsTerminal(body) {
			out = append(out, u)
			continue
		}
		for _, piece := range s.softSplit(body) {
			out = append(out, domain.TextUnit(piece))
		}
	}
	return out
}

// softSplit cuts text into pieces that stay under LongThreshold once a
// terminal is appended, preferring natural delimiters near SoftTarget and
// never cutting inside a word.
func (s *Splitter) softSplit(text string) []string {
	var pieces []string
	limit := s.cfg.LongThreshold - 1
	runes := []rune(strings.TrimSpace(text))
	for len(runes) > limit {
		at := s.findCut(runes, s.cfg.SoftTarget, s.cfg.SoftWindow, limit)
		if p := strings.TrimSpace(string(runes[:at])); p != "" {
			pieces = append(pieces, p)
		}
		runes = []rune(strings.TrimSpace(string(runes[at:])))
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

func isSoftDelimiter(r rune) bool {
	switch r {
	case '，', ',', '、', '；', ';', '：', ':', '—':
		return true
	}
	return false
}

// cutPoints lists the indexes at which runes may be cut at a natural
// delimiter: after soft punctuation, or at a space.
func cutPoints(runes []rune) []int {
	var pts []int
	for i := 1; i < len(runes); i++ {
		if isSoftDelimiter(runes[i-1]) || unicode.IsSpace(runes[i]) {
			pts = append(pts, i)
		}
	}
	return pts
}

// findCut picks a cut index in (0, limit]. Preference order: the delimiter
// closest to target inside the window, the last delimiter before limit, then
// the nearest word boundary at or before target.
func (s *Splitter) findCut(runes []rune, target, window, limit int) int {
	if limit > len(runes)-1 {
		limit = len(runes) - 1
	}
	if target > limit {
		target = limit
	}
	best, bestDist := -1, 0
	lastBefore := -1
	for _, p := range cutPoints(runes) {
		if p < minPiece || p > limit {
			continue
		}
		lastBefore = p
		d := abs(p - target)
		if d <= window && (best < 0 || d < bestDist) {
			best, bestDist = p, d
		}
	}
	if best > 0 {
		return best
	}
	if lastBefore > 0 {
		return lastBefore
	}
	for p := target; p >= minPiece; p-- {
		if !(textutil.IsWordRune(runes[p-1]) && textutil.IsWordRune(runes[p])) {
			return p
		}
	}
	return limit
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// clamp brings the unit count into r. Structured units are never merged or
// dropped, so a reply carrying more than r.Max of them keeps all of them and
// at most one text unit.
func (s *Splitter) clamp(units []domain.DeliveryUnit, r Range) []domain.DeliveryUnit {
	for len(units) < r.Min {
		idx := longestSplittable(units)
		if idx < 0 {
			break
		}
		runes := []rune(units[idx].Body())
		mid := len(runes) / 2
		at := s.findCut(runes, mid, mid, len(runes)-minPiece)
		if textutil.IsWordRune(runes[at-1]) && textutil.IsWordRune(runes[at]) {
			break
		}
		left := strings.TrimSpace(string(runes[:at]))
		right := strings.TrimSpace(string(runes[at:]))
		if left == "" || right == "" {
			break
		}
		next := make([]domain.DeliveryUnit, 0, len(units)+1)
		next = append(next, units[:idx]...)
		next = append(next, domain.TextUnit(left), domain.TextUnit(right))
		next = append(next, units[idx+1:]...)
		units = next
	}
	for len(units) > r.Max {
		if i := s.mergeCandidate(units); i >= 0 {
			merged := domain.TextUnit(joinSentences(units[i-1].Body(), units[i].Body()))
			units = append(units[:i-1], append([]domain.DeliveryUnit{merged}, units[i+1:]...)...)
			continue
		}
		// Fold the last text unit into the text before it, across the
		// structured units in between.
		i, j := textPairAcross(units)
		if j < 0 {
			break
		}
		next := make([]domain.DeliveryUnit, 0, len(units)-1)
		next = append(next, units[:i]...)
		next = append(next, domain.TextUnit(joinSentences(units[i].Body(), units[j].Body())))
		next = append(next, units[i+1:j]...)
		next = append(next, units[j+1:]...)
		units = next
	}
	return units
}

// textPairAcross returns the indexes of the last two text units, or -1s when
// there are fewer than two.
func textPairAcross(units []domain.DeliveryUnit) (int, int) {
	j := -1
	for k := len(units) - 1; k >= 0; k-- {
		if !units[k].IsText() {
			continue
		}
		if j < 0 {
			j = k
			continue
		}
		return k, j
	}
	return -1, -1
}

func longestSplittable(units []domain.DeliveryUnit) int {
	idx, longest := -1, 0
	for i, u := range units {
		n := textutil.Len(u.Body())
		if u.IsText() && n >= 2*minPiece && n > longest {
			idx, longest = i, n
		}
	}
	return idx
}

// mergeCandidate returns the index of the second unit of the trailing-most
// pair of adjacent text units, preferring pairs that fit under the ceiling.
func (s *Splitter) mergeCandidate(units []domain.DeliveryUnit) int {
	fallback := -1
	for i := len(units) - 1; i >= 1; i-- {
		if !units[i].IsText() || !units[i-1].IsText() {
			continue
		}
		if textutil.Len(units[i-1].Body())+textutil.Len(units[i].Body()) <= s.cfg.LongThreshold {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// joinSentences merges two bubbles, adding a comma when the first one ends
// without punctuation.
func joinSentences(a, b string) string {
	a = strings.TrimSpace(a)
	last := textutil.LastRune(a)
	if a != "" && !unicode.IsPunct(last) && !unicode.IsSymbol(last) {
		if textutil.MostlyCJK(a) {
			a += "，"
		} else {
			a += ","
		}
	}
	return textutil.Join(a, b)
}

// punctuate appends a sentence terminal unless the text already ends in
// punctuation or an expressive symbol.
func punctuate(s string) string {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimRightFunc(s, func(r rune) bool {
		return r == '\uFE0F' || r == '\u200D' || unicode.Is(unicode.Mn, r)
	})
	if trimmed == "" {
		return s
	}
	last := textutil.LastRune(trimmed)
	if unicode.IsPunct(last) || unicode.IsSymbol(last) {
		return s
	}
	if textutil.MostlyCJK(s) {
		return s + "。"
	}
	return s + "."
}
