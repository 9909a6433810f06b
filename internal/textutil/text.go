// Package textutil holds the rune-level helpers shared by the splitter and
// the command parser.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Len counts runes.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

// IsCJK reports whether r is a Han, kana or Hangul rune, or CJK punctuation.
func IsCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

// IsWordRune reports whether r is part of a space-delimited word.
func IsWordRune(r rune) bool {
	return !IsCJK(r) && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-' || r == '_')
}

// Join concatenates two fragments, inserting a space only between two
// space-delimited scripts.
func Join(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	last, _ := utf8.DecodeLastRuneInString(a)
	first, _ := utf8.DecodeRuneInString(b)
	if IsCJK(last) || IsCJK(first) {
		return a + b
	}
	if unicode.IsPunct(first) && first != '(' && first != '"' {
		return a + b
	}
	return a + " " + b
}

// HasContent reports whether s carries anything beyond whitespace and
// punctuation.
func HasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSymbol(r) {
			return true
		}
	}
	return false
}

// LastRune returns the final rune of s, or utf8.RuneError for "".
func LastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

// FirstRune returns the first rune of s, or utf8.RuneError for "".
func FirstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// MostlyCJK reports whether CJK runes outnumber other letters in s.
func MostlyCJK(s string) bool {
	cjk, other := 0, 0
	for _, r := range s {
		switch {
		case IsCJK(r) && unicode.IsLetter(r):
			cjk++
		case unicode.IsLetter(r):
			other++
		}
	}
	return cjk > other
}
