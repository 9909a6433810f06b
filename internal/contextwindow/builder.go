// Package contextwindow selects a bounded, chronological slice of
// conversation history and projects it into model-ready turns.
package contextwindow

import (
	"sort"
	"strings"
	"unicode/utf8"

	"persona-chat/internal/domain"
)

const (
	defaultMaxRounds = 20
	defaultMaxChars  = 6000
)

// Limits bounds the selected window.
type Limits struct {
	// MaxRounds counts user-authored entries.
	MaxRounds int
	// MaxChars is the rune budget over all rendered contents.
	MaxChars int
}

// Source is extra context merged into the window, such as messages the
// persona saw in another conversation.
type Source struct {
	Label    string
	Messages []domain.Message
}

type candidate struct {
	msg   domain.Message
	label string
}

// Build walks history newest-first and keeps whole entries until either limit
// would be exceeded. The result is chronological.
func Build(history []domain.Message, limits Limits, merge ...Source) []domain.ChatMessage {
	if limits.MaxRounds <= 0 {
		limits.MaxRounds = defaultMaxRounds
	}
	if limits.MaxChars <= 0 {
		limits.MaxChars = defaultMaxChars
	}

	all := make([]candidate, 0, len(history))
	for _, m := range history {
		all = append(all, candidate{msg: m})
	}
	for _, src := range merge {
		for _, m := range src.Messages {
			all = append(all, candidate{msg: m, label: src.Label})
		}
	}
	// Stable so equal timestamps keep input order.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].msg.CreatedAt.Before(all[j].msg.CreatedAt)
	})

	kept := make([]domain.ChatMessage, 0, len(all))
	rounds, chars := 0, 0
	for i := len(all) - 1; i >= 0; i-- {
		c := all[i]
		if c.msg.Kind == domain.KindSystem {
			continue
		}
		content := Render(c.msg)
		if content == "" {
			continue
		}
		if c.label != "" {
			content = "[from " + c.label + "] " + content
		}
		userAuthored := c.msg.Sender == domain.SenderUser
		if userAuthored && rounds+1 > limits.MaxRounds {
			break
		}
		n := utf8.RuneCountInString(content)
		if chars+n > limits.MaxChars {
			break
		}
		if userAuthored {
			rounds++
		}
		chars += n
		kept = append(kept, domain.ChatMessage{Role: role(c.msg), Content: content})
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func role(m domain.Message) string {
	if m.Sender == domain.SenderUser {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

// Size returns the rune count of all contents, the quantity MaxChars bounds.
func Size(msgs []domain.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
