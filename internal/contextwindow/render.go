package contextwindow

import (
	"fmt"
	"strings"

	"persona-chat/internal/domain"
)

const (
	currency           = "¥"
	maxRecordLines     = 4
	placeholderVoice   = "[voice message]"
	placeholderImage   = "[image]"
	placeholderSticker = "[sticker]"
)

// Render projects one message into its compact model-readable form.
func Render(m domain.Message) string {
	switch m.Kind {
	case domain.KindText, "":
		return strings.TrimSpace(m.Text)
	case domain.KindImage:
		if m.Image != nil && m.Image.Description != "" {
			return "[image: " + m.Image.Description + "]"
		}
		return placeholderImage
	case domain.KindSticker:
		if m.Sticker != nil && m.Sticker.Description != "" {
			return "[sticker: " + m.Sticker.Description + "]"
		}
		return placeholderSticker
	case domain.KindVoice:
		if m.Voice != nil && strings.TrimSpace(m.Voice.Transcript) != "" {
			return "[voice] " + strings.TrimSpace(m.Voice.Transcript)
		}
		return placeholderVoice
	case domain.KindTransfer:
		return renderTransfer(m)
	case domain.KindOrderShare:
		return renderOrder("takeout order", m)
	case domain.KindPayRequest:
		return renderOrder("pay request", m)
	case domain.KindForwardedRecord:
		return renderRecord(m.Record)
	case domain.KindGameResult:
		if m.Game == nil {
			return "[game result]"
		}
		return fmt.Sprintf("[game result: %s]", joinNonEmpty(" - ", m.Game.Game, m.Game.Outcome))
	case domain.KindMusicInvite:
		if m.Music == nil {
			return "[music invite]"
		}
		return fmt.Sprintf("[music invite: %s%s]", joinNonEmpty(" - ", m.Music.Title, m.Music.Artist), statusSuffix(m.Status))
	case domain.KindGameInvite:
		if m.Game == nil {
			return "[game invite" + statusSuffix(m.Status) + "]"
		}
		return fmt.Sprintf("[game invite: %s%s]", m.Game.Game, statusSuffix(m.Status))
	case domain.KindLocation:
		if m.Location == nil {
			return "[location]"
		}
		return fmt.Sprintf("[location: %s]", joinNonEmpty(", ", m.Location.Name, m.Location.Address, m.Location.City))
	case domain.KindPostShare:
		if m.Post == nil {
			return "[post]"
		}
		return "[post: " + m.Post.Content + "]"
	case domain.KindProfileShare:
		return "[profile card]"
	default:
		return ""
	}
}

func renderTransfer(m domain.Message) string {
	if m.Transfer == nil {
		return "[transfer]"
	}
	direction := "you sent"
	if m.Sender == domain.SenderUser {
		direction = "sent to you"
	}
	out := fmt.Sprintf("[transfer %s %s%s", direction, currency, m.Transfer.Amount.StringFixed(2))
	if m.Transfer.Note != "" {
		out += " \"" + m.Transfer.Note + "\""
	}
	return out + statusSuffix(m.Status) + "]"
}

func renderOrder(label string, m domain.Message) string {
	if m.Order == nil {
		return "[" + label + "]"
	}
	names := make([]string, 0, len(m.Order.Items))
	for _, it := range m.Order.Items {
		names = append(names, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
	}
	out := fmt.Sprintf("[%s #%s from %s: %s%s", label, m.Order.OrderID, m.Order.Merchant, currency, m.Order.Total.StringFixed(2))
	if len(names) > 0 {
		out += " (" + strings.Join(names, ", ") + ")"
	}
	return out + statusSuffix(m.Status) + "]"
}

func renderRecord(r *domain.ForwardedRecord) string {
	if r == nil {
		return "[forwarded chat record]"
	}
	lines := r.Lines
	more := 0
	if len(lines) > maxRecordLines {
		more = len(lines) - maxRecordLines
		lines = lines[:maxRecordLines]
	}
	out := "[forwarded chat record: " + r.Title + "]"
	if len(lines) > 0 {
		out += "\n" + strings.Join(lines, "\n")
	}
	if more > 0 {
		out += fmt.Sprintf("\n(+%d more)", more)
	}
	return out
}

func statusSuffix(status string) string {
	if status == "" {
		return ""
	}
	return ", " + status
}
