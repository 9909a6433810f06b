package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UnitKind tags a DeliveryUnit.
type UnitKind string

const (
	UnitText         UnitKind = "plain-text"
	UnitTransfer     UnitKind = "transfer"
	UnitMusicInvite  UnitKind = "music-invite"
	UnitLocation     UnitKind = "location"
	UnitPostShare    UnitKind = "post-share"
	UnitSticker      UnitKind = "sticker"
	UnitProfileShare UnitKind = "profile-share"
	UnitImage        UnitKind = "image"
)

// Payload is the closed set of delivery unit payloads. The unexported method
// keeps the set sealed to this package.
type Payload interface {
	unitKind() UnitKind
}

type Text struct{ Body string }

type Transfer struct {
	Amount decimal.Decimal
	Note   string
	Status string
}

type MusicInvite struct {
	Title  string
	Artist string
}

type Location struct {
	Name    string
	Address string
	City    string
}

type PostShare struct{ Content string }

type Sticker struct {
	Description string
	Keyword     string
	Category    string
}

type ProfileShare struct{}

type Image struct{ Description string }

func (Text) unitKind() UnitKind         { return UnitText }
func (Transfer) unitKind() UnitKind     { return UnitTransfer }
func (MusicInvite) unitKind() UnitKind  { return UnitMusicInvite }
func (Location) unitKind() UnitKind     { return UnitLocation }
func (PostShare) unitKind() UnitKind    { return UnitPostShare }
func (Sticker) unitKind() UnitKind      { return UnitSticker }
func (ProfileShare) unitKind() UnitKind { return UnitProfileShare }
func (Image) unitKind() UnitKind        { return UnitImage }

// DeliveryUnit is one atomic thing the persona sends. Kind always matches the
// payload; build units with NewUnit or TextUnit.
type DeliveryUnit struct {
	Kind    UnitKind
	Payload Payload
}

func NewUnit(p Payload) DeliveryUnit {
	return DeliveryUnit{Kind: p.unitKind(), Payload: p}
}

func TextUnit(body string) DeliveryUnit {
	return NewUnit(Text{Body: body})
}

// IsText reports whether the unit is plain text.
func (u DeliveryUnit) IsText() bool {
	return u.Kind == UnitText
}

// Body returns the text of a plain-text unit and "" for any other kind.
func (u DeliveryUnit) Body() string {
	if t, ok := u.Payload.(Text); ok {
		return t.Body
	}
	return ""
}

// Summary renders the unit as the short text used for pacing, logging and
// decision inference.
func (u DeliveryUnit) Summary() string {
	switch p := u.Payload.(type) {
	case Text:
		return p.Body
	case Transfer:
		if p.Note == "" {
			return fmt.Sprintf("[transfer %s]", p.Amount.StringFixed(2))
		}
		return fmt.Sprintf("[transfer %s %s]", p.Amount.StringFixed(2), p.Note)
	case MusicInvite:
		return strings.TrimSpace(fmt.Sprintf("[music %s %s]", p.Title, p.Artist))
	case Location:
		return strings.TrimSpace(fmt.Sprintf("[location %s %s]", p.Name, p.Address))
	case PostShare:
		return "[post] " + p.Content
	case Sticker:
		return "[sticker " + p.Description + "]"
	case ProfileShare:
		return "[profile]"
	case Image:
		return "[image " + p.Description + "]"
	default:
		return ""
	}
}

// ToMessage converts a delivered unit into a persona-authored message.
func (u DeliveryUnit) ToMessage(conversationID, turnID string) Message {
	msg := Message{
		ConversationID: conversationID,
		TurnID:         turnID,
		Sender:         SenderPersona,
	}
	switch p := u.Payload.(type) {
	case Text:
		msg.Kind = KindText
		msg.Text = p.Body
	case Transfer:
		msg.Kind = KindTransfer
		msg.Status = p.Status
		if msg.Status == "" {
			msg.Status = StatusPending
		}
		msg.Transfer = &TransferInfo{Amount: p.Amount, Note: p.Note}
	case MusicInvite:
		msg.Kind = KindMusicInvite
		msg.Status = StatusPending
		msg.Music = &MusicInfo{Title: p.Title, Artist: p.Artist}
	case Location:
		msg.Kind = KindLocation
		msg.Location = &LocationInfo{Name: p.Name, Address: p.Address, City: p.City}
	case PostShare:
		msg.Kind = KindPostShare
		msg.Post = &PostInfo{Content: p.Content}
	case Sticker:
		msg.Kind = KindSticker
		msg.Sticker = &StickerInfo{Description: p.Description, Keyword: p.Keyword, Category: p.Category}
	case ProfileShare:
		msg.Kind = KindProfileShare
		msg.Profile = &ProfileInfo{}
	case Image:
		msg.Kind = KindImage
		msg.Image = &ImageInfo{Description: p.Description}
	}
	return msg
}
