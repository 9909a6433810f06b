package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind tags the payload carried by a Message.
type MessageKind string

const (
	KindText            MessageKind = "text"
	KindImage           MessageKind = "image"
	KindSticker         MessageKind = "sticker"
	KindTransfer        MessageKind = "transfer"
	KindVoice           MessageKind = "voice"
	KindOrderShare      MessageKind = "order-share"
	KindPayRequest      MessageKind = "pay-request"
	KindForwardedRecord MessageKind = "forwarded-record"
	KindGameResult      MessageKind = "game-result"
	KindMusicInvite     MessageKind = "music-invite"
	KindGameInvite      MessageKind = "game-invite"
	KindLocation        MessageKind = "location"
	KindPostShare       MessageKind = "post-share"
	KindProfileShare    MessageKind = "profile-share"
	KindSystem          MessageKind = "system"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser    Sender = "user"
	SenderPersona Sender = "persona"
)

// Message statuses used by transactional payloads.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRefunded = "refunded"
	StatusDeclined = "declined"
	StatusJoined   = "joined"
	StatusPaid     = "paid"
)

// Message is a single persisted chat message. Exactly one payload pointer is
// set for non-text kinds.
type Message struct {
	PK             string
	SK             string
	ID             string
	ConversationID string
	TurnID         string
	Sender         Sender
	Kind           MessageKind
	Text           string
	Status         string
	CreatedAt      time.Time
	TTL            int64

	Image    *ImageInfo
	Sticker  *StickerInfo
	Transfer *TransferInfo
	Voice    *VoiceInfo
	Order    *OrderInfo
	Record   *ForwardedRecord
	Game     *GameInfo
	Music    *MusicInfo
	Location *LocationInfo
	Post     *PostInfo
	Profile  *ProfileInfo
}

type ImageInfo struct {
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

type StickerInfo struct {
	Description string `json:"description,omitempty"`
	Keyword     string `json:"keyword,omitempty"`
	Category    string `json:"category,omitempty"`
	URL         string `json:"url,omitempty"`
}

type TransferInfo struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

type VoiceInfo struct {
	Transcript string `json:"transcript,omitempty"`
	Seconds    int    `json:"seconds,omitempty"`
}

type OrderItem struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// OrderInfo describes a takeout order, either shared or sent as a pay request.
type OrderInfo struct {
	OrderID   string          `json:"orderId"`
	Merchant  string          `json:"merchant"`
	Recipient string          `json:"recipient,omitempty"`
	Total     decimal.Decimal `json:"total"`
	Items     []OrderItem     `json:"items,omitempty"`
	PlacedAt  time.Time       `json:"placedAt"`
}

type ForwardedRecord struct {
	Title string   `json:"title"`
	Lines []string `json:"lines,omitempty"`
}

type GameInfo struct {
	Game    string `json:"game"`
	Outcome string `json:"outcome,omitempty"`
}

type MusicInfo struct {
	Title  string `json:"title"`
	Artist string `json:"artist,omitempty"`
}

type LocationInfo struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
}

type PostInfo struct {
	Content string `json:"content"`
}

type ProfileInfo struct {
	PersonaID string `json:"personaId,omitempty"`
	Name      string `json:"name,omitempty"`
}

// MessagePatch is a partial update applied to a stored message.
type MessagePatch struct {
	Status *string
	Text   *string
}

// ConversationMeta stores aggregate conversation state. InFlightTurn and
// LeaseUntil describe the turn lease; LeftAt is the last time the user left
// the conversation view.
type ConversationMeta struct {
	ConversationID string
	LastActivity   time.Time
	Messages       int
	InFlightTurn   string
	LeaseUntil     time.Time
	LeftAt         time.Time
}

// TurnInFlight reports whether an unexpired lease holds the conversation.
func (m ConversationMeta) TurnInFlight(now time.Time) bool {
	return m.InFlightTurn != "" && now.Before(m.LeaseUntil)
}

var (
	ErrTurnInProgress = errors.New("domain: another turn holds the conversation")
	ErrLeaseLost      = errors.New("domain: turn lease no longer held")
)

// Excerpt is the recent tail of another conversation with the same persona.
type Excerpt struct {
	ConversationID string
	Messages       []Message
}

// TurnLease is a granted claim on a conversation. Previous names the turn
// whose expired lease was taken over, if any.
type TurnLease struct {
	TurnID   string
	Until    time.Time
	Previous string
}
