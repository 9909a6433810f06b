package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAlreadyResolved is returned when a terminal pending action is resolved again.
var ErrAlreadyResolved = errors.New("domain: pending action already resolved")

// PendingKind is the kind of transactional request awaiting the persona.
type PendingKind string

const (
	PendingTransfer          PendingKind = "transfer"
	PendingMusicInvite       PendingKind = "music-invite"
	PendingGameInvite        PendingKind = "game-invite"
	PendingTakeoutPayRequest PendingKind = "takeout-pay-request"
)

// PendingStatus is pending until resolved, then accepted or rejected forever.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "pending"
	PendingAccepted PendingStatus = "accepted"
	PendingRejected PendingStatus = "rejected"
)

// PendingAction is a request from the user's previous turn awaiting the
// persona's decision. MessageID points at the message that carried it.
type PendingAction struct {
	ID             string
	ConversationID string
	MessageID      string
	Kind           PendingKind
	Status         PendingStatus
	ResolvedBy     string
	CreatedAt      time.Time

	Amount decimal.Decimal
	Note   string

	Track  string
	Artist string
	Game   string

	Order *OrderInfo
}

// Open reports whether the action still awaits a decision.
func (p PendingAction) Open() bool {
	return p.Status == "" || p.Status == PendingOpen
}

// Resolve moves an open action to its terminal state for the given decision.
func (p *PendingAction) Resolve(d Decision, turnID string) error {
	if !p.Open() {
		return ErrAlreadyResolved
	}
	switch d {
	case DecisionAccept:
		p.Status = PendingAccepted
	case DecisionReject:
		p.Status = PendingRejected
	default:
		return errors.New("domain: cannot resolve with an unknown decision")
	}
	p.ResolvedBy = turnID
	return nil
}

// Decision is the persona's stance on a pending action.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionAccept
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Status returns the pending status a decision resolves to.
func (d Decision) Status() PendingStatus {
	switch d {
	case DecisionAccept:
		return PendingAccepted
	case DecisionReject:
		return PendingRejected
	default:
		return PendingOpen
	}
}

// DecisionInference is the ephemeral result of scanning a turn's units.
// Index is the last unit with unambiguous evidence, or -1.
type DecisionInference struct {
	Decision Decision
	Index    int
}
