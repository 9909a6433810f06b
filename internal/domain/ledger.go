package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds written by pending action resolution.
const (
	LedgerTransferRefund = "transfer-refund"
	LedgerTakeoutPaid    = "takeout-paid"
)

// LedgerEntry records one wallet movement. ID doubles as the idempotency
// key of the effect that produced it.
type LedgerEntry struct {
	ID          string
	Kind        string
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// ErrDuplicateEntry is returned when a ledger entry with the same ID exists.
var ErrDuplicateEntry = errors.New("domain: ledger entry already recorded")

// Settlement resolves a pending action together with the wallet movement it
// causes. Entry is nil for decisions that move no money; Delta is added to
// the balance when non-zero. The three writes commit together or not at all.
type Settlement struct {
	ConversationID string
	ActionID       string
	Status         PendingStatus
	TurnID         string
	Entry          *LedgerEntry
	Delta          decimal.Decimal
}
