package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"persona-chat/internal/domain"
	"persona-chat/internal/idempotency"
)

// Settler commits a settlement atomically. It returns
// domain.ErrAlreadyResolved when the action is no longer open and
// domain.ErrDuplicateEntry when the ledger already holds the entry.
type Settler interface {
	Settle(ctx context.Context, s domain.Settlement) error
}

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
	Update(ctx context.Context, conversationID, id string, patch domain.MessagePatch) error
}

type Guard interface {
	Do(ctx context.Context, identity string, fn func(context.Context) error) (bool, error)
	Seen(identity string) bool
}

// Outcome reports what Apply did.
type Outcome struct {
	Applied         bool
	Duplicate       bool
	AlreadyResolved bool
}

type Applier struct {
	settler  Settler
	messages MessageStore
	guard    Guard
	logger   *slog.Logger
	now      func() time.Time
}

func NewApplier(s Settler, m MessageStore, g Guard, logger *slog.Logger) (*Applier, error) {
	if s == nil {
		return nil, errors.New("resolver: settler must not be nil")
	}
	if m == nil {
		return nil, errors.New("resolver: message store must not be nil")
	}
	if g == nil {
		return nil, errors.New("resolver: guard must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{settler: s, messages: m, guard: g, logger: logger, now: time.Now}, nil
}

// resolution is what resolving one action commits and what the chat shows
// afterwards.
type resolution struct {
	settle    domain.Settlement
	msgStatus string
	notice    string
}

// Apply resolves the plan's action. The status change, the ledger entry and
// the balance change commit together under the transaction identity, so a
// failure leaves the action open for a later turn and a replay cannot move
// money twice. The request message and the notice are updated after commit.
func (a *Applier) Apply(ctx context.Context, plan Plan, turnID, language string) (Outcome, error) {
	act := plan.Action
	if plan.Decision != domain.DecisionAccept && plan.Decision != domain.DecisionReject {
		return Outcome{}, fmt.Errorf("resolver: apply %s: decision %s", act.ID, plan.Decision)
	}
	res, err := a.resolve(act, plan.Decision, turnID, language)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolver: apply %s: %w", act.ID, err)
	}

	identity := Identity(act)
	applied, err := a.guard.Do(ctx, identity, func(ctx context.Context) error {
		return a.settler.Settle(ctx, res.settle)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyResolved):
		a.logger.InfoContext(ctx, "pending action already resolved", "action_id", act.ID)
		return Outcome{AlreadyResolved: true}, nil
	case errors.Is(err, domain.ErrDuplicateEntry):
		return a.closeDuplicate(ctx, act, res.settle, identity)
	case err != nil:
		return Outcome{}, fmt.Errorf("resolver: settle %s: %w", act.ID, err)
	case !applied:
		if a.guard.Seen(identity) {
			return a.closeDuplicate(ctx, act, res.settle, identity)
		}
		// Another turn is settling the same identity right now.
		a.logger.InfoContext(ctx, "side effect in flight elsewhere", "action_id", act.ID, "identity", identity)
		return Outcome{Duplicate: true}, nil
	}

	if err := a.finish(ctx, act, res.msgStatus, res.notice); err != nil {
		return Outcome{Applied: true}, fmt.Errorf("resolver: notify %s: %w", act.ID, err)
	}
	return Outcome{Applied: true}, nil
}

// closeDuplicate resolves an action whose effect is already on the ledger
// under the same identity, without moving money again.
func (a *Applier) closeDuplicate(ctx context.Context, act domain.PendingAction, s domain.Settlement, identity string) (Outcome, error) {
	s.Entry, s.Delta = nil, decimal.Zero
	err := a.settler.Settle(ctx, s)
	if errors.Is(err, domain.ErrAlreadyResolved) {
		a.logger.InfoContext(ctx, "pending action already resolved", "action_id", act.ID)
		return Outcome{AlreadyResolved: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("resolver: close duplicate %s: %w", act.ID, err)
	}
	a.logger.InfoContext(ctx, "duplicate side effect skipped", "action_id", act.ID, "identity", identity)
	return Outcome{Duplicate: true}, nil
}

// Identity is the idempotency key of an action's side effect. Takeout
// payments key on the order so a re-sent request for the same order cannot
// pay twice.
func Identity(act domain.PendingAction) string {
	if act.Kind == domain.PendingTakeoutPayRequest && act.Order != nil && act.Order.OrderID != "" {
		return idempotency.OrderIdentity(act.Order.OrderID, act.Order.PlacedAt, act.Order.Items)
	}
	return idempotency.ActionIdentity(act.Kind, act.ID)
}

func (a *Applier) resolve(act domain.PendingAction, d domain.Decision, turnID, lang string) (resolution, error) {
	accept := d == domain.DecisionAccept
	res := resolution{settle: domain.Settlement{
		ConversationID: act.ConversationID,
		ActionID:       act.ID,
		Status:         d.Status(),
		TurnID:         turnID,
	}}
	switch act.Kind {
	case domain.PendingTransfer:
		if accept {
			res.msgStatus, res.notice = domain.StatusAccepted, notice(lang, noticeTransferAccepted, act.Amount)
			return res, nil
		}
		res.settle.Entry = &domain.LedgerEntry{
			ID:          Identity(act),
			Kind:        domain.LedgerTransferRefund,
			Amount:      act.Amount,
			Description: refundDescription(act),
			CreatedAt:   a.now(),
		}
		res.settle.Delta = act.Amount
		res.msgStatus, res.notice = domain.StatusRefunded, notice(lang, noticeTransferRefunded, act.Amount)
		return res, nil

	case domain.PendingTakeoutPayRequest:
		total := decimal.Zero
		merchant := ""
		if act.Order != nil {
			total, merchant = act.Order.Total, act.Order.Merchant
		}
		if !accept {
			res.msgStatus, res.notice = domain.StatusDeclined, notice(lang, noticeTakeoutDeclined, total)
			return res, nil
		}
		res.settle.Entry = &domain.LedgerEntry{
			ID:          Identity(act),
			Kind:        domain.LedgerTakeoutPaid,
			Amount:      total.Neg(),
			Description: "takeout " + merchant,
			CreatedAt:   a.now(),
		}
		res.msgStatus, res.notice = domain.StatusPaid, notice(lang, noticeTakeoutPaid, total)
		return res, nil

	case domain.PendingMusicInvite, domain.PendingGameInvite:
		if accept {
			res.msgStatus = domain.StatusJoined
			return res, nil
		}
		key := noticeMusicDeclined
		if act.Kind == domain.PendingGameInvite {
			key = noticeGameDeclined
		}
		res.msgStatus, res.notice = domain.StatusDeclined, notice(lang, key, decimal.Zero)
		return res, nil
	}
	return res, fmt.Errorf("unknown pending kind %q", act.Kind)
}

func refundDescription(act domain.PendingAction) string {
	if act.Note == "" {
		return "transfer refund"
	}
	return "transfer refund: " + act.Note
}

// finish updates the request message status and appends the notice.
func (a *Applier) finish(ctx context.Context, act domain.PendingAction, status, text string) error {
	if act.MessageID != "" {
		if err := a.messages.Update(ctx, act.ConversationID, act.MessageID, domain.MessagePatch{Status: &status}); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}
	_, err := a.messages.Append(ctx, domain.Message{
		ConversationID: act.ConversationID,
		Sender:         domain.SenderPersona,
		Kind:           domain.KindSystem,
		Text:           text,
		CreatedAt:      a.now(),
	})
	return err
}

type noticeKey int

const (
	noticeTransferAccepted noticeKey = iota
	noticeTransferRefunded
	noticeTakeoutPaid
	noticeTakeoutDeclined
	noticeMusicDeclined
	noticeGameDeclined
)

var notices = map[string]map[noticeKey]string{
	"zh": {
		noticeTransferAccepted: "对方已收款 ¥%s",
		noticeTransferRefunded: "对方已退还 ¥%s",
		noticeTakeoutPaid:      "对方已代付 ¥%s，商家已开始配送",
		noticeTakeoutDeclined:  "对方拒绝了代付请求",
		noticeMusicDeclined:    "对方婉拒了一起听歌的邀请",
		noticeGameDeclined:     "对方婉拒了游戏邀请",
	},
	"en": {
		noticeTransferAccepted: "Transfer of ¥%s accepted",
		noticeTransferRefunded: "Transfer of ¥%s refunded",
		noticeTakeoutPaid:      "Order paid (¥%s), delivery has started",
		noticeTakeoutDeclined:  "Pay request declined",
		noticeMusicDeclined:    "Listen-together invite declined",
		noticeGameDeclined:     "Game invite declined",
	},
}

func notice(lang string, key noticeKey, amount decimal.Decimal) string {
	table, ok := notices[lang]
	if !ok {
		table = notices["zh"]
	}
	tmpl := table[key]
	switch key {
	case noticeTransferAccepted, noticeTransferRefunded, noticeTakeoutPaid:
		return fmt.Sprintf(tmpl, amount.StringFixed(2))
	}
	return tmpl
}
