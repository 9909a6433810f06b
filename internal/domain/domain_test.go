package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPendingAction_ResolveOnce(t *testing.T) {
	a := PendingAction{ID: "p1", Kind: PendingTransfer}
	require.True(t, a.Open())

	require.NoError(t, a.Resolve(DecisionReject, "t1"))
	require.Equal(t, PendingRejected, a.Status)
	require.Equal(t, "t1", a.ResolvedBy)
	require.False(t, a.Open())

	require.ErrorIs(t, a.Resolve(DecisionAccept, "t2"), ErrAlreadyResolved)
	require.Equal(t, PendingRejected, a.Status)
	require.Equal(t, "t1", a.ResolvedBy)
}

func TestPendingAction_ResolveUnknown(t *testing.T) {
	a := PendingAction{Status: PendingOpen}
	require.Error(t, a.Resolve(DecisionUnknown, "t1"))
	require.True(t, a.Open())
}

func TestDecision_Status(t *testing.T) {
	require.Equal(t, PendingAccepted, DecisionAccept.Status())
	require.Equal(t, PendingRejected, DecisionReject.Status())
	require.Equal(t, PendingOpen, DecisionUnknown.Status())
	require.Equal(t, "unknown", Decision(9).String())
}

func TestDeliveryUnit_KindFollowsPayload(t *testing.T) {
	u := NewUnit(Transfer{Amount: decimal.RequireFromString("8.8"), Note: "tea"})
	require.Equal(t, UnitTransfer, u.Kind)
	require.False(t, u.IsText())
	require.Empty(t, u.Body())
	require.Equal(t, "[transfer 8.80 tea]", u.Summary())

	require.Equal(t, "hi", TextUnit("hi").Body())
	require.Equal(t, "[profile]", NewUnit(ProfileShare{}).Summary())
}

func TestDeliveryUnit_ToMessage(t *testing.T) {
	msg := NewUnit(Transfer{Amount: decimal.RequireFromString("20")}).ToMessage("c1", "t1")
	require.Equal(t, KindTransfer, msg.Kind)
	require.Equal(t, SenderPersona, msg.Sender)
	require.Equal(t, StatusPending, msg.Status)
	require.Equal(t, "t1", msg.TurnID)
	require.True(t, msg.Transfer.Amount.Equal(decimal.NewFromInt(20)))

	msg = NewUnit(Sticker{Description: "cat waving", Keyword: "hi"}).ToMessage("c1", "t1")
	require.Equal(t, KindSticker, msg.Kind)
	require.Equal(t, "hi", msg.Sticker.Keyword)
	require.Empty(t, msg.Status)

	msg = TextUnit("hello").ToMessage("c1", "t1")
	require.Equal(t, KindText, msg.Kind)
	require.Equal(t, "hello", msg.Text)
}
