package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	queryOut     *dynamodb.QueryOutput
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastQueryIn  *dynamodb.QueryInput
	queries      []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, f.updateErr
	}
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	f.queries = append(f.queries, in)
	if len(f.queryOuts) > 0 {
		out := f.queryOuts[0]
		f.queryOuts = f.queryOuts[1:]
		return out, f.queryErr
	}
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", WithClock(func() time.Time { return fixedNow }), WithWalletID("w1"))
	require.NoError(t, err)
	return c
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func sAttr(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func nAttr(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
	require.Equal(t, "WALLET#w1", walletPK("w1"))
	require.Equal(t, "MSG#abc", msgSK("abc"))
	require.Equal(t, "PENDING#p1", pendingSK("p1"))
	require.Equal(t, "LEDGER#order:1", ledgerSK("order:1"))
}

func TestKeyTime_SortsChronologically(t *testing.T) {
	a := keyTime(time.Date(2026, 3, 1, 12, 0, 5, 100_000_000, time.UTC))
	b := keyTime(time.Date(2026, 3, 1, 12, 0, 5, 120_000_000, time.UTC))
	require.Less(t, a, b)
	require.Len(t, a, len(b))
}

func TestAppend_AssignsKeysAndBumpsMeta(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	msg, err := c.Append(context.Background(), domain.Message{
		ConversationID: "abc",
		Sender:         domain.SenderPersona,
		Kind:           domain.KindText,
		Text:           "hello",
		TurnID:         "t1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "CONV#abc", msg.PK)
	require.Equal(t, "MSG#"+msg.ID, msg.SK)
	require.Equal(t, fixedNow, msg.CreatedAt)
	require.Equal(t, fixedNow.Add(ttlDuration).Unix(), msg.TTL)

	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
	require.Equal(t, "hello", put.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "t1", put.Item["turnId"].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, put.Item, "payload")

	upd := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, skMeta, upd.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *upd.UpdateExpression, "ADD messages :one")
}

func TestAppend_EncodesPayload(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	_, err := c.Append(context.Background(), domain.Message{
		ConversationID: "abc",
		Sender:         domain.SenderUser,
		Kind:           domain.KindTransfer,
		Status:         domain.StatusPending,
		Transfer:       &domain.TransferInfo{Amount: decimal.RequireFromString("50.00"), Note: "午饭钱"},
	})
	require.NoError(t, err)
	payload := db.lastTxInput.TransactItems[0].Put.Item["payload"].(*types.AttributeValueMemberS).Value
	require.JSONEq(t, `{"amount":"50","note":"午饭钱"}`, payload)
}

func TestAppend_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.Append(context.Background(), domain.Message{Kind: domain.KindText})
	require.ErrorContains(t, err, "conversation id")
	_, err = c.Append(context.Background(), domain.Message{ConversationID: "abc"})
	require.ErrorContains(t, err, "kind")
}

func TestAppend_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	_, err := c.Append(context.Background(), domain.Message{ConversationID: "abc", Kind: domain.KindText})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Append")
}

func TestUpdate_SetsStatus(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	status := domain.StatusRefunded
	err := c.Update(context.Background(), "abc", "m1", domain.MessagePatch{Status: &status})
	require.NoError(t, err)
	require.Equal(t, "SET #status = :status", *db.lastUpdateIn.UpdateExpression)
	require.Equal(t, "MSG#m1", db.lastUpdateIn.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "refunded", db.lastUpdateIn.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)
}

func TestUpdate_EmptyPatch(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.Update(context.Background(), "abc", "m1", domain.MessagePatch{})
	require.ErrorContains(t, err, "empty patch")
	require.Nil(t, db.lastUpdateIn)
}

func TestUpdate_MissingMessage(t *testing.T) {
	db := &fakeDynamo{updateErr: conditionFailed()}
	c := mustNewClient(t, db)
	text := "edited"
	err := c.Update(context.Background(), "abc", "m1", domain.MessagePatch{Text: &text})
	require.ErrorContains(t, err, "not found")
}

func makeMessageItem(id, sender, kind, text string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        sAttr("CONV#abc"),
		"SK":        sAttr("MSG#" + id),
		"sender":    sAttr(sender),
		"kind":      sAttr(kind),
		"text":      sAttr(text),
		"createdAt": sAttr("2026-02-27T11:00:00Z"),
	}
}

func TestList_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeMessageItem("2", "persona", "text", "newer"),
				makeMessageItem("1", "user", "text", "older"),
			},
		},
	}
	c := mustNewClient(t, db)
	msgs, err := c.List(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "older", msgs[0].Text)
	require.Equal(t, "1", msgs[0].ID)
	require.Equal(t, "abc", msgs[0].ConversationID)
	require.Equal(t, domain.SenderUser, msgs[0].Sender)
	require.Equal(t, "newer", msgs[1].Text)

	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(20), *db.lastQueryIn.Limit)
}

func TestList_DecodesPayload(t *testing.T) {
	item := makeMessageItem("1", "user", "pay-request", "")
	item["status"] = sAttr("pending")
	item["payload"] = sAttr(`{"orderId":"o1","merchant":"老王面馆","total":"28.5","placedAt":"2026-02-27T11:00:00Z"}`)
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)

	msgs, err := c.List(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Nil(t, db.lastQueryIn.Limit)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Order)
	require.Equal(t, "o1", msgs[0].Order.OrderID)
	require.True(t, msgs[0].Order.Total.Equal(decimal.RequireFromString("28.50")))
	require.Equal(t, "pending", msgs[0].Status)
}

func TestList_EmptyResult(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	msgs, err := c.List(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestList_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.List(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "List")
}

func TestList_MalformedItem_MissingKind(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": sAttr("CONV#abc"),
		"SK": sAttr("MSG#ts"),
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	_, err := c.List(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kind")
}

func TestCreatePending_ConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	a, err := c.CreatePending(context.Background(), domain.PendingAction{
		ConversationID: "abc",
		MessageID:      "m1",
		Kind:           domain.PendingTakeoutPayRequest,
		Order:          &domain.OrderInfo{OrderID: "o1", Merchant: "老王面馆", Total: decimal.RequireFromString("28.5")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Equal(t, domain.PendingOpen, a.Status)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "PENDING#"+a.ID, db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, db.lastPutInput.Item, "order")
}

func TestListPending_FiltersOpenAndSortsOldestFirst(t *testing.T) {
	newer := map[string]types.AttributeValue{
		"PK":        sAttr("CONV#abc"),
		"SK":        sAttr("PENDING#p2"),
		"kind":      sAttr("transfer"),
		"status":    sAttr("pending"),
		"amount":    nAttr("50"),
		"note":      sAttr("午饭钱"),
		"createdAt": sAttr("2026-02-27T12:00:00Z"),
	}
	older := map[string]types.AttributeValue{
		"PK":        sAttr("CONV#abc"),
		"SK":        sAttr("PENDING#p1"),
		"kind":      sAttr("game-invite"),
		"status":    sAttr("pending"),
		"game":      sAttr("Chess"),
		"createdAt": sAttr("2026-02-27T11:00:00Z"),
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{newer, older}}}
	c := mustNewClient(t, db)

	actions, err := c.ListPending(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, "p1", actions[0].ID)
	require.Equal(t, "Chess", actions[0].Game)
	require.Equal(t, "p2", actions[1].ID)
	require.True(t, actions[1].Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, "午饭钱", actions[1].Note)
	require.Equal(t, "#status = :pending", *db.lastQueryIn.FilterExpression)
}

func TestMarkResolved_ConditionalOnOpen(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.MarkResolved(context.Background(), "abc", "p1", domain.PendingRejected, "t1")
	require.NoError(t, err)
	require.Equal(t, "attribute_exists(PK) AND #status = :pending", *db.lastUpdateIn.ConditionExpression)
	require.Equal(t, "rejected", db.lastUpdateIn.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "t1", db.lastUpdateIn.ExpressionAttributeValues[":turn"].(*types.AttributeValueMemberS).Value)
}

func TestMarkResolved_SecondResolutionRefused(t *testing.T) {
	db := &fakeDynamo{updateErr: conditionFailed()}
	c := mustNewClient(t, db)
	err := c.MarkResolved(context.Background(), "abc", "p1", domain.PendingAccepted, "t2")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestMarkResolved_InvalidStatus(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.MarkResolved(context.Background(), "abc", "p1", domain.PendingOpen, "t1")
	require.ErrorContains(t, err, "invalid status")
	require.Nil(t, db.lastUpdateIn)
}

func TestBalance_MissingWalletIsZero(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func refundSettlement() domain.Settlement {
	return domain.Settlement{
		ConversationID: "abc",
		ActionID:       "t1",
		Status:         domain.PendingRejected,
		TurnID:         "turn-1",
		Entry: &domain.LedgerEntry{
			ID:     "transfer:t1",
			Kind:   domain.LedgerTransferRefund,
			Amount: decimal.RequireFromString("50"),
		},
		Delta: decimal.RequireFromString("50"),
	}
}

func TestSettle_OneTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.Settle(context.Background(), refundSettlement()))

	require.Nil(t, db.lastUpdateIn)
	require.Nil(t, db.lastPutInput)
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 3)

	claim := items[0].Update
	require.Equal(t, "CONV#abc", claim.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "PENDING#t1", claim.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_exists(PK) AND #status = :pending", *claim.ConditionExpression)
	require.Equal(t, "rejected", claim.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)

	entry := items[1].Put
	require.Equal(t, "LEDGER#transfer:t1", entry.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *entry.ConditionExpression)

	bal := items[2].Update
	require.Equal(t, "WALLET#w1", bal.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "50", bal.ExpressionAttributeValues[":delta"].(*types.AttributeValueMemberN).Value)
}

func TestSettle_ZeroDeltaSkipsBalance(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	s := refundSettlement()
	s.Status, s.Delta = domain.PendingAccepted, decimal.Zero
	s.Entry.Amount = decimal.RequireFromString("-28.5")
	require.NoError(t, c.Settle(context.Background(), s))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Equal(t, "-28.5", db.lastTxInput.TransactItems[1].Put.Item["amount"].(*types.AttributeValueMemberN).Value)
}

func TestSettle_WithoutEntryIsPlainClaim(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	s := refundSettlement()
	s.Entry = nil
	require.NoError(t, c.Settle(context.Background(), s))
	require.Nil(t, db.lastTxInput)
	require.Equal(t, "PENDING#t1", db.lastUpdateIn.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, code := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(code)})
	}
	return &types.TransactionCanceledException{Message: aws.String("Transaction cancelled"), CancellationReasons: reasons}
}

func TestSettle_CancellationReasons(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		want error
	}{
		{"action already resolved", canceled("ConditionalCheckFailed", "None", "None"), domain.ErrAlreadyResolved},
		{"entry already recorded", canceled("None", "ConditionalCheckFailed", "None"), domain.ErrDuplicateEntry},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c := mustNewClient(t, &fakeDynamo{txErr: tc.err})
			require.ErrorIs(t, c.Settle(context.Background(), refundSettlement()), tc.want)
		})
	}

	c := mustNewClient(t, &fakeDynamo{txErr: canceled("None", "None", "TransactionConflict")})
	err := c.Settle(context.Background(), refundSettlement())
	require.ErrorContains(t, err, "Settle")
	require.NotErrorIs(t, err, domain.ErrAlreadyResolved)
	require.NotErrorIs(t, err, domain.ErrDuplicateEntry)
}

func TestSettle_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	s := refundSettlement()
	s.Entry.ID = ""
	require.ErrorContains(t, c.Settle(context.Background(), s), "entry id")

	s = refundSettlement()
	s.Status = domain.PendingOpen
	require.ErrorContains(t, c.Settle(context.Background(), s), "invalid status")
}

func TestSaveMood_AndGetMood(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveMood(context.Background(), "abc", domain.Mood{Mood: "开心", Thought: "他记得我", TurnID: "t1"}))
	require.Equal(t, skMood, db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	mood, found, err := c.GetMood(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "开心", mood.Mood)
	require.Equal(t, "他记得我", mood.Thought)
	require.Equal(t, fixedNow, mood.UpdatedAt)
}

func TestGetMood_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, found, err := c.GetMood(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetTyping_ShortTTL(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SetTyping(context.Background(), "abc", true))
	require.True(t, db.lastPutInput.Item["typing"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "1772366430", db.lastPutInput.Item["ttl"].(*types.AttributeValueMemberN).Value)
}

func TestGetMeta(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":           sAttr("CONV#abc"),
		"SK":           sAttr(skMeta),
		"messages":     nAttr("7"),
		"lastActivity": sAttr("2026-02-27T11:00:00Z"),
	}}}
	c := mustNewClient(t, db)
	meta, err := c.GetMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 7, meta.Messages)
	require.Equal(t, time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC), meta.LastActivity)
}

func TestGetMeta_MalformedMessages(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"messages": sAttr("bad"),
	}}}
	c := mustNewClient(t, db)
	_, err := c.GetMeta(context.Background(), "abc")
	require.ErrorContains(t, err, "decode messages")
}
