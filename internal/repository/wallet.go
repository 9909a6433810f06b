package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"persona-chat/internal/domain"
)

// Positions of the writes inside a settlement transaction.
const (
	txClaim = iota
	txLedger
)

// Balance returns the wallet balance; a wallet never written holds zero.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      c.table(),
		Key:            c.key(walletPK(c.walletID), skBalance),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("repository: Balance get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return decimal.Zero, nil
	}
	bal, err := decimalAttr(out.Item, "balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("repository: Balance decode balance: %w", err)
	}
	return bal, nil
}

// Settle resolves a pending action. With a ledger entry, the claim on the
// action, the entry and the balance change go out as one transaction: an
// action that is no longer open yields domain.ErrAlreadyResolved, an entry
// id already on the ledger yields domain.ErrDuplicateEntry, and in every
// failure case nothing is written.
func (c *Client) Settle(ctx context.Context, s domain.Settlement) error {
	if s.Entry == nil {
		return c.MarkResolved(ctx, s.ConversationID, s.ActionID, s.Status, s.TurnID)
	}
	if s.Entry.ID == "" {
		return errors.New("repository: Settle: entry id is required")
	}
	if s.Status != domain.PendingAccepted && s.Status != domain.PendingRejected {
		return fmt.Errorf("repository: Settle: invalid status %q", s.Status)
	}
	now := c.now()
	if s.Entry.CreatedAt.IsZero() {
		s.Entry.CreatedAt = now
	}

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.key(convPK(s.ConversationID), pendingSK(s.ActionID)),
			UpdateExpression:    aws.String("SET #status = :status, resolvedBy = :turn, resolvedAt = :ts"),
			ConditionExpression: aws.String("attribute_exists(PK) AND #status = :pending"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status":  &types.AttributeValueMemberS{Value: string(s.Status)},
				":turn":    &types.AttributeValueMemberS{Value: s.TurnID},
				":ts":      timeValue(now),
				":pending": &types.AttributeValueMemberS{Value: string(domain.PendingOpen)},
			},
		}},
		{Put: &types.Put{
			TableName:           c.table(),
			Item:                c.ledgerItem(*s.Entry),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		}},
	}
	if !s.Delta.IsZero() {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:        c.table(),
			Key:              c.key(walletPK(c.walletID), skBalance),
			UpdateExpression: aws.String("SET updatedAt = :ts ADD balance :delta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":ts":    timeValue(now),
				":delta": &types.AttributeValueMemberN{Value: s.Delta.String()},
			},
		}})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		switch {
		case reasonFailed(canceled.CancellationReasons, txClaim):
			return domain.ErrAlreadyResolved
		case reasonFailed(canceled.CancellationReasons, txLedger):
			return domain.ErrDuplicateEntry
		}
	}
	return fmt.Errorf("repository: Settle: %w", err)
}

func reasonFailed(reasons []types.CancellationReason, i int) bool {
	return i < len(reasons) && aws.ToString(reasons[i].Code) == "ConditionalCheckFailed"
}

func (c *Client) ledgerItem(e domain.LedgerEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: walletPK(c.walletID)},
		"SK":          &types.AttributeValueMemberS{Value: ledgerSK(e.ID)},
		"kind":        &types.AttributeValueMemberS{Value: e.Kind},
		"amount":      &types.AttributeValueMemberN{Value: e.Amount.String()},
		"description": &types.AttributeValueMemberS{Value: e.Description},
		"createdAt":   timeValue(e.CreatedAt),
	}
}
