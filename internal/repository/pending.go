package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"persona-chat/internal/domain"
)

// CreatePending stores a new open pending action. ID and CreatedAt are
// assigned when empty.
func (c *Client) CreatePending(ctx context.Context, action domain.PendingAction) (domain.PendingAction, error) {
	if strings.TrimSpace(action.ConversationID) == "" {
		return domain.PendingAction{}, errors.New("repository: CreatePending: conversation id is required")
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = c.now()
	}
	action.Status = domain.PendingOpen
	action.ResolvedBy = ""

	item, err := c.pendingItem(action)
	if err != nil {
		return domain.PendingAction{}, fmt.Errorf("repository: CreatePending: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           c.table(),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.PendingAction{}, fmt.Errorf("repository: CreatePending: %w", err)
	}
	return action, nil
}

// ListPending returns the conversation's open pending actions, oldest first.
func (c *Client) ListPending(ctx context.Context, conversationID string) ([]domain.PendingAction, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              c.table(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix":  &types.AttributeValueMemberS{Value: skPrefixPending},
			":pending": &types.AttributeValueMemberS{Value: string(domain.PendingOpen)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListPending query: %w", err)
	}

	actions := make([]domain.PendingAction, 0, len(out.Items))
	for _, item := range out.Items {
		a, err := itemToPending(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListPending unmarshal: %w", err)
		}
		actions = append(actions, a)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions, nil
}

// MarkResolved moves an open action to its terminal status. The write is
// conditional on the action still being open; losing that race, or resolving
// an action that does not exist, returns domain.ErrAlreadyResolved.
func (c *Client) MarkResolved(ctx context.Context, conversationID, actionID string, status domain.PendingStatus, turnID string) error {
	if status != domain.PendingAccepted && status != domain.PendingRejected {
		return fmt.Errorf("repository: MarkResolved: invalid status %q", status)
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           c.table(),
		Key:                 c.key(convPK(conversationID), pendingSK(actionID)),
		UpdateExpression:    aws.String("SET #status = :status, resolvedBy = :turn, resolvedAt = :ts"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":turn":    &types.AttributeValueMemberS{Value: turnID},
			":ts":      timeValue(c.now()),
			":pending": &types.AttributeValueMemberS{Value: string(domain.PendingOpen)},
		},
	})
	if isConditionFailed(err) {
		return domain.ErrAlreadyResolved
	}
	if err != nil {
		return fmt.Errorf("repository: MarkResolved: %w", err)
	}
	return nil
}

func (c *Client) pendingItem(a domain.PendingAction) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(a.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: pendingSK(a.ID)},
		"kind":           &types.AttributeValueMemberS{Value: string(a.Kind)},
		"status":         &types.AttributeValueMemberS{Value: string(a.Status)},
		"messageId":      &types.AttributeValueMemberS{Value: a.MessageID},
		"createdAt":      timeValue(a.CreatedAt),
		"amount":         &types.AttributeValueMemberN{Value: a.Amount.String()},
		"conversationId": &types.AttributeValueMemberS{Value: a.ConversationID},
		"ttl":            numValue(c.ttlValue()),
	}
	for k, v := range map[string]string{"note": a.Note, "track": a.Track, "artist": a.Artist, "game": a.Game} {
		if v != "" {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
	}
	if a.Order != nil {
		b, err := json.Marshal(a.Order)
		if err != nil {
			return nil, fmt.Errorf("encode order: %w", err)
		}
		item["order"] = &types.AttributeValueMemberS{Value: string(b)}
	}
	return item, nil
}

func itemToPending(item map[string]types.AttributeValue) (domain.PendingAction, error) {
	var a domain.PendingAction
	pk, err := strAttr(item, "PK")
	if err != nil {
		return a, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return a, err
	}
	a.ConversationID = strings.TrimPrefix(pk, "CONV#")
	a.ID = strings.TrimPrefix(sk, skPrefixPending)

	kind, err := strAttr(item, "kind")
	if err != nil {
		return a, err
	}
	a.Kind = domain.PendingKind(kind)
	status, err := strAttr(item, "status")
	if err != nil {
		return a, err
	}
	a.Status = domain.PendingStatus(status)

	if a.MessageID, err = optStrAttr(item, "messageId"); err != nil {
		return a, err
	}
	if a.ResolvedBy, err = optStrAttr(item, "resolvedBy"); err != nil {
		return a, err
	}
	if a.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return a, err
	}
	if _, ok := item["amount"]; ok {
		if a.Amount, err = decimalAttr(item, "amount"); err != nil {
			return a, err
		}
	}
	for key, dst := range map[string]*string{"note": &a.Note, "track": &a.Track, "artist": &a.Artist, "game": &a.Game} {
		if *dst, err = optStrAttr(item, key); err != nil {
			return a, err
		}
	}
	order, err := optStrAttr(item, "order")
	if err != nil {
		return a, err
	}
	if order != "" {
		a.Order = &domain.OrderInfo{}
		if err := json.Unmarshal([]byte(order), a.Order); err != nil {
			return a, fmt.Errorf("repository: decode order: %w", err)
		}
	}
	return a, nil
}
