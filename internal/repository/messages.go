package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"persona-chat/internal/domain"
)

// Append stores a new message and bumps the conversation's meta record in one
// transaction. ID, CreatedAt and the table keys are assigned when empty; the
// stored message is returned.
func (c *Client) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return domain.Message{}, errors.New("repository: Append: conversation id is required")
	}
	if msg.Kind == "" {
		return domain.Message{}, errors.New("repository: Append: message kind is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now()
	}
	if msg.ID == "" {
		msg.ID = keyTime(msg.CreatedAt) + "#" + uuid.NewString()[:8]
	}
	msg.PK = convPK(msg.ConversationID)
	msg.SK = msgSK(msg.ID)
	msg.TTL = c.ttlValue()

	item, err := messageItem(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           c.table(),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        c.table(),
					Key:              c.key(msg.PK, skMeta),
					UpdateExpression: aws.String("SET conversationId = :cid, lastActivity = :ts, #ttl = :ttl ADD messages :one"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cid": &types.AttributeValueMemberS{Value: msg.ConversationID},
						":ts":  timeValue(msg.CreatedAt),
						":ttl": numValue(msg.TTL),
						":one": numValue(1),
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
	}
	return msg, nil
}

// Update applies a partial update to an existing message.
func (c *Client) Update(ctx context.Context, conversationID, id string, patch domain.MessagePatch) error {
	var sets []string
	values := map[string]types.AttributeValue{}
	names := map[string]string{}
	if patch.Status != nil {
		sets = append(sets, "#status = :status")
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: *patch.Status}
	}
	if patch.Text != nil {
		sets = append(sets, "#text = :text")
		names["#text"] = "text"
		values[":text"] = &types.AttributeValueMemberS{Value: *patch.Text}
	}
	if len(sets) == 0 {
		return errors.New("repository: Update: empty patch")
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 c.table(),
		Key:                       c.key(convPK(conversationID), msgSK(id)),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: Update: message %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("repository: Update: %w", err)
	}
	return nil
}

// List returns up to window most recent messages in chronological order.
func (c *Client) List(ctx context.Context, conversationID string, window int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              c.table(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if window > 0 {
		in.Limit = aws.Int32(int32(window))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: List query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: List unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func messageItem(msg domain.Message) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: msg.PK},
		"SK":             &types.AttributeValueMemberS{Value: msg.SK},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"sender":         &types.AttributeValueMemberS{Value: string(msg.Sender)},
		"kind":           &types.AttributeValueMemberS{Value: string(msg.Kind)},
		"text":           &types.AttributeValueMemberS{Value: msg.Text},
		"createdAt":      timeValue(msg.CreatedAt),
		"ttl":            numValue(msg.TTL),
	}
	if msg.TurnID != "" {
		item["turnId"] = &types.AttributeValueMemberS{Value: msg.TurnID}
	}
	if msg.Status != "" {
		item["status"] = &types.AttributeValueMemberS{Value: msg.Status}
	}
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		item["payload"] = &types.AttributeValueMemberS{Value: payload}
	}
	return item, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	var msg domain.Message
	var err error
	if msg.PK, err = strAttr(item, "PK"); err != nil {
		return domain.Message{}, err
	}
	if msg.SK, err = strAttr(item, "SK"); err != nil {
		return domain.Message{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.Message{}, err
	}
	msg.Kind = domain.MessageKind(kind)
	sender, err := strAttr(item, "sender")
	if err != nil {
		return domain.Message{}, err
	}
	msg.Sender = domain.Sender(sender)
	msg.ID = strings.TrimPrefix(msg.SK, skPrefixMsg)
	msg.ConversationID = strings.TrimPrefix(msg.PK, "CONV#")
	if msg.Text, err = optStrAttr(item, "text"); err != nil {
		return domain.Message{}, err
	}
	if msg.TurnID, err = optStrAttr(item, "turnId"); err != nil {
		return domain.Message{}, err
	}
	if msg.Status, err = optStrAttr(item, "status"); err != nil {
		return domain.Message{}, err
	}
	if msg.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Message{}, err
	}
	payload, err := optStrAttr(item, "payload")
	if err != nil {
		return domain.Message{}, err
	}
	if err := decodePayload(payload, &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// payloadOf returns the payload pointer matching the message kind, or nil
// for kinds carried by text alone.
func payloadOf(msg *domain.Message) any {
	switch msg.Kind {
	case domain.KindImage:
		return &msg.Image
	case domain.KindSticker:
		return &msg.Sticker
	case domain.KindTransfer:
		return &msg.Transfer
	case domain.KindVoice:
		return &msg.Voice
	case domain.KindOrderShare, domain.KindPayRequest:
		return &msg.Order
	case domain.KindForwardedRecord:
		return &msg.Record
	case domain.KindGameResult, domain.KindGameInvite:
		return &msg.Game
	case domain.KindMusicInvite:
		return &msg.Music
	case domain.KindLocation:
		return &msg.Location
	case domain.KindPostShare:
		return &msg.Post
	case domain.KindProfileShare:
		return &msg.Profile
	}
	return nil
}

func encodePayload(msg domain.Message) (string, error) {
	target := payloadOf(&msg)
	if target == nil {
		return "", nil
	}
	b, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", msg.Kind, err)
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func decodePayload(raw string, msg *domain.Message) error {
	if raw == "" {
		return nil
	}
	target := payloadOf(msg)
	if target == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("repository: decode %s payload: %w", msg.Kind, err)
	}
	return nil
}
