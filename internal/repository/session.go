package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

// SaveMood replaces the conversation's mood record.
func (c *Client) SaveMood(ctx context.Context, conversationID string, mood domain.Mood) error {
	if mood.UpdatedAt.IsZero() {
		mood.UpdatedAt = c.now()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: c.table(),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK":        &types.AttributeValueMemberS{Value: skMood},
			"mood":      &types.AttributeValueMemberS{Value: mood.Mood},
			"thought":   &types.AttributeValueMemberS{Value: mood.Thought},
			"turnId":    &types.AttributeValueMemberS{Value: mood.TurnID},
			"updatedAt": timeValue(mood.UpdatedAt),
			"ttl":       numValue(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMood: %w", err)
	}
	return nil
}

// GetMood returns the conversation's mood record. found is false when no
// turn has recorded one yet.
func (c *Client) GetMood(ctx context.Context, conversationID string) (mood domain.Mood, found bool, err error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: c.table(),
		Key:       c.key(convPK(conversationID), skMood),
	})
	if err != nil {
		return domain.Mood{}, false, fmt.Errorf("repository: GetMood get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Mood{}, false, nil
	}
	if mood.Mood, err = strAttr(out.Item, "mood"); err != nil {
		return domain.Mood{}, false, fmt.Errorf("repository: GetMood decode: %w", err)
	}
	if mood.Thought, err = optStrAttr(out.Item, "thought"); err != nil {
		return domain.Mood{}, false, fmt.Errorf("repository: GetMood decode: %w", err)
	}
	if mood.TurnID, err = optStrAttr(out.Item, "turnId"); err != nil {
		return domain.Mood{}, false, fmt.Errorf("repository: GetMood decode: %w", err)
	}
	if mood.UpdatedAt, err = timeAttr(out.Item, "updatedAt"); err != nil {
		return domain.Mood{}, false, fmt.Errorf("repository: GetMood decode: %w", err)
	}
	return mood, true, nil
}

// SetTyping records whether the persona is typing in a conversation. The
// record expires on its own shortly after the last write.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	if conversationID == "" {
		return errors.New("repository: SetTyping: conversation id is required")
	}
	now := c.now()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: c.table(),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK":        &types.AttributeValueMemberS{Value: skTyping},
			"typing":    &types.AttributeValueMemberBOOL{Value: typing},
			"updatedAt": timeValue(now),
			"ttl":       numValue(now.Add(typingTTL).Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetTyping: %w", err)
	}
	return nil
}

// GetMeta returns the conversation's aggregate record; a conversation with no
// messages yields a zero value with only the id set.
func (c *Client) GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, error) {
	meta := domain.ConversationMeta{ConversationID: conversationID}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      c.table(),
		Key:            c.key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return meta, fmt.Errorf("repository: GetMeta get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return meta, nil
	}
	if _, ok := out.Item["messages"]; ok {
		if meta.Messages, err = intAttr(out.Item, "messages"); err != nil {
			return meta, fmt.Errorf("repository: GetMeta decode messages: %w", err)
		}
	}
	if meta.LastActivity, err = timeAttr(out.Item, "lastActivity"); err != nil {
		return meta, fmt.Errorf("repository: GetMeta decode lastActivity: %w", err)
	}
	if meta.InFlightTurn, err = optStrAttr(out.Item, "inFlightTurn"); err != nil {
		return meta, fmt.Errorf("repository: GetMeta decode inFlightTurn: %w", err)
	}
	if meta.LeaseUntil, err = keyTimeAttr(out.Item, "leaseUntil"); err != nil {
		return meta, fmt.Errorf("repository: GetMeta decode leaseUntil: %w", err)
	}
	if meta.LeftAt, err = timeAttr(out.Item, "leftAt"); err != nil {
		return meta, fmt.Errorf("repository: GetMeta decode leftAt: %w", err)
	}
	return meta, nil
}
