package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

const (
	pkPrefixPersona = "PERSONA#"
	skPrefixConv    = "CONV#"

	// index rows read per lookup; a persona rarely has more live chats
	personaIndexLimit = 50
)

func personaPK(personaID string) string {
	return pkPrefixPersona + personaID
}

// TouchPersona records activity of personaID in a conversation so that other
// conversations with the same persona can find it.
func (c *Client) TouchPersona(ctx context.Context, personaID, conversationID string) error {
	if personaID == "" || conversationID == "" {
		return errors.New("repository: TouchPersona: persona id and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: c.table(),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: personaPK(personaID)},
			"SK":             &types.AttributeValueMemberS{Value: skPrefixConv + conversationID},
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
			"lastActivity":   timeValue(c.now()),
			"ttl":            numValue(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: TouchPersona: %w", err)
	}
	return nil
}

// Recent returns the latest messages of the persona's most recently active
// conversations other than exclude, most recent conversation first.
func (c *Client) Recent(ctx context.Context, personaID, exclude string, conversations, perConversation int) ([]domain.Excerpt, error) {
	if conversations <= 0 || perConversation <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              c.table(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: personaPK(personaID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
		},
		Limit: aws.Int32(personaIndexLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query index: %w", err)
	}

	type indexed struct {
		id     string
		active time.Time
	}
	var rows []indexed
	for _, item := range out.Items {
		id, err := strAttr(item, "conversationId")
		if err != nil {
			return nil, fmt.Errorf("repository: Recent decode index: %w", err)
		}
		if id == exclude {
			continue
		}
		active, err := timeAttr(item, "lastActivity")
		if err != nil {
			return nil, fmt.Errorf("repository: Recent decode index: %w", err)
		}
		rows = append(rows, indexed{id: id, active: active})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].active.After(rows[j].active)
	})
	if len(rows) > conversations {
		rows = rows[:conversations]
	}

	excerpts := make([]domain.Excerpt, 0, len(rows))
	for _, r := range rows {
		msgs, err := c.List(ctx, r.id, perConversation)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent list %s: %w", r.id, err)
		}
		if len(msgs) == 0 {
			continue
		}
		excerpts = append(excerpts, domain.Excerpt{ConversationID: r.id, Messages: msgs})
	}
	return excerpts, nil
}
