package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

// AcquireTurn claims the conversation for turnID until now+ttl. The claim
// succeeds when no turn holds the lease or the holder's lease has expired;
// otherwise it fails with domain.ErrTurnInProgress.
func (c *Client) AcquireTurn(ctx context.Context, conversationID, turnID string, ttl time.Duration) (domain.TurnLease, error) {
	if conversationID == "" || turnID == "" {
		return domain.TurnLease{}, errors.New("repository: AcquireTurn: conversation id and turn id are required")
	}
	if ttl <= 0 {
		return domain.TurnLease{}, errors.New("repository: AcquireTurn: ttl must be positive")
	}
	now := c.now()
	until := now.Add(ttl)
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           c.table(),
		Key:                 c.key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET conversationId = :cid, inFlightTurn = :turn, leaseUntil = :until, #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_not_exists(inFlightTurn) OR leaseUntil < :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":   &types.AttributeValueMemberS{Value: conversationID},
			":turn":  &types.AttributeValueMemberS{Value: turnID},
			":until": &types.AttributeValueMemberS{Value: keyTime(until)},
			":now":   &types.AttributeValueMemberS{Value: keyTime(now)},
			":ttl":   numValue(c.ttlValue()),
		},
		ReturnValues:                        types.ReturnValueUpdatedOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			holder, _ := optStrAttr(ccf.Item, "inFlightTurn")
			return domain.TurnLease{}, fmt.Errorf("repository: AcquireTurn held by %q: %w", holder, domain.ErrTurnInProgress)
		}
		return domain.TurnLease{}, fmt.Errorf("repository: AcquireTurn: %w", err)
	}
	lease := domain.TurnLease{TurnID: turnID, Until: until}
	if out != nil {
		lease.Previous, _ = optStrAttr(out.Attributes, "inFlightTurn")
	}
	return lease, nil
}

// RenewTurn extends the lease held by turnID to now+ttl. A lease taken over
// by another turn yields domain.ErrLeaseLost.
func (c *Client) RenewTurn(ctx context.Context, conversationID, turnID string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("repository: RenewTurn: ttl must be positive")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           c.table(),
		Key:                 c.key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET leaseUntil = :until"),
		ConditionExpression: aws.String("inFlightTurn = :turn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":turn":  &types.AttributeValueMemberS{Value: turnID},
			":until": &types.AttributeValueMemberS{Value: keyTime(c.now().Add(ttl))},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.ErrLeaseLost
		}
		return fmt.Errorf("repository: RenewTurn: %w", err)
	}
	return nil
}

// ReleaseTurn drops the lease if turnID still holds it.
func (c *Client) ReleaseTurn(ctx context.Context, conversationID, turnID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           c.table(),
		Key:                 c.key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("REMOVE inFlightTurn, leaseUntil"),
		ConditionExpression: aws.String("inFlightTurn = :turn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":turn": &types.AttributeValueMemberS{Value: turnID},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.ErrLeaseLost
		}
		return fmt.Errorf("repository: ReleaseTurn: %w", err)
	}
	return nil
}

// MarkLeft records that the user left the conversation view. Typing tasks
// of turns started before this instant stop publishing.
func (c *Client) MarkLeft(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("repository: MarkLeft: conversation id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        c.table(),
		Key:              c.key(convPK(conversationID), skMeta),
		UpdateExpression: aws.String("SET conversationId = :cid, leftAt = :ts, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
			":ts":  timeValue(c.now()),
			":ttl": numValue(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MarkLeft: %w", err)
	}
	return nil
}

func keyTimeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := optStrAttr(item, key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	ts, err := time.Parse(keyTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
