package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

func TestAcquireTurn(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	lease, err := c.AcquireTurn(context.Background(), "abc", "t1", 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", lease.TurnID)
	require.Equal(t, fixedNow.Add(2*time.Minute), lease.Until)
	require.Empty(t, lease.Previous)

	in := db.lastUpdateIn
	require.Equal(t, "CONV#abc", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(inFlightTurn) OR leaseUntil < :now", aws.ToString(in.ConditionExpression))
	require.Equal(t, "2026-03-01T12:00:00.000000000Z", in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-03-01T12:02:00.000000000Z", in.ExpressionAttributeValues[":until"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

func TestAcquireTurn_TakesOverExpiredLease(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"inFlightTurn": sAttr("t0"),
		"leaseUntil":   sAttr("2026-03-01T11:00:00.000000000Z"),
	}}}
	c := mustNewClient(t, db)

	lease, err := c.AcquireTurn(context.Background(), "abc", "t1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t0", lease.Previous)
}

func TestAcquireTurn_Held(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
		Item:    map[string]types.AttributeValue{"inFlightTurn": sAttr("t9")},
	}}
	c := mustNewClient(t, db)

	_, err := c.AcquireTurn(context.Background(), "abc", "t1", time.Minute)
	require.ErrorIs(t, err, domain.ErrTurnInProgress)
	require.ErrorContains(t, err, "t9")
}

func TestAcquireTurn_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.AcquireTurn(context.Background(), "", "t1", time.Minute)
	require.Error(t, err)
	_, err = c.AcquireTurn(context.Background(), "abc", "t1", 0)
	require.Error(t, err)
}

func TestAcquireTurn_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("throttled")})
	_, err := c.AcquireTurn(context.Background(), "abc", "t1", time.Minute)
	require.ErrorContains(t, err, "AcquireTurn")
	require.NotErrorIs(t, err, domain.ErrTurnInProgress)
}

func TestRenewTurn(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.RenewTurn(context.Background(), "abc", "t1", 30*time.Second))
	require.Equal(t, "inFlightTurn = :turn", aws.ToString(db.lastUpdateIn.ConditionExpression))
	require.Equal(t, "2026-03-01T12:00:30.000000000Z", db.lastUpdateIn.ExpressionAttributeValues[":until"].(*types.AttributeValueMemberS).Value)

	db.updateErr = conditionFailed()
	require.ErrorIs(t, c.RenewTurn(context.Background(), "abc", "t1", time.Second), domain.ErrLeaseLost)
}

func TestReleaseTurn(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.ReleaseTurn(context.Background(), "abc", "t1"))
	require.Equal(t, "REMOVE inFlightTurn, leaseUntil", aws.ToString(db.lastUpdateIn.UpdateExpression))
	require.Equal(t, "t1", db.lastUpdateIn.ExpressionAttributeValues[":turn"].(*types.AttributeValueMemberS).Value)

	db.updateErr = conditionFailed()
	require.ErrorIs(t, c.ReleaseTurn(context.Background(), "abc", "t1"), domain.ErrLeaseLost)
}

func TestMarkLeft(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.MarkLeft(context.Background(), "abc"))
	require.Equal(t, "CONV#abc", db.lastUpdateIn.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-03-01T12:00:00Z", db.lastUpdateIn.ExpressionAttributeValues[":ts"].(*types.AttributeValueMemberS).Value)

	require.Error(t, c.MarkLeft(context.Background(), ""))
}

func TestGetMeta_Lease(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"inFlightTurn": sAttr("t1"),
		"leaseUntil":   sAttr("2026-03-01T12:02:00.000000000Z"),
		"leftAt":       sAttr("2026-03-01T11:59:00Z"),
	}}}
	c := mustNewClient(t, db)

	meta, err := c.GetMeta(context.Background(), "abc")
	require.NoError(t, err)
	require.Zero(t, meta.Messages)
	require.Equal(t, "t1", meta.InFlightTurn)
	require.True(t, meta.TurnInFlight(fixedNow))
	require.False(t, meta.TurnInFlight(fixedNow.Add(3*time.Minute)))
	require.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), meta.LeftAt)
}
