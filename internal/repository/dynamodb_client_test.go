package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"pm-agent/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
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

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeItem(pk, sk, text, answer, status string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: pk},
		"SK":     &types.AttributeValueMemberS{Value: sk},
		"text":   &types.AttributeValueMemberS{Value: text},
		"answer": &types.AttributeValueMemberS{Value: answer},
		"status": &types.AttributeValueMemberS{Value: status},
	}
}

func makeMetaItem(pk string, turns int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: pk},
		"SK":    &types.AttributeValueMemberS{Value: skMeta},
		"turns": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turns)},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func TestGetConversationTurnCount_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem("CONV#abc", 7)}}
	c := mustNewClient(t, db)
	turns, err := c.GetConversationTurnCount(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 7, turns)
	require.NotNil(t, db.lastGetInput)
}

func TestGetConversationTurnCount_MissingMeta(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	turns, err := c.GetConversationTurnCount(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 0, turns)
}

func TestGetConversationTurnCount_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.GetConversationTurnCount(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetConversationTurnCount")
}

func TestGetConversationTurnCount_MalformedTurns(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{
			Item: map[string]types.AttributeValue{
				"PK":    &types.AttributeValueMemberS{Value: "CONV#abc"},
				"SK":    &types.AttributeValueMemberS{Value: skMeta},
				"turns": &types.AttributeValueMemberS{Value: "bad"},
			},
		},
	}
	c := mustNewClient(t, db)
	_, err := c.GetConversationTurnCount(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode turns")
}

func TestGetHistory_HappyPath(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeItem("CONV#abc", msgSK(time.Now()), "Hello?", "", "complete"),
			},
		},
	}
	c := mustNewClient(t, db)
	msgs, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "Hello?", msgs[0].Question)
	require.False(t, msgs[0].CreatedAt.IsZero())
}

func TestGetHistory_EmptyResult(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	msgs, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGetHistory_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetHistory")
}

func TestGetHistory_MalformedItem_MissingText(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#ts"},
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "text")
}

func TestGetHistory_KeyConditionExpression(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
}

func TestGetHistory_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeItem("CONV#abc", "MSG#2026-02-27T12:00:00Z", "newer", "", "complete"),
				makeItem("CONV#abc", "MSG#2026-02-27T11:00:00Z", "older", "", "complete"),
			},
		},
	}
	c := mustNewClient(t, db)
	msgs, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "older", msgs[0].Question)
	require.Equal(t, "newer", msgs[1].Question)
	require.Equal(t, time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC), msgs[0].CreatedAt)
}

func fixedClient(t *testing.T, db *fakeDynamo, now time.Time) *Client {
	t.Helper()
	c := mustNewClient(t, db)
	c.now = func() time.Time { return now }
	return c
}

func TestSaveCompletedTurn_HappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	db := &fakeDynamo{}
	err := fixedClient(t, db, now).SaveCompletedTurn(context.Background(), "abc", "What is due?", "Two tasks.", "TOOL_CALL")
	require.NoError(t, err)
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Nil(t, db.lastGetInput, "the counter must not be read before writing")

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(SK)", *put.ConditionExpression)
	require.Equal(t, "CONV#abc", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#2026-03-01T09:00:00Z", put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "What is due?", put.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Two tasks.", put.Item["answer"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "TOOL_CALL", put.Item["route"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "complete", put.Item["status"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, fmt.Sprint(now.Add(ttlDuration).Unix()), put.Item["ttl"].(*types.AttributeValueMemberN).Value)

	update := db.lastTxInput.TransactItems[1].Update
	require.NotNil(t, update)
	require.Equal(t, skMeta, update.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *update.UpdateExpression, "ADD turns :one")
	require.Equal(t, "ttl", update.ExpressionAttributeNames["#ttl"])
	require.Equal(t, "2026-03-01T09:00:00Z", update.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value)
}

func TestSaveCompletedTurn_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	err := c.SaveCompletedTurn(context.Background(), "abc", "Who are you?", "I am your assistant.", "DIRECT")
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveCompletedTurn")
}

func TestSaveCompletedTurn_RequiresConversation(t *testing.T) {
	db := &fakeDynamo{}
	err := mustNewClient(t, db).SaveCompletedTurn(context.Background(), " ", "q", "a", "DIRECT")
	require.ErrorContains(t, err, "conversation id")
	require.Nil(t, db.lastTxInput)
}

func TestSavedTurnReadsBack(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	db := &fakeDynamo{}
	require.NoError(t, fixedClient(t, db, now).SaveCompletedTurn(context.Background(), "abc", "q", "a", "RAG"))

	msg, err := decodeMessage(db.lastTxInput.TransactItems[0].Put.Item)
	require.NoError(t, err)
	require.Equal(t, domain.Message{
		ConversationID: "abc",
		Question:       "q",
		Answer:         "a",
		Route:          "RAG",
		Status:         "complete",
		CreatedAt:      now,
	}, msg)
}

func TestGetHistory_ZeroLimit(t *testing.T) {
	db := &fakeDynamo{}
	msgs, err := mustNewClient(t, db).GetHistory(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Nil(t, db.lastQueryIn)
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}

func TestMsgSK(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	sk := msgSK(ts)
	require.Contains(t, sk, "MSG#")
	require.Contains(t, sk, fmt.Sprintf("%d", ts.Year()))
}

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
