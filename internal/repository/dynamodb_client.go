// Package repository persists run checkpoints and assistant conversation
// turns, in DynamoDB for the Lambda host and SQLite for local runs.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pm-agent/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	skMeta         = "META#"
	ttlDuration    = 30 * 24 * time.Hour
	statusComplete = "complete"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding conversation turns and run
// checkpoints.
type Client struct {
	api           dynamodbAPI
	tableName     string
	checkpointTTL time.Duration
	now           func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCheckpointTTL expires checkpoints d after their last write. Without it
// checkpoints carry no ttl attribute and live until deleted.
func WithCheckpointTTL(d time.Duration) Option {
	return func(c *Client) { c.checkpointTTL = d }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.checkpointTTL < 0 {
		return nil, errors.New("repository: checkpoint ttl must not be negative")
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// GetHistory returns the most recent limit completed turns in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	pk := convPK(conversationID)

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := decodeMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetConversationTurnCount returns the persisted successful turn count for a conversation.
func (c *Client) GetConversationTurnCount(ctx context.Context, conversationID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetConversationTurnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}

	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: GetConversationTurnCount decode turns: %w", err)
	}
	return turns, nil
}

// SaveCompletedTurn writes the answered question and bumps the turn counter
// in one transaction. The counter is incremented server side, so concurrent
// turns on one conversation never lose a count.
func (c *Client) SaveCompletedTurn(ctx context.Context, conversationID, question, answer, route string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: SaveCompletedTurn: conversation id is required")
	}
	now := c.now()
	msg := domain.Message{
		ConversationID: conversationID,
		Question:       question,
		Answer:         answer,
		Route:          route,
		Status:         statusComplete,
		CreatedAt:      now,
	}
	ttl := &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg, ttl),
					ConditionExpression: aws.String("attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:         aws.String("SET conversationId = :cid, lastActivity = :now, #ttl = :ttl ADD turns :one"),
					ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cid": &types.AttributeValueMemberS{Value: conversationID},
						":now": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
						":ttl": ttl,
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn: %w", err)
	}
	return nil
}

// decodeMessage converts a MSG# item back into a Message. Only the question
// is required; older items may lack the other attributes.
func decodeMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	question, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{Question: question}
	msg.ConversationID, _ = strAttr(item, "conversationId")
	msg.Answer, _ = strAttr(item, "answer")
	msg.Route, _ = strAttr(item, "route")
	msg.Status, _ = strAttr(item, "status")
	if sk, err := strAttr(item, "SK"); err == nil {
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, strings.TrimPrefix(sk, skPrefixMsg))
	}
	return msg, nil
}

func messageItem(msg domain.Message, ttl types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt)},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"text":           &types.AttributeValueMemberS{Value: msg.Question},
		"answer":         &types.AttributeValueMemberS{Value: msg.Answer},
		"route":          &types.AttributeValueMemberS{Value: msg.Route},
		"status":         &types.AttributeValueMemberS{Value: msg.Status},
		"ttl":            ttl,
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	n, err := int64Attr(item, key)
	return int(n), err
}
