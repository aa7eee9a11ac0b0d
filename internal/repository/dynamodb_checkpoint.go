package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pm-agent/internal/graph"
)

const skCheckpoint = "STATE#"

var _ graph.Checkpointer = (*Client)(nil)

// ckptPK returns the partition key for a checkpoint key (graph#thread).
func ckptPK(key string) string {
	return "CKPT#" + key
}

// Get loads the checkpoint stored under key.
func (c *Client) Get(ctx context.Context, key string) (graph.Checkpoint, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ckptPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skCheckpoint},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("repository: get checkpoint %s: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return graph.Checkpoint{}, graph.ErrNotFound
	}
	cp, err := itemToCheckpoint(out.Item)
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("repository: decode checkpoint %s: %w", key, err)
	}
	return cp, nil
}

// Put writes cp when the stored version is cp.Version-1, or when no record
// exists and cp.Version is 1.
func (c *Client) Put(ctx context.Context, cp graph.Checkpoint) error {
	if cp.Key == "" || cp.Version < 1 {
		return errors.New("repository: put checkpoint: key and positive version are required")
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      checkpointItem(cp, c.checkpointExpiry()),
	}
	if cp.Version == 1 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :prev")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.Version-1, 10)},
		}
	}
	if _, err := c.api.PutItem(ctx, in); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s at version %d", graph.ErrConflict, cp.Key, cp.Version)
		}
		return fmt.Errorf("repository: put checkpoint %s: %w", cp.Key, err)
	}
	return nil
}

// checkpointExpiry is the ttl epoch for a checkpoint written now, or zero when
// checkpoints do not expire.
func (c *Client) checkpointExpiry() int64 {
	if c.checkpointTTL <= 0 {
		return 0
	}
	return c.now().Add(c.checkpointTTL).Unix()
}

func checkpointItem(cp graph.Checkpoint, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: ckptPK(cp.Key)},
		"SK":        &types.AttributeValueMemberS{Value: skCheckpoint},
		"key":       &types.AttributeValueMemberS{Value: cp.Key},
		"threadId":  &types.AttributeValueMemberS{Value: cp.ThreadID},
		"graph":     &types.AttributeValueMemberS{Value: cp.Graph},
		"status":    &types.AttributeValueMemberS{Value: string(cp.Status)},
		"next":      &types.AttributeValueMemberS{Value: cp.Next},
		"last":      &types.AttributeValueMemberS{Value: cp.Last},
		"step":      &types.AttributeValueMemberN{Value: strconv.Itoa(cp.Step)},
		"version":   &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.Version, 10)},
		"error":     &types.AttributeValueMemberS{Value: cp.Error},
		"state":     &types.AttributeValueMemberS{Value: string(cp.State)},
		"updatedAt": &types.AttributeValueMemberS{Value: cp.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)}
	}
	return item
}

func itemToCheckpoint(item map[string]types.AttributeValue) (graph.Checkpoint, error) {
	key, err := strAttr(item, "key")
	if err != nil {
		return graph.Checkpoint{}, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return graph.Checkpoint{}, err
	}
	version, err := int64Attr(item, "version")
	if err != nil {
		return graph.Checkpoint{}, err
	}
	step, err := intAttr(item, "step")
	if err != nil {
		return graph.Checkpoint{}, err
	}
	threadID, _ := strAttr(item, "threadId")
	graphName, _ := strAttr(item, "graph")
	status, _ := strAttr(item, "status")
	next, _ := strAttr(item, "next")
	last, _ := strAttr(item, "last")
	errText, _ := strAttr(item, "error")
	updated, _ := strAttr(item, "updatedAt")
	updatedAt, _ := time.Parse(time.RFC3339Nano, updated)

	return graph.Checkpoint{
		Key:       key,
		ThreadID:  threadID,
		Graph:     graphName,
		Status:    graph.Status(status),
		Next:      next,
		Last:      last,
		Step:      step,
		Version:   version,
		Error:     errText,
		State:     []byte(state),
		UpdatedAt: updatedAt,
	}, nil
}
