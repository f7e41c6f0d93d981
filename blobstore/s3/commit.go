package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another writer committed the
// same version first.
var ErrConcurrentCommit = errors.New("s3: concurrent manifest commit detected")

// DDBClient is the DynamoDB API surface the commit store needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore publishes flush manifests atomically. S3 holds the
// manifest objects; a DynamoDB conditional put advances the current
// version pointer, giving the compare-and-swap S3 lacks. A sealed
// segment's delta log becomes visible to readers only once its manifest
// version commits.
//
// Table schema: partition key base_uri (S), sort key version (N).
type CommitStore struct {
	ddb     DDBClient
	table   string
	baseURI string
}

func NewCommitStore(ddb DDBClient, table, baseURI string) *CommitStore {
	return &CommitStore{ddb: ddb, table: table, baseURI: baseURI}
}

// Current returns the latest committed version and its manifest object
// name. Version 0 means nothing was committed yet.
func (c *CommitStore) Current(ctx context.Context) (uint64, string, error) {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commits: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	verAttr, ok := resp.Items[0]["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: malformed version attribute")
	}
	pathAttr, ok := resp.Items[0]["manifest"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: malformed manifest attribute")
	}
	ver, err := strconv.ParseUint(verAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse version: %w", err)
	}
	return ver, pathAttr.Value, nil
}

// Commit atomically publishes manifest as the next version. Fails with
// ErrConcurrentCommit if another writer claimed it first.
func (c *CommitStore) Commit(ctx context.Context, manifest string) (uint64, error) {
	cur, _, err := c.Current(ctx)
	if err != nil {
		return 0, err
	}
	return c.commitAt(ctx, cur+1, manifest)
}

func (c *CommitStore) commitAt(ctx context.Context, next uint64, manifest string) (uint64, error) {
	_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]ddbtypes.AttributeValue{
			"base_uri": &ddbtypes.AttributeValueMemberS{Value: c.baseURI},
			"version":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"manifest": &ddbtypes.AttributeValueMemberS{Value: manifest},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return 0, ErrConcurrentCommit
		}
		return 0, fmt.Errorf("s3: commit version %d: %w", next, err)
	}
	return next, nil
}
