package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrGenerationArchived is returned when the generation being
// committed (or an older one) was already recorded by another
// archiver.
var ErrGenerationArchived = errors.New("generation already archived")

// DDBClient is the DynamoDB surface the commit log needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitLog records which manifest generations have been archived and
// under which blob key, using DynamoDB conditional writes for the
// compare-and-swap that S3 lacks. Multiple archivers of the same store
// coordinate through it without ever double-writing a generation.
//
// Table schema: partition key store_uri (string), sort key
// generation (number), attribute blob_key (string).
type CommitLog struct {
	client    DDBClient
	tableName string
	storeURI  string
}

// NewCommitLog creates a commit log for one store. storeURI
// identifies the archived store (e.g. "s3://bucket/rvf/mystore").
func NewCommitLog(client DDBClient, tableName, storeURI string) *CommitLog {
	return &CommitLog{client: client, tableName: tableName, storeURI: storeURI}
}

// Latest returns the highest archived generation and its blob key.
// A zero generation with empty key means nothing was archived yet.
func (l *CommitLog) Latest(ctx context.Context) (uint64, string, error) {
	resp, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("store_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: l.storeURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query archive commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	genAttr, ok := item["generation"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("malformed generation attribute in commit log")
	}
	keyAttr, ok := item["blob_key"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("malformed blob_key attribute in commit log")
	}

	gen, err := strconv.ParseUint(genAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse archived generation: %w", err)
	}
	return gen, keyAttr.Value, nil
}

// Commit records that generation was archived under blobKey. The
// conditional write fails with ErrGenerationArchived when another
// archiver already recorded this generation.
func (l *CommitLog) Commit(ctx context.Context, generation uint64, blobKey string) error {
	if latest, _, err := l.Latest(ctx); err != nil {
		return err
	} else if generation <= latest {
		return ErrGenerationArchived
	}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"store_uri":  &types.AttributeValueMemberS{Value: l.storeURI},
			"generation": &types.AttributeValueMemberN{Value: strconv.FormatUint(generation, 10)},
			"blob_key":   &types.AttributeValueMemberS{Value: blobKey},
		},
		ConditionExpression: aws.String("attribute_not_exists(generation)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrGenerationArchived
		}
		return fmt.Errorf("commit archived generation: %w", err)
	}
	return nil
}
