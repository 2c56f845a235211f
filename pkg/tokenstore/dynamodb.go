package tokenstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamoTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/felixnotka/trailship/pkg/stream"
)

// DefaultTable is the DynamoDB table shared with the landing zone tooling.
const DefaultTable = "SECLZSyncLogs"

// Attribute names of the token table. The table's TTL attribute must be "TTL".
const (
	attrGroup  = "LogGroupName"
	attrStream = "LogStreamName"
	attrToken  = "NextSequenceToken"
	attrTTL    = "TTL"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps tokens in a DynamoDB table keyed by
// (LogGroupName, LogStreamName), with the expiry in the table's TTL attribute.
type DynamoStore struct {
	Client DynamoDBAPI
	Table  string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewDynamoStore creates a DynamoStore for table.
func NewDynamoStore(client DynamoDBAPI, table string) *DynamoStore {
	if table == "" {
		table = DefaultTable
	}
	return &DynamoStore{Client: client, Table: table, Now: time.Now}
}

func (s *DynamoStore) key(id stream.ID) map[string]dynamoTypes.AttributeValue {
	return map[string]dynamoTypes.AttributeValue{
		attrGroup:  &dynamoTypes.AttributeValueMemberS{Value: id.Group},
		attrStream: &dynamoTypes.AttributeValueMemberS{Value: id.Name},
	}
}

func (s *DynamoStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *DynamoStore) Get(ctx context.Context, id stream.ID) (Entry, bool, error) {
	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get item %s: %w", ErrUnavailable, id, err)
	}
	if result.Item == nil {
		return Entry{}, false, nil
	}

	var entry Entry
	if v, ok := result.Item[attrToken].(*dynamoTypes.AttributeValueMemberS); ok {
		entry.Token = v.Value
	}
	if v, ok := result.Item[attrTTL].(*dynamoTypes.AttributeValueMemberN); ok {
		if secs, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			entry.ExpiresAt = time.Unix(secs, 0)
		}
	}

	// DynamoDB deletes expired items lazily, so an item can outlive its TTL.
	if entry.Token == "" || entry.Expired(s.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *DynamoStore) Put(ctx context.Context, id stream.ID, token string, ttl time.Duration) error {
	item := s.key(id)
	item[attrToken] = &dynamoTypes.AttributeValueMemberS{Value: token}
	item[attrTTL] = &dynamoTypes.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(ttl).Unix(), 10)}

	if _, err := s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.Table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("%w: put item %s: %w", ErrUnavailable, id, err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, id stream.ID) error {
	if _, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.Table),
		Key:       s.key(id),
	}); err != nil {
		return fmt.Errorf("%w: delete item %s: %w", ErrUnavailable, id, err)
	}
	return nil
}
