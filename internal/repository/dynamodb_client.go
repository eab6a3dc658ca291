package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"puenjai/internal/domain"
)

const (
	conversationPK = "CONVERSATION"
	skPrefixMsg    = "MSG#"

	// skTimeLayout keeps every fraction digit so sort keys compare in time order.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps conversation records in a single DynamoDB table. All
// records share one partition; the sort key orders them by creation time and
// doubles as the record ID.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// NewDynamoStore creates a DynamoStore for tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// msgSK returns the sort key for a record created at ts.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(skTimeLayout) + "#" + id
}

func recordKey(recordID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: conversationPK},
		"SK": &types.AttributeValueMemberS{Value: recordID},
	}
}

// InsertPending stores a new record whose reply is the placeholder and
// returns its ID.
func (s *DynamoStore) InsertPending(ctx context.Context, name, message string) (string, error) {
	rec := domain.ConversationRecord{
		Name:      name,
		Message:   message,
		AIReply:   domain.PendingReply,
		Timestamp: s.now().UTC(),
	}
	rec.ID = msgSK(rec.Timestamp, s.newID())

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: InsertPending: %w", err)
	}
	return rec.ID, nil
}

// UpdateReply sets the reply of a pending record. It fails with
// ErrRecordNotPending when the record is missing or already has a reply.
func (s *DynamoStore) UpdateReply(ctx context.Context, recordID, reply string) error {
	if !strings.HasPrefix(recordID, skPrefixMsg) {
		return fmt.Errorf("repository: UpdateReply %q: %w", recordID, ErrRecordNotPending)
	}
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(recordID),
		UpdateExpression:    aws.String("SET aiReply = :reply"),
		ConditionExpression: aws.String("attribute_exists(SK) AND aiReply = :pending"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reply":   &types.AttributeValueMemberS{Value: reply},
			":pending": &types.AttributeValueMemberS{Value: domain.PendingReply},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("repository: UpdateReply %q: %w", recordID, ErrRecordNotPending)
		}
		return fmt.Errorf("repository: UpdateReply: %w", err)
	}
	return nil
}

// ListHistory returns every record, newest first.
func (s *DynamoStore) ListHistory(ctx context.Context) ([]domain.ConversationRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: conversationPK},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
	}

	records := make([]domain.ConversationRecord, 0)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListHistory query: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListHistory unmarshal: %w", err)
			}
			records = append(records, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func recordItem(rec domain.ConversationRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: conversationPK},
		"SK":        &types.AttributeValueMemberS{Value: rec.ID},
		"name":      &types.AttributeValueMemberS{Value: rec.Name},
		"message":   &types.AttributeValueMemberS{Value: rec.Message},
		"aiReply":   &types.AttributeValueMemberS{Value: rec.AIReply},
		"timestamp": &types.AttributeValueMemberS{Value: rec.Timestamp.UTC().Format(time.RFC3339Nano)},
	}
}

// itemToRecord converts a DynamoDB attribute map to a ConversationRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.ConversationRecord, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	rawTS, err := strAttr(item, "timestamp")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: parse attribute %q: %w", "timestamp", err)
	}
	name, _ := strAttr(item, "name")       // allow empty
	message, _ := strAttr(item, "message") // allow empty
	reply, err := strAttr(item, "aiReply")
	if err != nil {
		return domain.ConversationRecord{}, err
	}

	return domain.ConversationRecord{
		ID:        sk,
		Name:      name,
		Message:   message,
		AIReply:   reply,
		Timestamp: ts,
	}, nil
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
