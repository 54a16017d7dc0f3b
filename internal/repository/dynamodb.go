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

	"lokvaani/internal/clock"
	"lokvaani/internal/codec"
	"lokvaani/internal/domain"
)

const (
	skState = "STATE#"
	skLease = "LEASE#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps sessions in a single DynamoDB table.
//
// Item layout, keyed by PK = "SESSION#<id>":
//
//	SK = "STATE#"  data (B, codec record), version (N), expiresAt (N, ms), ttl (N, s)
//	SK = "LEASE#"  owner (S), leaseUntil (N, ms), ttl (N, s)
//
// The table's TTL attribute must be "ttl". DynamoDB deletes expired items
// lazily, so reads also compare expiresAt against the clock.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	clock     clock.Clock
}

// NewDynamoStore creates a DynamoStore. A nil clock uses real time.
func NewDynamoStore(api dynamodbAPI, tableName string, c clock.Clock) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if c == nil {
		c = clock.Real()
	}
	return &DynamoStore{api: api, tableName: tableName, clock: c}, nil
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func (d *DynamoStore) key(sessionID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Get reads the session record with a consistent read.
func (d *DynamoStore) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(sessionID, skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 || d.expired(out.Item) {
		return domain.Session{}, ErrNotFound
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Get decode: %w", err)
	}
	return s, nil
}

// Set writes the session if the stored version matches s.Version.
func (d *DynamoStore) Set(ctx context.Context, s domain.Session, ttl time.Duration) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, errors.New("repository: Set: session id is required")
	}
	next := s.Clone()
	next.Version = s.Version + 1
	data, err := codec.Marshal(next)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Set encode: %w", err)
	}

	now := d.clock.Now()
	item := sessionItem(next, data, expiryMillis(now, ttl))
	values := map[string]types.AttributeValue{
		":now": numberAttr(now.UnixMilli()),
	}
	var cond string
	if s.Version == 0 {
		cond = "attribute_not_exists(PK) OR expiresAt <= :now"
	} else {
		cond = "version = :expected AND expiresAt > :now"
		values[":expected"] = numberAttr(s.Version)
	}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(d.tableName),
		Item:                                item,
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if s.Version != 0 && (len(ccf.Item) == 0 || d.expired(ccf.Item)) {
				return domain.Session{}, ErrNotFound
			}
			return domain.Session{}, ErrVersionConflict
		}
		return domain.Session{}, fmt.Errorf("repository: Set put item: %w", err)
	}
	return next, nil
}

// Touch pushes expiresAt (and the TTL attribute) forward. A record whose
// expiry is already later is left alone.
func (d *DynamoStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := d.clock.Now()
	exp := expiryMillis(now, ttl)
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              d.key(sessionID, skState),
		UpdateExpression: aws.String("SET expiresAt = :exp, #ttl = :ttl"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND expiresAt > :now AND expiresAt < :exp"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp": numberAttr(exp),
			":ttl": numberAttr(ttlSeconds(exp)),
			":now": numberAttr(now.UnixMilli()),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 || d.expired(ccf.Item) {
				return ErrNotFound
			}
			return nil
		}
		return fmt.Errorf("repository: Touch update item: %w", err)
	}
	return nil
}

// Delete removes the session record and its lease in one transaction.
func (d *DynamoStore) Delete(ctx context.Context, sessionID string) error {
	_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String(d.tableName), Key: d.key(sessionID, skState)}},
			{Delete: &types.Delete{TableName: aws.String(d.tableName), Key: d.key(sessionID, skLease)}},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// AcquireLease writes the lease item if it is free, expired, or already
// owned by owner.
func (d *DynamoStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	now := d.clock.Now()
	until := expiryMillis(now, ttl)
	item := d.key(sessionID, skLease)
	item["owner"] = &types.AttributeValueMemberS{Value: owner}
	item["leaseUntil"] = numberAttr(until)
	item["ttl"] = numberAttr(ttlSeconds(until))

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR leaseUntil <= :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   numberAttr(now.UnixMilli()),
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("repository: AcquireLease put item: %w", err)
	}
	return nil
}

// ReleaseLease deletes the lease item if owner still holds it.
func (d *DynamoStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(sessionID, skLease),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #owner = :owner OR leaseUntil <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":now":   numberAttr(d.clock.Now().UnixMilli()),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("repository: ReleaseLease delete item: %w", err)
	}
	return nil
}

func (d *DynamoStore) expired(item map[string]types.AttributeValue) bool {
	exp, err := int64Attr(item, "expiresAt")
	if err != nil {
		return true
	}
	return d.clock.Now().UnixMilli() >= exp
}

func sessionItem(s domain.Session, data []byte, expiresAt int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skState},
		"sessionId":    &types.AttributeValueMemberS{Value: s.ID},
		"data":         &types.AttributeValueMemberB{Value: data},
		"version":      numberAttr(s.Version),
		"lastActivity": &types.AttributeValueMemberS{Value: s.LastActivityAt.UTC().Format(time.RFC3339)},
		"expiresAt":    numberAttr(expiresAt),
		"ttl":          numberAttr(ttlSeconds(expiresAt)),
	}
}

// itemToSession converts a DynamoDB attribute map to a Session. The
// version attribute is authoritative over the encoded one.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	v, ok := item["data"]
	if !ok {
		return domain.Session{}, fmt.Errorf("repository: missing attribute %q", "data")
	}
	b, ok := v.(*types.AttributeValueMemberB)
	if !ok {
		return domain.Session{}, fmt.Errorf("repository: attribute %q is not binary", "data")
	}
	version, err := int64Attr(item, "version")
	if err != nil {
		return domain.Session{}, err
	}
	var s domain.Session
	if err := codec.Unmarshal(b.Value, &s); err != nil {
		return domain.Session{}, err
	}
	s.Version = version
	return s, nil
}

// ttlSeconds rounds an expiry in milliseconds up to whole seconds for the
// DynamoDB TTL attribute.
func ttlSeconds(expiresAtMillis int64) int64 {
	return (expiresAtMillis + 999) / 1000
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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
