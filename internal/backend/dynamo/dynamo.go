// Package dynamo provides a backend.KV implementation on Amazon DynamoDB.
// Write conditions compile to DynamoDB condition expressions, so the
// service's native conditional writes carry the optimistic-concurrency
// guarantees the lock coordinator depends on.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kneutral-org/lockbox/internal/backend"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// KV is a DynamoDB-backed conditional key-value store.
type KV struct {
	client Client
}

// New creates a DynamoDB-backed store on the given client.
func New(client Client) *KV {
	return &KV{client: client}
}

// Get returns the record stored under key, or nil if absent.
// The read is strongly consistent.
func (s *KV) Get(ctx context.Context, tableName string, key backend.Key) (backend.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(tableName),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}
	return fromAttributeMap(out.Item)
}

// Put stores item under key if cond holds.
func (s *KV) Put(ctx context.Context, tableName string, key backend.Key, item backend.Item, cond backend.Condition) error {
	av, err := toAttributeMap(item)
	if err != nil {
		return err
	}
	for name, v := range keyAttrs(key) {
		av[name] = v
	}

	expr := newExprBuilder(key)
	condExpr := expr.condition(cond)

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(tableName),
		Item:                      av,
		ConditionExpression:       aws.String(condExpr),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
	})
	return mapConditionErr(err)
}

// Update sets the given attributes on the record under key if cond holds.
func (s *KV) Update(ctx context.Context, tableName string, key backend.Key, set backend.Item, cond backend.Condition) error {
	expr := newExprBuilder(key)
	condExpr := expr.condition(cond)
	updateExpr, err := expr.update(set)
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(tableName),
		Key:                       keyAttrs(key),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String(condExpr),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
	})
	return mapConditionErr(err)
}

// Delete removes the record under key if cond holds.
func (s *KV) Delete(ctx context.Context, tableName string, key backend.Key, cond backend.Condition) error {
	expr := newExprBuilder(key)
	condExpr := expr.condition(cond)

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(tableName),
		Key:                       keyAttrs(key),
		ConditionExpression:       aws.String(condExpr),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
	})
	return mapConditionErr(err)
}

func mapConditionErr(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return backend.ErrConditionFailed
	}
	return err
}

func keyAttrs(key backend.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		key.PartitionName: &types.AttributeValueMemberS{Value: key.PartitionValue},
		key.SortName:      &types.AttributeValueMemberS{Value: key.SortValue},
	}
}

// exprBuilder accumulates expression attribute names and values while
// rendering condition and update expressions.
type exprBuilder struct {
	key    backend.Key
	names  map[string]string
	values map[string]types.AttributeValue
	n      int
}

func newExprBuilder(key backend.Key) *exprBuilder {
	return &exprBuilder{
		key:    key,
		names:  map[string]string{"#pk": key.PartitionName, "#sk": key.SortName},
		values: map[string]types.AttributeValue{},
	}
}

func (b *exprBuilder) condition(cond backend.Condition) string {
	if cond.MustNotExist {
		return "attribute_not_exists(#pk) AND attribute_not_exists(#sk)"
	}
	parts := []string{"attribute_exists(#pk)", "attribute_exists(#sk)"}
	for _, attr := range sortedAttrs(cond.Expect) {
		name := fmt.Sprintf("#c%d", b.n)
		value := fmt.Sprintf(":c%d", b.n)
		b.n++
		b.names[name] = attr
		b.values[value] = toScalar(cond.Expect[attr])
		parts = append(parts, fmt.Sprintf("%s = %s", name, value))
	}
	return strings.Join(parts, " AND ")
}

func (b *exprBuilder) update(set backend.Item) (string, error) {
	assignments := make([]string, 0, len(set))
	for i, attr := range sortedAttrs(set) {
		name := fmt.Sprintf("#u%d", i)
		value := fmt.Sprintf(":u%d", i)
		b.names[name] = attr
		av, err := toAttributeValue(set[attr])
		if err != nil {
			return "", err
		}
		b.values[value] = av
		assignments = append(assignments, fmt.Sprintf("%s = %s", name, value))
	}
	return "SET " + strings.Join(assignments, ", "), nil
}

func (b *exprBuilder) valuesOrNil() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

func sortedAttrs(item backend.Item) []string {
	attrs := make([]string, 0, len(item))
	for attr := range item {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	return attrs
}

// toScalar converts a condition value. Conditions only ever bind strings and
// integers.
func toScalar(v any) types.AttributeValue {
	switch val := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: val}
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}
	default:
		return &types.AttributeValueMemberS{Value: fmt.Sprint(val)}
	}
}

func toAttributeValue(v any) (types.AttributeValue, error) {
	switch val := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: val}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}, nil
	case map[string]any:
		m, err := attributevalue.MarshalMap(val)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return attributevalue.Marshal(val)
	}
}

func toAttributeMap(item backend.Item) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(item))
	for attr, v := range item {
		av, err := toAttributeValue(v)
		if err != nil {
			return nil, err
		}
		out[attr] = av
	}
	return out, nil
}

func fromAttributeMap(av map[string]types.AttributeValue) (backend.Item, error) {
	item := make(backend.Item, len(av))
	for attr, v := range av {
		decoded, err := fromAttributeValue(v)
		if err != nil {
			return nil, err
		}
		item[attr] = decoded
	}
	return item, nil
}

// fromAttributeValue restores the value kinds the store writes: strings,
// int64 numbers and nested maps.
func fromAttributeValue(av types.AttributeValue) (any, error) {
	switch val := av.(type) {
	case *types.AttributeValueMemberS:
		return val.Value, nil
	case *types.AttributeValueMemberN:
		if i, err := strconv.ParseInt(val.Value, 10, 64); err == nil {
			return i, nil
		}
		return strconv.ParseFloat(val.Value, 64)
	case *types.AttributeValueMemberBOOL:
		return val.Value, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(val.Value))
		for k, nested := range val.Value {
			decoded, err := fromAttributeValue(nested)
			if err != nil {
				return nil, err
			}
			m[k] = decoded
		}
		return m, nil
	case *types.AttributeValueMemberL:
		list := make([]any, 0, len(val.Value))
		for _, nested := range val.Value {
			decoded, err := fromAttributeValue(nested)
			if err != nil {
				return nil, err
			}
			list = append(list, decoded)
		}
		return list, nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	default:
		var out any
		if err := attributevalue.Unmarshal(av, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
