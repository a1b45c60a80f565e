package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table understanding the handful of condition
// and filter expressions the repositories issue.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) check(expr *string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) bool {
	if expr == nil {
		return true
	}
	e := *expr
	if strings.Contains(e, "attribute_not_exists(PK)") && existing != nil {
		return false
	}
	if strings.Contains(e, "attribute_exists(PK)") && !strings.Contains(e, "attribute_not_exists(PK)") && existing == nil {
		return false
	}
	if strings.Contains(e, "#ttl > :now") {
		ttl, _ := strconv.ParseInt(existing[names["#ttl"]].(*types.AttributeValueMemberN).Value, 10, 64)
		now, _ := strconv.ParseInt(values[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
		if ttl <= now {
			return false
		}
	}
	return true
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(in.Item)
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			if !f.check(ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, f.items[itemKey(ti.Put.Item)]) {
				return nil, &types.TransactionCanceledException{Message: aws.String("put condition failed")}
			}
		case ti.Delete != nil:
			if !f.check(ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues, f.items[itemKey(ti.Delete.Key)]) {
				return nil, &types.TransactionCanceledException{Message: aws.String("delete condition failed")}
			}
		default:
			return nil, fmt.Errorf("unsupported transact item")
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKey(ti.Put.Item)] = ti.Put.Item
		} else {
			delete(f.items, itemKey(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Scan returns one item per page so pagination is exercised.
func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := in.ExpressionAttributeValues[":pk_prefix"].(*types.AttributeValueMemberS).Value

	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := itemKey(in.ExclusiveStartKey)
		for i, k := range keys {
			if k == last {
				start = i + 1
			}
		}
	}

	out := &dynamodb.ScanOutput{}
	if start < len(keys) {
		item := f.items[keys[start]]
		out.Items = []map[string]types.AttributeValue{item}
		if start+1 < len(keys) {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}
		}
	}
	return out, nil
}
