package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoRefreshStore keeps valid refresh tokens in the single application
// table. DynamoDB TTL deletion is lazy, so reads also check ExpiresAt.
type DynamoRefreshStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
	logger    *logrus.Logger
}

func NewDynamoRefreshStore(client DynamoAPI, tableName string, logger *logrus.Logger) *DynamoRefreshStore {
	return &DynamoRefreshStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
		logger:    logger,
	}
}

func refreshTokenKey(token string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("REFRESH_TOKEN#%s", tokenDigest(token))},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func (r *DynamoRefreshStore) item(token string, expiresAt time.Time) (map[string]types.AttributeValue, error) {
	tokenData := models.RefreshTokenData{
		Digest:    tokenDigest(token),
		CreatedAt: r.now(),
		ExpiresAt: expiresAt,
	}

	item, err := attributevalue.MarshalMap(tokenData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	for k, v := range refreshTokenKey(token) {
		item[k] = v
	}
	// TTL in Unix seconds drives DynamoDB's own expiry.
	item["TTL"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)}

	return item, nil
}

func (r *DynamoRefreshStore) Record(ctx context.Context, token string, expiresAt time.Time) error {
	item, err := r.item(token, expiresAt)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *DynamoRefreshStore) IsValid(ctx context.Context, token string) (bool, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            refreshTokenKey(token),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return false, nil
	}

	var tokenData models.RefreshTokenData
	if err := attributevalue.UnmarshalMap(result.Item, &tokenData); err != nil {
		return false, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return !tokenData.Expired(r.now()), nil
}

func (r *DynamoRefreshStore) Revoke(ctx context.Context, token string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       refreshTokenKey(token),
	})
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}

	return nil
}

// Rotate deletes the old item and puts the new one in a single transaction.
// The delete is conditioned on the old token still being live.
func (r *DynamoRefreshStore) Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) error {
	item, err := r.item(newToken, expiresAt)
	if err != nil {
		return err
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName:                aws.String(r.tableName),
					Key:                      refreshTokenKey(oldToken),
					ConditionExpression:      aws.String("attribute_exists(PK) AND #ttl > :now"),
					ExpressionAttributeNames: map[string]string{"#ttl": "TTL"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(r.now().Unix(), 10)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return ErrTokenNotFound
		}
		r.logger.WithError(err).Error("Failed to rotate refresh token in DynamoDB")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return nil
}
