// Package aws holds DynamoDB implementations of the stores that benefit from
// a shared, horizontally scaled backend.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/models"
)

// maxIncrementAttempts bounds the increment/reset race between writers that
// see the same expired window.
const maxIncrementAttempts = 3

type windowItem struct {
	Identifier  string `dynamodbav:"identifier"`
	Endpoint    string `dynamodbav:"endpoint"`
	Count       int    `dynamodbav:"count"`
	WindowStart int64  `dynamodbav:"window_start"` // unix millis
	ExpiresAt   int64  `dynamodbav:"expires_at"`   // unix seconds, table TTL attribute
}

func (w windowItem) toModel() *models.RateLimitWindow {
	return &models.RateLimitWindow{
		Identifier:  w.Identifier,
		Endpoint:    w.Endpoint,
		Count:       w.Count,
		WindowStart: time.UnixMilli(w.WindowStart).UTC(),
	}
}

// RateLimitStore implements store.RateLimitStore on a DynamoDB table keyed by
// identifier (hash) and endpoint (range). Every change is a conditional
// UpdateItem so concurrent checks from many instances stay exact.
type RateLimitStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewRateLimitStore creates a new DynamoDB rate limit store.
func NewRateLimitStore(client *dynamodb.Client, tableName string) *RateLimitStore {
	return &RateLimitStore{client: client, tableName: tableName}
}

// Increment adds one to a live window, or starts a new one when the stored
// window has run its length or does not exist.
func (s *RateLimitStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	for attempt := 0; attempt < maxIncrementAttempts; attempt++ {
		w, err := s.increment(ctx, identifier, endpoint, now, window)
		if err == nil {
			return w, nil
		}
		if !isConditionFailed(err) {
			return nil, wrapAWSError(err, "failed to increment rate limit window")
		}

		w, err = s.reset(ctx, identifier, endpoint, now, window)
		if err == nil {
			return w, nil
		}
		if !isConditionFailed(err) {
			return nil, wrapAWSError(err, "failed to reset rate limit window")
		}

		log.Debug().
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Msg("Rate limit window changed concurrently, retrying")
	}

	return nil, fmt.Errorf("failed to update rate limit window after %d attempts", maxIncrementAttempts)
}

func (s *RateLimitStore) key(identifier, endpoint string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"identifier": &types.AttributeValueMemberS{Value: identifier},
		"endpoint":   &types.AttributeValueMemberS{Value: endpoint},
	}
}

// increment succeeds only while the stored window is still live.
func (s *RateLimitStore) increment(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	cutoff := now.Add(-window).UnixMilli()

	update := expression.Add(expression.Name("count"), expression.Value(1))
	cond := expression.AttributeExists(expression.Name("identifier")).
		And(expression.Name("window_start").GreaterThan(expression.Value(cutoff)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build update expression: %w", err)
	}

	return s.update(ctx, identifier, endpoint, expr)
}

// reset starts a new window unless another writer already did.
func (s *RateLimitStore) reset(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	cutoff := now.Add(-window).UnixMilli()

	update := expression.Set(expression.Name("count"), expression.Value(1)).
		Set(expression.Name("window_start"), expression.Value(now.UnixMilli())).
		Set(expression.Name("expires_at"), expression.Value(now.Add(window).Unix()))
	cond := expression.AttributeNotExists(expression.Name("identifier")).
		Or(expression.Name("window_start").LessThanEqual(expression.Value(cutoff)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build reset expression: %w", err)
	}

	return s.update(ctx, identifier, endpoint, expr)
}

func (s *RateLimitStore) update(ctx context.Context, identifier, endpoint string, expr expression.Expression) (*models.RateLimitWindow, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(identifier, endpoint),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, err
	}

	var item windowItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate limit window: %w", err)
	}

	return item.toModel(), nil
}

// DeleteStale removes windows that started before cutoff. The table TTL
// removes expired items eventually; this makes the sweep deterministic.
func (s *RateLimitStore) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	filter := expression.Name("window_start").LessThan(expression.Value(cutoff.UnixMilli()))
	proj := expression.NamesList(expression.Name("identifier"), expression.Name("endpoint"))

	expr, err := expression.NewBuilder().WithFilter(filter).WithProjection(proj).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build scan expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, wrapAWSError(err, "failed to scan rate limit windows")
		}

		for _, item := range page.Items {
			cond, err := expression.NewBuilder().
				WithCondition(expression.Name("window_start").LessThan(expression.Value(cutoff.UnixMilli()))).
				Build()
			if err != nil {
				return deleted, fmt.Errorf("failed to build delete condition: %w", err)
			}

			_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.tableName),
				Key:                       item,
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			})
			if err != nil {
				if isConditionFailed(err) {
					continue // window restarted since the scan
				}
				return deleted, wrapAWSError(err, "failed to delete rate limit window")
			}
			deleted++
		}
	}

	return deleted, nil
}
