package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoEventStore stores events in DynamoDB. The table uses aggregate_id
// as partition key and version as sort key; the conditional transactional
// write gives the same optimistic-concurrency guarantee as the relational
// unique key. The outbox sweep is not supported on this backend.
type DynamoEventStore struct {
	client            *dynamodb.Client
	tableName         string
	snapshotTableName string
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	AggregateID string `dynamodbav:"aggregate_id"`
	Version     int    `dynamodbav:"version"`
	ID          string `dynamodbav:"id"`
	Kind        string `dynamodbav:"kind"`
	Payload     string `dynamodbav:"payload"`
	CreatedAt   string `dynamodbav:"created_at"`
}

func NewDynamoEventStore(client *dynamodb.Client, tableName, snapshotTableName string) *DynamoEventStore {
	return &DynamoEventStore{
		client:            client,
		tableName:         tableName,
		snapshotTableName: snapshotTableName,
	}
}

func (es *DynamoEventStore) Append(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	if err := validateAppend(aggregateID, events, expectedVersion); err != nil {
		return err
	}

	current, err := es.lastVersion(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("failed to read current version for %s: %w", aggregateID, err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: aggregate %s at version %d, expected %d",
			ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	items := make([]types.TransactWriteItem, 0, len(events))
	for _, e := range events {
		item := dynamoEvent{
			AggregateID: e.AggregateID,
			Version:     e.Version,
			ID:          e.ID,
			Kind:        e.Kind,
			Payload:     string(e.Payload),
			CreatedAt:   e.Timestamp.Format(time.RFC3339Nano),
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s v%d: %w", aggregateID, e.Version, err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id) AND attribute_not_exists(version)"),
			},
		})
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return fmt.Errorf("%w: aggregate %s", ErrConcurrencyConflict, aggregateID)
				}
			}
		}
		return fmt.Errorf("failed to append events for %s: %w", aggregateID, err)
	}
	return nil
}

// lastVersion queries for the current max version, NoStream when empty.
func (es *DynamoEventStore) lastVersion(ctx context.Context, aggregateID string) (int, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("version"),
	})
	if err != nil {
		return 0, err
	}

	if len(result.Items) == 0 {
		return NoStream, nil
	}

	var item struct {
		Version int `dynamodbav:"version"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, err
	}
	return item.Version, nil
}

func (es *DynamoEventStore) LoadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.LoadEventsFromVersion(ctx, aggregateID, 0)
}

func (es *DynamoEventStore) LoadEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid AND version >= :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
			":v":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fromVersion)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", aggregateID, err)
	}
	return unmarshalDynamoEvents(result.Items)
}

func (es *DynamoEventStore) LastEvent(ctx context.Context, aggregateID string) (*Event, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load last event for %s: %w", aggregateID, err)
	}
	events, err := unmarshalDynamoEvents(result.Items)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func unmarshalDynamoEvents(items []map[string]types.AttributeValue) ([]Event, error) {
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event item: %w", err)
		}
		timestamp, _ := time.Parse(time.RFC3339Nano, de.CreatedAt)
		events = append(events, Event{
			ID:          de.ID,
			AggregateID: de.AggregateID,
			Kind:        de.Kind,
			Payload:     json.RawMessage(de.Payload),
			Timestamp:   timestamp,
			Version:     de.Version,
		})
	}
	return events, nil
}

// dynamoSnapshot is the snapshots-table item, keyed by aggregate_id alone
// so each save replaces the previous snapshot.
type dynamoSnapshot struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	SchemaVersion int    `dynamodbav:"schema_version"`
	State         string `dynamodbav:"state"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func (es *DynamoEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	item := dynamoSnapshot{
		AggregateID:   snapshot.AggregateID,
		Version:       snapshot.Version,
		SchemaVersion: snapshot.SchemaVersion,
		State:         string(snapshot.State),
		CreatedAt:     snapshot.CreatedAt.Format(time.RFC3339Nano),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = es.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(es.snapshotTableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (es *DynamoEventStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	result, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(es.snapshotTableName),
		Key: map[string]types.AttributeValue{
			"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, ds.CreatedAt)
	return &Snapshot{
		AggregateID:   ds.AggregateID,
		Version:       ds.Version,
		SchemaVersion: ds.SchemaVersion,
		State:         json.RawMessage(ds.State),
		CreatedAt:     createdAt,
	}, nil
}
