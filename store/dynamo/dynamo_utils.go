package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/docsync/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, dynamodbEndpoint string) (*dynamodb.Client, error) {
	var cfg aws.Config
	var err error

	if devMode {
		// Load config with dummy credentials and region for local/dev
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		return dynamodb.New(dynamodb.Options{
			Credentials:      cfg.Credentials,
			Region:           cfg.Region,
			EndpointResolver: dynamodb.EndpointResolverFromURL(dynamodbEndpoint),
		}), nil
	}

	// Production: default config (task role and AWS endpoints)
	cfg, err = config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg), nil
}

func getTables(client *dynamodb.Client, ctx context.Context) ([]string, error) {
	output, err := client.ListTables(ctx, &dynamodb.ListTablesInput{})
	if err != nil {
		return nil, err
	}

	return output.TableNames, nil
}

func keyOf(pk string, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// getItem retrieves an item of type T by PK and SK
func getItem[T any](dynamoStore *DynamoSyncStore, ctx context.Context, pk string, sk string, consistentRead bool) (T, error) {
	var zero T

	resp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return zero, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return zero, store.ErrItemNotFound
	}

	var item T
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return zero, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	return item, nil
}

// ensureItem inserts item if its PK+SK is free, otherwise returns the stored item.
func ensureItem[T any](dynamoStore *DynamoSyncStore, ctx context.Context, item T) (T, bool, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, false, fmt.Errorf("marshal error: %w", err)
	}

	pkAttr, ok := avMap["PK"]
	if !ok {
		return zero, false, errors.New("struct missing PK field")
	}
	skAttr, ok := avMap["SK"]
	if !ok {
		return zero, false, errors.New("struct missing SK field")
	}

	_, err = dynamoStore.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(dynamoStore.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return item, true, nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return zero, false, fmt.Errorf("failed to put item: %w", err)
	}

	// Already exists: fetch it
	getResp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            map[string]types.AttributeValue{"PK": pkAttr, "SK": skAttr},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return zero, false, fmt.Errorf("failed to get existing item: %w", err)
	}
	if getResp.Item == nil {
		return zero, false, errors.New("item supposedly exists but GetItem returned nothing")
	}

	var existing T
	if err := attributevalue.UnmarshalMap(getResp.Item, &existing); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal existing item: %w", err)
	}
	return existing, false, nil
}

// skRange narrows a partition query. Prefix and From/To are exclusive of each other.
type skRange struct {
	Prefix string
	From   string
	To     string
}

func (r skRange) keyCondition(values map[string]types.AttributeValue) string {
	switch {
	case r.Prefix != "":
		values[":skPrefix"] = &types.AttributeValueMemberS{Value: r.Prefix}
		return "PK = :pk AND begins_with(SK, :skPrefix)"
	case r.From != "" && r.To != "":
		values[":skFrom"] = &types.AttributeValueMemberS{Value: r.From}
		values[":skTo"] = &types.AttributeValueMemberS{Value: r.To}
		return "PK = :pk AND SK BETWEEN :skFrom AND :skTo"
	default:
		return "PK = :pk"
	}
}

// queryByPK returns items of type T in the partition within the SK range,
// ordered by SK, honouring a global limit across pages.
func queryByPK[T any](dynamoStore *DynamoSyncStore, ctx context.Context, pk string, sk skRange, scanIndexForward bool, limit int32) ([]T, error) {
	results := []T{}

	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: pk},
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(dynamoStore.tableName),
		KeyConditionExpression:    aws.String(sk.keyCondition(values)),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(scanIndexForward),
		ConsistentRead:            aws.Bool(true),
	}

	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	// dynamodb applies limit per page, so the global limit is enforced here too
	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, input)

	for paginator.HasMorePages() {
		if limit > 0 && len(results) >= int(limit) {
			break
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		var pageItems []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
		}

		results = append(results, pageItems...)
	}

	if limit > 0 && len(results) > int(limit) {
		results = results[:limit]
	}

	return results, nil
}

// countByPK counts items in the partition within the SK range without fetching them
func countByPK(dynamoStore *DynamoSyncStore, ctx context.Context, pk string, sk skRange) (int, error) {
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: pk},
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Select:                    types.SelectCount,
		KeyConditionExpression:    aws.String(sk.keyCondition(values)),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}

	var totalCount int32
	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("count query failed: %w", err)
		}
		totalCount += page.Count
	}

	return int(totalCount), nil
}

// writeBatchRequests handles batch writes (Put or Delete) with retries
// Returns any unprocessed items as []T
func writeBatchRequests[T any](dynamoStore *DynamoSyncStore, ctx context.Context, requests []types.WriteRequest) ([]T, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return unmarshalUnprocessed[T](requests), ctx.Err()
		default:
		}

		resp, err := dynamoStore.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				dynamoStore.tableName: requests,
			},
		})
		if err != nil {
			return unmarshalUnprocessed[T](requests), fmt.Errorf("BatchWriteItem failed: %w", err)
		}

		unprocessed := resp.UnprocessedItems[dynamoStore.tableName]
		if len(unprocessed) == 0 {
			return nil, nil
		}

		requests = unprocessed

		if err := sleepBackoff(ctx, &backoff); err != nil {
			return unmarshalUnprocessed[T](requests), err
		}
	}
}

// helper to convert WriteRequests back to []T
func unmarshalUnprocessed[T any](reqs []types.WriteRequest) []T {
	failed := make([]T, 0, len(reqs))
	for _, wr := range reqs {
		if wr.PutRequest != nil {
			var item T
			if err := attributevalue.UnmarshalMap(wr.PutRequest.Item, &item); err == nil {
				failed = append(failed, item)
			}
		} else if wr.DeleteRequest != nil {
			var item T
			if err := attributevalue.UnmarshalMap(wr.DeleteRequest.Key, &item); err == nil {
				failed = append(failed, item)
			}
		}
	}
	return failed
}

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
)

// sleepBackoff waits for the current backoff and doubles it up to maxBackoff.
func sleepBackoff(ctx context.Context, backoff *time.Duration) error {
	timer := time.NewTimer(*backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	if *backoff < maxBackoff {
		*backoff *= 2
	}
	return nil
}

// deleteItemWithCondition deletes an item by PK and SK, only if a specified field equals a given value.
// With no condition field it only requires the item to exist.
func deleteItemWithCondition(dynamoStore *DynamoSyncStore, ctx context.Context, pk string, sk string, conditionField string, expectedValue string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       keyOf(pk, sk),
	}

	if conditionField != "" {
		input.ConditionExpression = aws.String(fmt.Sprintf("%s = :val", conditionField))
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberS{Value: expectedValue},
		}
	} else {
		input.ConditionExpression = aws.String("attribute_exists(PK)")
	}

	_, err := dynamoStore.client.DeleteItem(ctx, input)
	if err == nil {
		return nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return fmt.Errorf("delete failed: %w", err)
	}
	if conditionField == "" {
		return store.ErrItemNotFound
	}

	// Could be because the item doesn't exist or condition not met
	getResp, getErr := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       keyOf(pk, sk),
	})
	if getErr != nil {
		return fmt.Errorf("delete failed, and GetItem check also failed: %w", getErr)
	}
	if getResp.Item == nil {
		return store.ErrItemNotFound
	}
	return store.ErrConditionFailed
}

// batchDeleteKeys deletes the given keys in chunks of 25, throttled between chunks.
func batchDeleteKeys(dynamoStore *DynamoSyncStore, ctx context.Context, keys []map[string]types.AttributeValue, throttle time.Duration) (int, error) {
	deleted := 0
	for i := 0; i < len(keys); i += 25 {
		end := min(i+25, len(keys))

		delRequests := make([]types.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			delRequests = append(delRequests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}

		startTime := time.Now()

		unprocessed, err := writeBatchRequests[map[string]types.AttributeValue](dynamoStore, ctx, delRequests)
		deleted += len(delRequests) - len(unprocessed)
		if err != nil {
			return deleted, fmt.Errorf("batch delete failed: %w", err)
		}

		elapsed := time.Since(startTime)
		if end < len(keys) && elapsed < throttle {
			select {
			case <-ctx.Done():
				return deleted, ctx.Err()
			case <-time.After(throttle - elapsed):
			}
		}
	}
	return deleted, nil
}

// transactWrite runs a TransactWriteItems call. A cancellation caused by a
// failed condition or a conflicting transaction maps to store.ErrConditionFailed;
// the returned index is the first item whose condition failed, or -1.
func transactWrite(dynamoStore *DynamoSyncStore, ctx context.Context, items []types.TransactWriteItem) (int, error) {
	_, err := dynamoStore.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return -1, nil
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		failedAt := -1
		for i, reason := range tce.CancellationReasons {
			code := aws.ToString(reason.Code)
			if code == "ConditionalCheckFailed" || code == "TransactionConflict" {
				if failedAt < 0 {
					failedAt = i
				}
			}
		}
		if failedAt >= 0 {
			return failedAt, store.ErrConditionFailed
		}
		return -1, fmt.Errorf("transaction canceled: %w", err)
	}

	var tcx *types.TransactionConflictException
	if errors.As(err, &tcx) {
		return -1, store.ErrConditionFailed
	}
	return -1, fmt.Errorf("TransactWriteItems failed: %w", err)
}
