package dynamo

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
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
)

// maxAppendAttempts bounds the optimistic sequence allocation loop.
const maxAppendAttempts = 8

// pruneThrottle spaces out batch deletes so compaction doesn't eat write capacity.
const pruneThrottle = 100 * time.Millisecond

type DynamoSyncStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSyncStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSyncStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSyncStore{client: client, tableName: tableName}, nil
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (dynamoStore *DynamoSyncStore) getMeta(ctx context.Context, documentId string) (dynamoDocMeta, error) {
	meta, err := getItem[dynamoDocMeta](dynamoStore, ctx, docPK(documentId), docMetaSK, true)
	if errors.Is(err, store.ErrItemNotFound) {
		return dynamoDocMeta{PK: docPK(documentId), SK: docMetaSK}, nil
	}
	return meta, err
}

func (dynamoStore *DynamoSyncStore) AppendDelta(ctx context.Context, delta models.Delta) (models.Delta, error) {
	backoff := initialBackoff

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		meta, err := dynamoStore.getMeta(ctx, delta.DocumentId)
		if err != nil {
			return models.Delta{}, err
		}

		delta.Seq = meta.LastSeq + 1
		err = dynamoStore.commitDelta(ctx, delta, meta.LastSeq)
		if err == nil {
			return delta, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return models.Delta{}, err
		}

		// Another writer took this seq; read the counter again
		if err := sleepBackoff(ctx, &backoff); err != nil {
			return models.Delta{}, err
		}
	}

	return models.Delta{}, store.ErrContention
}

// commitDelta moves the counter from expected to delta.Seq and writes the
// delta in the same transaction.
func (dynamoStore *DynamoSyncStore) commitDelta(ctx context.Context, delta models.Delta, expected int64) error {
	item, err := attributevalue.MarshalMap(deltaToDynamo(delta))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	counter := &types.Update{
		TableName:        aws.String(dynamoStore.tableName),
		Key:              keyOf(docPK(delta.DocumentId), docMetaSK),
		UpdateExpression: aws.String("SET LastSeq = :next"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": num(delta.Seq),
		},
	}
	if expected == 0 {
		counter.ConditionExpression = aws.String("attribute_not_exists(LastSeq)")
	} else {
		counter.ConditionExpression = aws.String("LastSeq = :expected")
		counter.ExpressionAttributeValues[":expected"] = num(expected)
	}

	_, err = transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{Update: counter},
		{Put: &types.Put{
			TableName:           aws.String(dynamoStore.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	})
	return err
}

func (dynamoStore *DynamoSyncStore) GetDeltas(ctx context.Context, documentId string, afterSeq int64, limit int) ([]models.Delta, error) {
	dynamoDeltas, err := queryByPK[dynamoDelta](dynamoStore, ctx, docPK(documentId),
		skRange{From: deltaSK(afterSeq + 1), To: lastDeltaSK}, true, int32(max(limit, 0)))
	if err != nil {
		return []models.Delta{}, err
	}

	deltas := make([]models.Delta, 0, len(dynamoDeltas))
	for _, dd := range dynamoDeltas {
		deltas = append(deltas, deltaFromDynamo(dd))
	}
	return deltas, nil
}

func (dynamoStore *DynamoSyncStore) GetLatestSeq(ctx context.Context, documentId string) (int64, error) {
	meta, err := dynamoStore.getMeta(ctx, documentId)
	if err != nil {
		return 0, err
	}
	return meta.LastSeq, nil
}

func (dynamoStore *DynamoSyncStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	writeId, err := uuid.NewV7()
	if err != nil {
		return err
	}
	header, parts := splitSnapshot(snapshot, writeId.String(), snapshotPartSize)

	// parts go first; the snapshot only becomes visible with the header below
	requests := make([]types.WriteRequest, 0, len(parts))
	for _, part := range parts {
		item, err := attributevalue.MarshalMap(part)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	for i := 0; i < len(requests); i += 25 {
		end := min(i+25, len(requests))
		if _, err := writeBatchRequests[dynamoKey](dynamoStore, ctx, requests[i:end]); err != nil {
			dynamoStore.dropParts(snapshot.DocumentId, parts[:end])
			return fmt.Errorf("snapshot parts: %w", err)
		}
	}

	item, err := attributevalue.MarshalMap(header)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:        aws.String(dynamoStore.tableName),
			Key:              keyOf(docPK(snapshot.DocumentId), docMetaSK),
			UpdateExpression: aws.String("SET SnapshotSeq = :seq"),
			ConditionExpression: aws.String(
				"LastSeq >= :seq AND (attribute_not_exists(SnapshotSeq) OR SnapshotSeq < :seq)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":seq": num(snapshot.Seq),
			},
		}},
		{Put: &types.Put{
			TableName:           aws.String(dynamoStore.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	})
	if err != nil {
		dynamoStore.dropParts(snapshot.DocumentId, parts)
	}
	return err
}

// dropParts deletes the parts of a snapshot write that never committed.
// Leftovers below the committed snapshot are swept up by PruneDeltas.
func (dynamoStore *DynamoSyncStore) dropParts(documentId string, parts []dynamoSnapshotPart) {
	if len(parts) == 0 {
		return
	}
	keys := make([]map[string]types.AttributeValue, 0, len(parts))
	for _, part := range parts {
		keys = append(keys, keyOf(docPK(documentId), part.SK))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = batchDeleteKeys(dynamoStore, ctx, keys, 0)
}

func (dynamoStore *DynamoSyncStore) GetLatestSnapshot(ctx context.Context, documentId string) (models.Snapshot, error) {
	snapshots, err := queryByPK[dynamoSnapshot](dynamoStore, ctx, docPK(documentId),
		skRange{Prefix: snapshotPrefix}, false, 1)
	if err != nil {
		return models.Snapshot{}, err
	}
	if len(snapshots) == 0 {
		return models.Snapshot{}, store.ErrItemNotFound
	}
	header := snapshots[0]

	var parts []dynamoSnapshotPart
	if header.Parts > 0 {
		parts, err = queryByPK[dynamoSnapshotPart](dynamoStore, ctx, docPK(documentId),
			skRange{Prefix: snapPartsPrefix(header.Seq, header.WriteId)}, true, 0)
		if err != nil {
			return models.Snapshot{}, err
		}
	}
	return joinSnapshot(header, parts)
}

type dynamoKey struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
}

func (dynamoStore *DynamoSyncStore) PruneDeltas(ctx context.Context, documentId string, uptoSeq int64) (int, error) {
	meta, err := dynamoStore.getMeta(ctx, documentId)
	if err != nil {
		return 0, err
	}
	// never prune past the latest committed snapshot
	uptoSeq = min(uptoSeq, meta.SnapshotSeq)
	if uptoSeq <= 0 {
		return 0, nil
	}

	deltaKeys, err := queryByPK[dynamoKey](dynamoStore, ctx, docPK(documentId),
		skRange{From: deltaSK(1), To: deltaSK(uptoSeq)}, true, 0)
	if err != nil {
		return 0, err
	}
	snapshotKeys, err := queryByPK[dynamoKey](dynamoStore, ctx, docPK(documentId),
		skRange{From: snapshotSK(0), To: snapshotSK(meta.SnapshotSeq - 1)}, true, 0)
	if err != nil {
		return 0, err
	}
	partKeys, err := queryByPK[dynamoKey](dynamoStore, ctx, docPK(documentId),
		skRange{From: snapSeqPartsPrefix(0), To: snapSeqPartsPrefix(meta.SnapshotSeq)}, true, 0)
	if err != nil {
		return 0, err
	}
	snapshotKeys = append(snapshotKeys, partKeys...)

	keys := make([]map[string]types.AttributeValue, 0, len(deltaKeys)+len(snapshotKeys))
	for _, k := range deltaKeys {
		keys = append(keys, keyOf(k.PK, k.SK))
	}
	for _, k := range snapshotKeys {
		keys = append(keys, keyOf(k.PK, k.SK))
	}

	deleted, err := batchDeleteKeys(dynamoStore, ctx, keys, pruneThrottle)
	// only report deltas
	return min(deleted, len(deltaKeys)), err
}

func (dynamoStore *DynamoSyncStore) BootstrapUser(ctx context.Context, userKey models.UserKey, device models.Device, wmk models.WrappedMasterKey) error {
	keyItem, err := attributevalue.MarshalMap(userKeyToDynamo(userKey))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	deviceItem, err := attributevalue.MarshalMap(deviceToDynamo(device))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	wmkItem, err := attributevalue.MarshalMap(wmkToDynamo(wmk))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(dynamoStore.tableName),
			Item:                keyItem,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
		{Put: &types.Put{TableName: aws.String(dynamoStore.tableName), Item: deviceItem}},
		{Put: &types.Put{TableName: aws.String(dynamoStore.tableName), Item: wmkItem}},
	})
	return err
}

func (dynamoStore *DynamoSyncStore) GetUserKey(ctx context.Context, userId string) (models.UserKey, error) {
	dk, err := getItem[dynamoUserKey](dynamoStore, ctx, userPK(userId), userKeySK, true)
	if err != nil {
		return models.UserKey{}, err
	}
	return userKeyFromDynamo(dk), nil
}

func (dynamoStore *DynamoSyncStore) CreateDevice(ctx context.Context, device models.Device) (models.Device, bool, error) {
	item, err := attributevalue.MarshalMap(deviceToDynamo(device))
	if err != nil {
		return models.Device{}, false, fmt.Errorf("marshal error: %w", err)
	}

	failedAt, err := transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(dynamoStore.tableName),
			Key:                 keyOf(userPK(device.UserId), userKeySK),
			ConditionExpression: aws.String("attribute_exists(PK)"),
		}},
		{Put: &types.Put{
			TableName:           aws.String(dynamoStore.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	})
	switch {
	case err == nil:
		return device, true, nil
	case errors.Is(err, store.ErrConditionFailed) && failedAt == 0:
		return models.Device{}, false, store.ErrItemNotFound
	case errors.Is(err, store.ErrConditionFailed) && failedAt == 1:
		existing, err := dynamoStore.GetDevice(ctx, device.UserId, device.DeviceId)
		return existing, false, err
	default:
		return models.Device{}, false, err
	}
}

func (dynamoStore *DynamoSyncStore) GetDevice(ctx context.Context, userId string, deviceId string) (models.Device, error) {
	dd, err := getItem[dynamoDevice](dynamoStore, ctx, userPK(userId), devicePrefix+deviceId, true)
	if err != nil {
		return models.Device{}, err
	}
	return deviceFromDynamo(dd), nil
}

func (dynamoStore *DynamoSyncStore) ListDevices(ctx context.Context, userId string) ([]models.Device, error) {
	dynamoDevices, err := queryByPK[dynamoDevice](dynamoStore, ctx, userPK(userId), skRange{Prefix: devicePrefix}, true, 0)
	if err != nil {
		return []models.Device{}, err
	}
	devices := make([]models.Device, 0, len(dynamoDevices))
	for _, dd := range dynamoDevices {
		devices = append(devices, deviceFromDynamo(dd))
	}
	return devices, nil
}

func (dynamoStore *DynamoSyncStore) ApproveDevice(ctx context.Context, approverDeviceId string, device models.Device, wmk models.WrappedMasterKey) error {
	wmkItem, err := attributevalue.MarshalMap(wmkToDynamo(wmk))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(dynamoStore.tableName),
			Key:                 keyOf(userPK(device.UserId), devicePrefix+approverDeviceId),
			ConditionExpression: aws.String("Approved = :true"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true": &types.AttributeValueMemberBOOL{Value: true},
			},
		}},
		{Update: &types.Update{
			TableName: aws.String(dynamoStore.tableName),
			Key:       keyOf(userPK(device.UserId), devicePrefix+device.DeviceId),
			UpdateExpression: aws.String("SET UserId = :uid, DeviceId = :did, PublicKey = :pk, Approved = :true, " +
				"Created = if_not_exists(Created, :created), LastSeen = :seen REMOVE Revoked"),
			ConditionExpression: aws.String("attribute_not_exists(PK) OR PublicKey = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid":     &types.AttributeValueMemberS{Value: device.UserId},
				":did":     &types.AttributeValueMemberS{Value: device.DeviceId},
				":pk":      &types.AttributeValueMemberB{Value: device.PublicKey},
				":true":    &types.AttributeValueMemberBOOL{Value: true},
				":created": num(device.Created),
				":seen":    num(device.LastSeen),
			},
		}},
		{Put: &types.Put{TableName: aws.String(dynamoStore.tableName), Item: wmkItem}},
	})
	return err
}

func (dynamoStore *DynamoSyncStore) RevokeDevice(ctx context.Context, userId string, deviceId string, revokedAt int64) error {
	_, err := transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:           aws.String(dynamoStore.tableName),
			Key:                 keyOf(userPK(userId), devicePrefix+deviceId),
			UpdateExpression:    aws.String("SET Approved = :false, Revoked = :revoked"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":false":   &types.AttributeValueMemberBOOL{Value: false},
				":revoked": num(revokedAt),
			},
		}},
		{Delete: &types.Delete{
			TableName: aws.String(dynamoStore.tableName),
			Key:       keyOf(userPK(userId), wmkPrefix+deviceId),
		}},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return store.ErrItemNotFound
	}
	return err
}

func (dynamoStore *DynamoSyncStore) TouchDevice(ctx context.Context, userId string, deviceId string, lastSeen int64) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(dynamoStore.tableName),
		Key:                 keyOf(userPK(userId), devicePrefix+deviceId),
		UpdateExpression:    aws.String("SET LastSeen = :seen"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":seen": num(lastSeen),
		},
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return store.ErrItemNotFound
		}
		return fmt.Errorf("UpdateItem failed: %w", err)
	}
	return nil
}

func (dynamoStore *DynamoSyncStore) GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error) {
	dw, err := getItem[dynamoWrappedMasterKey](dynamoStore, ctx, userPK(userId), wmkPrefix+deviceId, true)
	if err != nil {
		return models.WrappedMasterKey{}, err
	}
	return wmkFromDynamo(dw), nil
}

func (dynamoStore *DynamoSyncStore) ListWrappedMasterKeys(ctx context.Context, userId string) ([]models.WrappedMasterKey, error) {
	dynamoWmks, err := queryByPK[dynamoWrappedMasterKey](dynamoStore, ctx, userPK(userId), skRange{Prefix: wmkPrefix}, true, 0)
	if err != nil {
		return []models.WrappedMasterKey{}, err
	}
	wmks := make([]models.WrappedMasterKey, 0, len(dynamoWmks))
	for _, dw := range dynamoWmks {
		wmks = append(wmks, wmkFromDynamo(dw))
	}
	return wmks, nil
}

func (dynamoStore *DynamoSyncStore) PutDocKey(ctx context.Context, key models.DocKey) (models.DocKey, bool, error) {
	dk, created, err := ensureItem(dynamoStore, ctx, docKeyToDynamo(key))
	if err != nil {
		return models.DocKey{}, false, err
	}
	return docKeyFromDynamo(dk), created, nil
}

func (dynamoStore *DynamoSyncStore) GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error) {
	dk, err := getItem[dynamoDocKey](dynamoStore, ctx, docPK(documentId), docKeyPrefix+userId, true)
	if err != nil {
		return models.DocKey{}, err
	}
	return docKeyFromDynamo(dk), nil
}

func (dynamoStore *DynamoSyncStore) CountDocKeys(ctx context.Context, documentId string) (int, error) {
	return countByPK(dynamoStore, ctx, docPK(documentId), skRange{Prefix: docKeyPrefix})
}

func (dynamoStore *DynamoSyncStore) DeleteDocKey(ctx context.Context, documentId string, userId string) error {
	return deleteItemWithCondition(dynamoStore, ctx, docPK(documentId), docKeyPrefix+userId, "", "")
}
