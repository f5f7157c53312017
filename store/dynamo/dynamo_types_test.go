package dynamo

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/models"
)

func TestDeltaSK_SortsNumerically(t *testing.T) {
	assert.Less(t, deltaSK(9), deltaSK(10))
	assert.Less(t, deltaSK(99), deltaSK(100))
	assert.Less(t, deltaSK(123456), lastDeltaSK)
	assert.Less(t, snapshotSK(5), snapshotSK(40))
}

func TestSKRange_KeyCondition(t *testing.T) {
	values := map[string]types.AttributeValue{}
	assert.Equal(t, "PK = :pk AND begins_with(SK, :skPrefix)", skRange{Prefix: "WMK#"}.keyCondition(values))
	assert.Contains(t, values, ":skPrefix")

	values = map[string]types.AttributeValue{}
	assert.Equal(t, "PK = :pk AND SK BETWEEN :skFrom AND :skTo", skRange{From: "a", To: "b"}.keyCondition(values))
	assert.Len(t, values, 2)

	assert.Equal(t, "PK = :pk", skRange{}.keyCondition(map[string]types.AttributeValue{}))
}

func TestDeltaMapping(t *testing.T) {
	d := models.Delta{DocumentId: "doc-1", Seq: 7, Op: models.OpRemove, ClientId: "c", UserId: "u", Payload: []byte{1, 2}, Created: 99}
	dd := deltaToDynamo(d)
	assert.Equal(t, "DOC#doc-1", dd.PK)
	assert.Equal(t, "DELTA#00000000000000000007", dd.SK)
	assert.Equal(t, d, deltaFromDynamo(dd))
}

func TestDocKeyMapping(t *testing.T) {
	k := models.DocKey{DocumentId: "doc-1", UserId: "u", Wrapped: []byte("w"), Created: 3}
	dk := docKeyToDynamo(k)
	assert.Equal(t, "DOCKEY#u", dk.SK)
	assert.Equal(t, k, docKeyFromDynamo(dk))
}

func TestSplitSnapshot_PartsStayUnderItemLimit(t *testing.T) {
	payload := make([]byte, 2*snapshotPartSize+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	s := models.Snapshot{DocumentId: "doc-1", Seq: 42, Payload: payload, StateVector: []byte("sv"), Created: 5}

	header, parts := splitSnapshot(s, "w1", snapshotPartSize)
	require.Len(t, parts, 3)
	assert.Equal(t, 3, header.Parts)
	assert.Equal(t, len(payload), header.Size)
	assert.Equal(t, snapshotSK(42), header.SK)
	for i, p := range parts {
		assert.LessOrEqual(t, len(p.Data), snapshotPartSize)
		assert.Equal(t, i, p.N)
		assert.True(t, strings.HasPrefix(p.SK, snapPartsPrefix(42, "w1")))
	}
	assert.Less(t, parts[0].SK, parts[1].SK)

	joined, err := joinSnapshot(header, parts)
	require.NoError(t, err)
	assert.Equal(t, s, joined)
}

func TestJoinSnapshot_RejectsMissingParts(t *testing.T) {
	s := models.Snapshot{DocumentId: "doc-1", Seq: 3, Payload: []byte("abcdefgh")}
	header, parts := splitSnapshot(s, "w1", 3)
	require.Len(t, parts, 3)

	_, err := joinSnapshot(header, parts[:2])
	assert.Error(t, err)
	_, err = joinSnapshot(header, []dynamoSnapshotPart{parts[0], parts[2], parts[1]})
	assert.Error(t, err)
}

func TestSplitSnapshot_EmptyPayload(t *testing.T) {
	s := models.Snapshot{DocumentId: "doc-1", Seq: 1, Payload: []byte{}}
	header, parts := splitSnapshot(s, "w1", snapshotPartSize)
	assert.Empty(t, parts)

	joined, err := joinSnapshot(header, nil)
	require.NoError(t, err)
	assert.Empty(t, joined.Payload)
}

func TestSnapPartKeys_PruneRange(t *testing.T) {
	// parts of older snapshots sort inside [snapSeqPartsPrefix(0), snapSeqPartsPrefix(seq)]
	assert.Less(t, snapPartSK(9, "zzz", 99999), snapSeqPartsPrefix(10))
	assert.Greater(t, snapPartSK(10, "aaa", 0), snapSeqPartsPrefix(10))
	assert.False(t, strings.HasPrefix(snapPartSK(1, "w", 0), snapshotPrefix))
}
