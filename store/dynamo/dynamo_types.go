package dynamo

import (
	"fmt"
	"math"
	"strings"

	"github.com/zlnvch/docsync/models"
)

const (
	docMetaSK      = "META"
	deltaPrefix    = "DELTA#"
	snapshotPrefix = "SNAPSHOT#"
	snapPartPrefix = "SNAPPART#"
	docKeyPrefix   = "DOCKEY#"
	userKeySK      = "KEY"
	devicePrefix   = "DEVICE#"
	wmkPrefix      = "WMK#"
)

func docPK(documentId string) string { return "DOC#" + documentId }
func userPK(userId string) string     { return "USER#" + userId }

// Sequence numbers are zero padded so SK order is numeric order.
func deltaSK(seq int64) string    { return fmt.Sprintf("%s%020d", deltaPrefix, seq) }
func snapshotSK(seq int64) string { return fmt.Sprintf("%s%020d", snapshotPrefix, seq) }

var lastDeltaSK = deltaSK(math.MaxInt64)

// snapSeqPartsPrefix sorts below every part of seq and above every part of seq-1.
func snapSeqPartsPrefix(seq int64) string { return fmt.Sprintf("%s%020d#", snapPartPrefix, seq) }

// Parts carry the id of the write that made them, so an aborted write never
// touches the parts of a committed snapshot with the same seq.
func snapPartsPrefix(seq int64, writeId string) string {
	return snapSeqPartsPrefix(seq) + writeId + "#"
}
func snapPartSK(seq int64, writeId string, n int) string {
	return fmt.Sprintf("%s%05d", snapPartsPrefix(seq, writeId), n)
}

// DynamoDB caps an item at 400 KB, so snapshot payloads are stored as parts
// of at most snapshotPartSize bytes next to a header item.
const snapshotPartSize = 300 * 1024

type dynamoDocMeta struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	LastSeq     int64  `dynamodbav:"LastSeq"`
	SnapshotSeq int64  `dynamodbav:"SnapshotSeq"`
}

type dynamoDelta struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	Seq      int64  `dynamodbav:"Seq"`
	Op       int    `dynamodbav:"Op"`
	ClientId string `dynamodbav:"ClientId"`
	UserId   string `dynamodbav:"UserId"`
	Payload  []byte `dynamodbav:"Payload"`
	Created  int64  `dynamodbav:"Created"`
}

// Map domain Delta -> Dynamo
func deltaToDynamo(d models.Delta) dynamoDelta {
	return dynamoDelta{
		PK:       docPK(d.DocumentId),
		SK:       deltaSK(d.Seq),
		Seq:      d.Seq,
		Op:       int(d.Op),
		ClientId: d.ClientId,
		UserId:   d.UserId,
		Payload:  d.Payload,
		Created:  d.Created,
	}
}

// Map Dynamo -> domain Delta
func deltaFromDynamo(dd dynamoDelta) models.Delta {
	return models.Delta{
		DocumentId: strings.TrimPrefix(dd.PK, "DOC#"),
		Seq:        dd.Seq,
		Op:         models.OpKind(dd.Op),
		ClientId:   dd.ClientId,
		UserId:     dd.UserId,
		Payload:    dd.Payload,
		Created:    dd.Created,
	}
}

type dynamoSnapshot struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Seq         int64  `dynamodbav:"Seq"`
	WriteId     string `dynamodbav:"WriteId"`
	Parts       int    `dynamodbav:"Parts"`
	Size        int    `dynamodbav:"Size"`
	StateVector []byte `dynamodbav:"StateVector"`
	Created     int64  `dynamodbav:"Created"`
}

type dynamoSnapshotPart struct {
	PK   string `dynamodbav:"PK"`
	SK   string `dynamodbav:"SK"`
	Seq  int64  `dynamodbav:"Seq"`
	N    int    `dynamodbav:"N"`
	Data []byte `dynamodbav:"Data"`
}

// splitSnapshot maps a snapshot to its header item and payload parts.
func splitSnapshot(s models.Snapshot, writeId string, partSize int) (dynamoSnapshot, []dynamoSnapshotPart) {
	header := dynamoSnapshot{
		PK:          docPK(s.DocumentId),
		SK:          snapshotSK(s.Seq),
		Seq:         s.Seq,
		WriteId:     writeId,
		Size:        len(s.Payload),
		StateVector: s.StateVector,
		Created:     s.Created,
	}
	var parts []dynamoSnapshotPart
	for off := 0; off < len(s.Payload); off += partSize {
		end := min(off+partSize, len(s.Payload))
		parts = append(parts, dynamoSnapshotPart{
			PK:   header.PK,
			SK:   snapPartSK(s.Seq, writeId, len(parts)),
			Seq:  s.Seq,
			N:    len(parts),
			Data: s.Payload[off:end],
		})
	}
	header.Parts = len(parts)
	return header, parts
}

// joinSnapshot rebuilds a snapshot from its header and parts in SK order.
func joinSnapshot(header dynamoSnapshot, parts []dynamoSnapshotPart) (models.Snapshot, error) {
	if len(parts) != header.Parts {
		return models.Snapshot{}, fmt.Errorf("snapshot %d: have %d of %d parts", header.Seq, len(parts), header.Parts)
	}
	payload := make([]byte, 0, header.Size)
	for i, p := range parts {
		if p.Seq != header.Seq || p.N != i {
			return models.Snapshot{}, fmt.Errorf("snapshot %d: part %d out of place", header.Seq, i)
		}
		payload = append(payload, p.Data...)
	}
	if len(payload) != header.Size {
		return models.Snapshot{}, fmt.Errorf("snapshot %d: payload is %d bytes, want %d", header.Seq, len(payload), header.Size)
	}
	return models.Snapshot{
		DocumentId:  strings.TrimPrefix(header.PK, "DOC#"),
		Seq:         header.Seq,
		Payload:     payload,
		StateVector: header.StateVector,
		Created:     header.Created,
	}, nil
}

type dynamoUserKey struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	UserId    string `dynamodbav:"UserId"`
	PublicKey []byte `dynamodbav:"PublicKey"`
	Created   int64  `dynamodbav:"Created"`
}

func userKeyToDynamo(k models.UserKey) dynamoUserKey {
	return dynamoUserKey{
		PK:        userPK(k.UserId),
		SK:        userKeySK,
		UserId:    k.UserId,
		PublicKey: k.PublicKey,
		Created:   k.Created,
	}
}

func userKeyFromDynamo(dk dynamoUserKey) models.UserKey {
	return models.UserKey{UserId: dk.UserId, PublicKey: dk.PublicKey, Created: dk.Created}
}

type dynamoDevice struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	UserId    string `dynamodbav:"UserId"`
	DeviceId  string `dynamodbav:"DeviceId"`
	PublicKey []byte `dynamodbav:"PublicKey"`
	Approved  bool   `dynamodbav:"Approved"`
	Created   int64  `dynamodbav:"Created"`
	LastSeen  int64  `dynamodbav:"LastSeen"`
	Revoked   int64  `dynamodbav:"Revoked,omitempty"`
}

func deviceToDynamo(d models.Device) dynamoDevice {
	return dynamoDevice{
		PK:        userPK(d.UserId),
		SK:        devicePrefix + d.DeviceId,
		UserId:    d.UserId,
		DeviceId:  d.DeviceId,
		PublicKey: d.PublicKey,
		Approved:  d.Approved,
		Created:   d.Created,
		LastSeen:  d.LastSeen,
		Revoked:   d.Revoked,
	}
}

func deviceFromDynamo(dd dynamoDevice) models.Device {
	return models.Device{
		UserId:    dd.UserId,
		DeviceId:  dd.DeviceId,
		PublicKey: dd.PublicKey,
		Approved:  dd.Approved,
		Created:   dd.Created,
		LastSeen:  dd.LastSeen,
		Revoked:   dd.Revoked,
	}
}

type dynamoWrappedMasterKey struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	UserId   string `dynamodbav:"UserId"`
	DeviceId string `dynamodbav:"DeviceId"`
	Wrapped  []byte `dynamodbav:"Wrapped"`
	Created  int64  `dynamodbav:"Created"`
}

func wmkToDynamo(w models.WrappedMasterKey) dynamoWrappedMasterKey {
	return dynamoWrappedMasterKey{
		PK:       userPK(w.UserId),
		SK:       wmkPrefix + w.DeviceId,
		UserId:   w.UserId,
		DeviceId: w.DeviceId,
		Wrapped:  w.Wrapped,
		Created:  w.Created,
	}
}

func wmkFromDynamo(dw dynamoWrappedMasterKey) models.WrappedMasterKey {
	return models.WrappedMasterKey{
		UserId:   dw.UserId,
		DeviceId: dw.DeviceId,
		Wrapped:  dw.Wrapped,
		Created:  dw.Created,
	}
}

type dynamoDocKey struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	UserId  string `dynamodbav:"UserId"`
	Wrapped []byte `dynamodbav:"Wrapped"`
	Created int64  `dynamodbav:"Created"`
}

func docKeyToDynamo(k models.DocKey) dynamoDocKey {
	return dynamoDocKey{
		PK:      docPK(k.DocumentId),
		SK:      docKeyPrefix + k.UserId,
		UserId:  k.UserId,
		Wrapped: k.Wrapped,
		Created: k.Created,
	}
}

func docKeyFromDynamo(dk dynamoDocKey) models.DocKey {
	return models.DocKey{
		DocumentId: strings.TrimPrefix(dk.PK, "DOC#"),
		UserId:     dk.UserId,
		Wrapped:    dk.Wrapped,
		Created:    dk.Created,
	}
}
