package models

import "encoding/json"

type OpKind int

const (
	OpUpdate OpKind = iota
	OpInsert
	OpRemove
)

func (o OpKind) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

func (o OpKind) Valid() bool {
	return o >= OpUpdate && o <= OpRemove
}

type Device struct {
	UserId    string `json:"userId"`
	DeviceId  string `json:"deviceId"`
	PublicKey []byte `json:"publicKey"`
	Approved  bool   `json:"approved"`
	Created   int64  `json:"created"`
	LastSeen  int64  `json:"lastSeen"`
	Revoked   int64  `json:"revoked,omitempty"`
}

// UserKey publishes the public half of a user's master key so document keys
// can be wrapped for the user by others.
type UserKey struct {
	UserId    string `json:"userId"`
	PublicKey []byte `json:"publicKey"`
	Created   int64  `json:"created"`
}

type WrappedMasterKey struct {
	UserId   string `json:"userId"`
	DeviceId string `json:"deviceId"`
	Wrapped  []byte `json:"wrapped"`
	Created  int64  `json:"created"`
}

type DocKey struct {
	DocumentId string `json:"documentId"`
	UserId     string `json:"userId"`
	Wrapped    []byte `json:"wrapped"`
	Created    int64  `json:"created"`
}

type Delta struct {
	DocumentId string `json:"documentId"`
	Seq        int64  `json:"seq"`
	Op         OpKind `json:"op"`
	ClientId   string `json:"clientId"`
	UserId     string `json:"userId"`
	Payload    []byte `json:"payload"`
	Created    int64  `json:"created"`
}

type Snapshot struct {
	DocumentId  string `json:"documentId"`
	Seq         int64  `json:"seq"`
	Payload     []byte `json:"payload"`
	StateVector []byte `json:"stateVector"`
	Created     int64  `json:"created"`
}

type Session struct {
	DocumentId string          `json:"documentId"`
	ClientId   string          `json:"clientId"`
	UserId     string          `json:"userId,omitempty"`
	Connected  bool            `json:"connected"`
	AckSeq     int64           `json:"ackSeq"`
	LastSeen   int64           `json:"lastSeen"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// FetchResult is the catch-up state for a client. Snapshot is nil when the
// raw delta slice is enough.
type FetchResult struct {
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	Deltas    []Delta   `json:"deltas"`
	LatestSeq int64     `json:"latestSeq"`
}

func (r FetchResult) Empty() bool {
	return r.Snapshot == nil && len(r.Deltas) == 0
}

// Materialized is a document folded up to Seq.
type Materialized struct {
	DocumentId  string `json:"documentId"`
	Seq         int64  `json:"seq"`
	Payload     []byte `json:"payload"`
	StateVector []byte `json:"stateVector"`
}
