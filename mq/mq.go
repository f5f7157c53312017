package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	// Receive returns up to maxMessages messages, or none when the poll times out.
	Receive(ctx context.Context, maxMessages int32, visibilityTimeout int32) ([]*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}

// CompactionJob asks a consumer to compact one document. Deltas and Bytes
// are the growth observed since the last job and are informational only.
type CompactionJob struct {
	DocumentId string `json:"documentId"`
	Deltas     int    `json:"deltas"`
	Bytes      int64  `json:"bytes"`
	Requested  int64  `json:"requested"`
}

func EncodeCompactionJob(job CompactionJob) (string, error) {
	if job.DocumentId == "" {
		return "", fmt.Errorf("compaction job without document id")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeCompactionJob(body string) (CompactionJob, error) {
	var job CompactionJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return CompactionJob{}, fmt.Errorf("malformed compaction job: %w", err)
	}
	if job.DocumentId == "" {
		return CompactionJob{}, fmt.Errorf("malformed compaction job: missing document id")
	}
	return job, nil
}
