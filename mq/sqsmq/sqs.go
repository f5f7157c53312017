package sqsmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/zlnvch/docsync/mq"
)

// Long poll wait; the consumer loop re-polls immediately on an empty receive.
const waitTimeSeconds = 20

type SQSMessageQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSMessageQueue(ctx context.Context, devMode bool, sqsEndpoint string, queueName string) (*SQSMessageQueue, error) {
	client, err := newSQSClient(ctx, devMode, sqsEndpoint)
	if err != nil {
		return nil, err
	}

	queues, err := getQueues(client, ctx)
	if err != nil {
		return nil, err
	}

	queueURL, ok := findQueueURL(queues, queueName)
	if !ok {
		return nil, fmt.Errorf("given queue name '%s' not found in SQS", queueName)
	}

	return &SQSMessageQueue{client, queueURL}, nil
}

func findQueueURL(queues []string, queueName string) (string, bool) {
	for _, q := range queues {
		if strings.HasSuffix(q, "/"+queueName) {
			return q, true
		}
	}
	return "", false
}

func (sqsmq *SQSMessageQueue) Send(ctx context.Context, body string) error {
	return sendMessage(sqsmq, ctx, body)
}

func (sqsmq *SQSMessageQueue) Receive(ctx context.Context, maxMessages int32, visibilityTimeout int32) ([]*mq.Message, error) {
	return receiveMessages(sqsmq, ctx, clampBatch(maxMessages), visibilityTimeout)
}

func (sqsmq *SQSMessageQueue) Delete(ctx context.Context, msg *mq.Message) error {
	return deleteMessage(sqsmq, ctx, msg)
}

// SQS accepts 1..10 messages per receive.
func clampBatch(n int32) int32 {
	return min(max(n, 1), 10)
}
