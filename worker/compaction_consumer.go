package worker

import (
	"context"
	"errors"
	"time"

	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/mq"
)

type Compactor interface {
	Compact(ctx context.Context, documentId string) (models.Snapshot, bool, error)
}

type CompactionConsumer struct {
	queue     mq.MessageQueue
	compactor Compactor
	log       *logger.Logger
}

func NewCompactionConsumer(queue mq.MessageQueue, compactor Compactor, log *logger.Logger) *CompactionConsumer {
	return &CompactionConsumer{
		queue:     queue,
		compactor: compactor,
		log:       log,
	}
}

// A fold of MaxFold deltas plus the snapshot write must finish well inside this
const visibilityTimeout = 60

const receiveBatch = 10

func (c *CompactionConsumer) Run(shutdownCtx context.Context) {
	for {
		msgs, err := c.queue.Receive(shutdownCtx, receiveBatch, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.log.Errorf("Compaction consumer receive error: %v", err)
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

func (c *CompactionConsumer) handle(msg *mq.Message) {
	job, err := mq.DecodeCompactionJob(msg.Body)
	if err != nil {
		// poison message: drop it instead of redelivering forever
		c.log.Warnf("Dropping compaction message: %v", err)
		c.delete(msg)
		return
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	snapshot, compacted, err := c.compactor.Compact(ctx, job.DocumentId)
	if err != nil {
		// left on the queue, redelivered after the visibility timeout
		c.log.Errorf("Failed to compact document %s: %v", job.DocumentId, err)
		return
	}
	if compacted {
		c.log.Infof("Compacted document %s up to seq %d", job.DocumentId, snapshot.Seq)
	}

	c.delete(msg)
}

func (c *CompactionConsumer) delete(msg *mq.Message) {
	if err := c.queue.Delete(context.Background(), msg); err != nil {
		c.log.Errorf("Compaction consumer delete error: %v", err)
	}
}
