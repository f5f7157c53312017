package worker

import (
	"context"
	"time"

	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/mq"
)

// Growth is what one append added to a document's uncompacted tail.
type Growth struct {
	DocumentId string
	Deltas     int
	Bytes      int64
}

// CompactionTrigger aggregates growth per document and queues a compaction
// job once a document crosses either threshold. Jobs go out on the ticker,
// at most one per document per tick.
type CompactionTrigger struct {
	GrowthCh           chan Growth
	queue              mq.MessageQueue
	deltaThreshold     int
	byteThreshold      int64
	tickerMilliseconds int
	log                *logger.Logger
}

func NewCompactionTrigger(queue mq.MessageQueue, deltaThreshold int, byteThreshold int64, tickerMilliseconds int, log *logger.Logger) *CompactionTrigger {
	return &CompactionTrigger{
		GrowthCh:           make(chan Growth, 1024),
		queue:              queue,
		deltaThreshold:     deltaThreshold,
		byteThreshold:      byteThreshold,
		tickerMilliseconds: tickerMilliseconds,
		log:                log,
	}
}

// Report hands growth to the batcher without blocking. Reports are dropped
// when the buffer is full; the next append reports again.
func (b *CompactionTrigger) Report(g Growth) bool {
	select {
	case b.GrowthCh <- g:
		return true
	default:
		b.log.Warnf("Compaction trigger buffer full, dropping growth for %s", g.DocumentId)
		return false
	}
}

func (b *CompactionTrigger) crossed(g Growth) bool {
	return (b.deltaThreshold > 0 && g.Deltas >= b.deltaThreshold) ||
		(b.byteThreshold > 0 && g.Bytes >= b.byteThreshold)
}

func (b *CompactionTrigger) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	growth := make(map[string]Growth)
	ready := make(map[string]struct{})

	flush := func() {
		for documentId := range ready {
			g := growth[documentId]
			body, err := mq.EncodeCompactionJob(mq.CompactionJob{
				DocumentId: documentId,
				Deltas:     g.Deltas,
				Bytes:      g.Bytes,
				Requested:  time.Now().Unix(),
			})
			if err != nil {
				b.log.Errorf("Failed to encode compaction job for %s: %v", documentId, err)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = b.queue.Send(ctx, body)
			cancel()
			if err != nil {
				// keep the growth so the next tick retries
				b.log.Errorf("Failed to queue compaction for %s: %v", documentId, err)
				continue
			}
			delete(growth, documentId)
			delete(ready, documentId)
		}
	}

	for {
		select {
		case g := <-b.GrowthCh:
			acc := growth[g.DocumentId]
			acc.DocumentId = g.DocumentId
			acc.Deltas += g.Deltas
			acc.Bytes += g.Bytes
			growth[g.DocumentId] = acc
			if b.crossed(acc) {
				ready[g.DocumentId] = struct{}{}
			}

			if len(ready) >= 100 {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			flush()
			return
		}
	}
}
