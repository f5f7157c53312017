package worker

import (
	"context"
	"time"

	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/store"
)

type PruneRequest struct {
	DocumentId string
	UptoSeq    int64
}

// PruneBatcher defers delta pruning after snapshot commits. Requests for
// the same document coalesce to the highest seq.
type PruneBatcher struct {
	RequestCh          chan PruneRequest
	deltaLog           store.DeltaLog
	tickerMilliseconds int
	log                *logger.Logger
}

func NewPruneBatcher(deltaLog store.DeltaLog, tickerMilliseconds int, log *logger.Logger) *PruneBatcher {
	return &PruneBatcher{
		RequestCh:          make(chan PruneRequest, 1024),
		deltaLog:           deltaLog,
		tickerMilliseconds: tickerMilliseconds,
		log:                log,
	}
}

// Request queues a prune without blocking. Pruning is advisory: a dropped
// request is picked up by the next snapshot of the same document.
func (b *PruneBatcher) Request(documentId string, uptoSeq int64) bool {
	select {
	case b.RequestCh <- PruneRequest{DocumentId: documentId, UptoSeq: uptoSeq}:
		return true
	default:
		b.log.Warnf("Prune batcher buffer full, dropping prune of %s up to %d", documentId, uptoSeq)
		return false
	}
}

func (b *PruneBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	pending := make(map[string]int64)

	flush := func() {
		for documentId, uptoSeq := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := b.deltaLog.PruneDeltas(ctx, documentId, uptoSeq)
			cancel()
			if err != nil {
				// stays pending for the next tick
				b.log.Errorf("Failed to prune deltas of %s up to %d: %v", documentId, uptoSeq, err)
				continue
			}
			if n > 0 {
				b.log.Debugf("Pruned %d deltas of %s up to %d", n, documentId, uptoSeq)
			}
			delete(pending, documentId)
		}
	}

	for {
		select {
		case req := <-b.RequestCh:
			if req.UptoSeq > pending[req.DocumentId] {
				pending[req.DocumentId] = req.UptoSeq
			}
			if len(pending) >= 100 {
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
