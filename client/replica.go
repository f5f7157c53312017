package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/docsync/crdt"
	"github.com/zlnvch/docsync/cryptox"
	"github.com/zlnvch/docsync/localstore"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/syncerr"
)

const heartbeatTimeout = 5 * time.Second

var errClosed = fmt.Errorf("%w: replica is closed", syncerr.ErrPrecondition)

// Replica is the local copy of one document. confirmed holds what the server
// acknowledged up to seq; view is confirmed plus the pending local edits and
// is what the application reads.
//
// mu only guards local state and is never held across a server call. Server
// calls run one at a time in turns (see turn), so pushes leave in edit order
// and only the turn holder moves seq.
type Replica struct {
	client     *Client
	documentId string

	// ctx is canceled when the last holder closes the replica.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	seq       int64
	confirmed crdt.Doc
	pending   []pendingEdit
	view      crdt.Doc
	// tail is closed when the last reserved turn is over
	tail chan struct{}

	// ackSeq mirrors seq for readers that must not wait on mu.
	ackSeq atomic.Int64

	hbMu      sync.Mutex
	hbStopped bool
	heartbeat scheduler.Handle
	cursor    json.RawMessage
}

func newReplica(c *Client, documentId string) *Replica {
	ctx, cancel := context.WithCancel(context.Background())
	return &Replica{
		client:     c,
		documentId: documentId,
		ctx:        ctx,
		cancel:     cancel,
		confirmed:  c.newDoc(),
	}
}

func (r *Replica) DocumentId() string {
	return r.documentId
}

// Seq is the highest server sequence merged into the replica.
func (r *Replica) Seq() int64 {
	return r.ackSeq.Load()
}

// View returns a copy of the document including pending local edits.
func (r *Replica) View() crdt.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Clone()
}

// Pending returns how many local edits the server has not confirmed yet.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// bind ties an operation to the replica's lifetime as well as the caller's.
func (r *Replica) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// turn is a reserved slot for talking to the server. Turns run in the order
// they were reserved.
type turn struct {
	prev <-chan struct{}
	done chan struct{}
}

// reserveLocked takes the next turn. r.mu must be held.
func (r *Replica) reserveLocked() turn {
	t := turn{prev: r.tail, done: make(chan struct{})}
	r.tail = t.done
	return t
}

// wait blocks until the earlier turns are over. If ctx ends first the turn
// is given up and passed on once its predecessor finishes; it must not be
// released then.
func (t turn) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			close(t.done)
		}()
		return ctx.Err()
	}
}

func (t turn) release() {
	close(t.done)
}

// begin reserves a turn and waits for it.
func (r *Replica) begin(ctx context.Context) (turn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return turn{}, errClosed
	}
	t := r.reserveLocked()
	r.mu.Unlock()

	if err := t.wait(ctx); err != nil {
		return turn{}, err
	}
	return t, nil
}

func (r *Replica) load(ctx context.Context) error {
	store := r.client.store

	rec, ok, err := loadConfirmed(ctx, store, r.documentId)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		doc := r.client.newDoc()
		if len(rec.State) > 0 {
			if err := doc.Apply(rec.State); err != nil {
				return &ReconciliationError{DocumentId: r.documentId, Seq: rec.Seq, Reason: "local state is not a valid update", Err: err}
			}
		}
		r.confirmed = doc
		r.setSeq(rec.Seq)
	}

	r.pending, err = loadPending(ctx, store, r.documentId)
	if err != nil {
		return err
	}
	r.rebuildView()
	return nil
}

func (r *Replica) setSeq(seq int64) {
	r.seq = seq
	r.ackSeq.Store(seq)
}

// rebuildView replays the pending edits on top of the confirmed state.
func (r *Replica) rebuildView() {
	view := r.confirmed.Clone()
	for _, edit := range r.pending {
		if err := view.Apply(edit.Update); err != nil {
			r.client.log.Warnf("Failed to replay pending edit %s on %s: %v", edit.Id, r.documentId, err)
		}
	}
	r.view = view
}

// Sync pulls everything after the local watermark. The batch is merged into a
// copy and persisted before the replica changes, so a failure at any point
// leaves the replica and its local record at the previous seq.
func (r *Replica) Sync(ctx context.Context) error {
	ctx, stop := r.bind(ctx)
	defer stop()

	t, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer t.release()
	return r.sync(ctx)
}

// sync runs on the caller's turn.
func (r *Replica) sync(ctx context.Context) error {
	r.mu.Lock()
	from, base := r.seq, r.confirmed
	r.mu.Unlock()

	err := r.pull(ctx, from, base)
	if errors.Is(err, syncerr.ErrPrecondition) && from > 0 {
		// the server lost history this replica already merged
		r.client.log.Warnf("Server is behind local seq %d of %s, reloading from scratch", from, r.documentId)
		return r.pull(ctx, 0, r.client.newDoc())
	}
	return err
}

// pull fetches (fromSeq, latest] and merges it into a copy of base. Installed
// documents are never mutated in place, so base is safe to read without mu.
func (r *Replica) pull(ctx context.Context, fromSeq int64, base crdt.Doc) error {
	var result models.FetchResult
	err := r.client.retry.do(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.client.remote.FetchSince(ctx, r.documentId, fromSeq)
		return err
	})
	if err != nil {
		return err
	}
	if result.Empty() {
		if fromSeq != r.Seq() {
			return r.commit(ctx, fromSeq, base)
		}
		return nil
	}

	key, err := r.client.keys.DocumentKey(ctx, r.documentId)
	if err != nil {
		return err
	}

	next := base.Clone()
	seq := fromSeq
	if s := result.Snapshot; s != nil {
		if err := applySnapshot(next, key, r.documentId, s); err != nil {
			return err
		}
		seq = s.Seq
	}
	for _, d := range result.Deltas {
		if d.Seq != seq+1 {
			return fmt.Errorf("%w: %s skipped from seq %d to %d", syncerr.ErrTransient, r.documentId, seq, d.Seq)
		}
		if err := applyPayload(next, key, r.documentId, d.Seq, d.Payload); err != nil {
			return err
		}
		seq = d.Seq
	}

	return r.commit(ctx, seq, next)
}

func (r *Replica) commit(ctx context.Context, seq int64, next crdt.Doc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(ctx, seq, next)
}

// commitLocked persists the new confirmed state together with the removal of
// the pending edits it now contains, then swaps it in.
func (r *Replica) commitLocked(ctx context.Context, seq int64, next crdt.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	op, err := confirmedOp(r.documentId, confirmedRecord{Seq: seq, State: next.State()})
	if err != nil {
		return err
	}
	ops := []localstore.Op{op}
	remaining := make([]pendingEdit, 0, len(r.pending))
	for _, edit := range r.pending {
		if edit.Seq > 0 && edit.Seq <= seq {
			ops = append(ops, deletePendingOp(r.documentId, edit.Id))
			continue
		}
		remaining = append(remaining, edit)
	}

	if err := r.client.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("%w: persist %s at seq %d: %v", syncerr.ErrStoreIO, r.documentId, seq, err)
	}

	r.confirmed = next
	r.pending = remaining
	r.setSeq(seq)
	r.rebuildView()
	return nil
}

// Edit applies a local CRDT update right away and pushes it to the server.
// The edit is part of View as soon as it is recorded locally, before the
// push even starts.
//
// A rejected push (no access, conflict, invalid) rolls the edit back and
// returns the rejection. When the server cannot be reached the edit stays
// pending, survives restarts, and is pushed again by Flush; the returned
// error is then transient.
func (r *Replica) Edit(ctx context.Context, op models.OpKind, update []byte) (models.Delta, error) {
	ctx, stop := r.bind(ctx)
	defer stop()

	if !op.Valid() {
		return models.Delta{}, fmt.Errorf("%w: unknown op kind %d", syncerr.ErrInvalidArgument, op)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.Delta{}, errClosed
	}

	view := r.view.Clone()
	if err := view.Apply(update); err != nil {
		r.mu.Unlock()
		return models.Delta{}, fmt.Errorf("%w: %v", syncerr.ErrInvalidArgument, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		r.mu.Unlock()
		return models.Delta{}, err
	}
	edit := pendingEdit{Id: id.String(), Op: op, Update: update, claimed: true}
	if err := r.savePending(ctx, edit); err != nil {
		r.mu.Unlock()
		return models.Delta{}, err
	}
	r.pending = append(r.pending, edit)
	r.view = view
	t := r.reserveLocked()
	r.mu.Unlock()

	if err := t.wait(ctx); err != nil {
		r.unclaim(edit.Id)
		r.client.log.Infof("Edit %s on %s stays pending: %v", edit.Id, r.documentId, err)
		return models.Delta{}, err
	}
	defer t.release()
	return r.push(ctx, edit)
}

func (r *Replica) savePending(ctx context.Context, edit pendingEdit) error {
	op, err := pendingOp(r.documentId, edit)
	if err != nil {
		return err
	}
	if err := r.client.store.Batch(ctx, []localstore.Op{op}); err != nil {
		return fmt.Errorf("%w: save pending edit of %s: %v", syncerr.ErrStoreIO, r.documentId, err)
	}
	return nil
}

// keepPending reports whether a failed push may still succeed later.
func keepPending(err error) bool {
	return syncerr.Retriable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// push runs on the caller's turn.
func (r *Replica) push(ctx context.Context, edit pendingEdit) (models.Delta, error) {
	key, err := r.client.keys.DocumentKey(ctx, r.documentId)
	if err != nil {
		r.settleFailed(edit.Id, err)
		return models.Delta{}, err
	}
	payload, err := cryptox.Seal(key, edit.Update, cryptox.PayloadAAD(r.documentId))
	if err != nil {
		r.settleFailed(edit.Id, err)
		return models.Delta{}, err
	}

	var delta models.Delta
	err = r.client.retry.do(ctx, func(ctx context.Context) error {
		var err error
		delta, err = r.client.remote.Append(ctx, AppendRequest{
			DocumentId: r.documentId,
			ClientId:   r.client.clientId,
			Op:         edit.Op,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		r.settleFailed(edit.Id, err)
		return models.Delta{}, err
	}

	if r.acknowledge(ctx, edit, delta.Seq) {
		if err := r.sync(ctx); err != nil {
			r.client.log.Infof("Failed to catch up %s after append at seq %d: %v", r.documentId, delta.Seq, err)
		}
	}
	return delta, nil
}

// settleFailed keeps an edit the server may still take and rolls back the rest.
func (r *Replica) settleFailed(editId string, err error) {
	if keepPending(err) {
		r.client.log.Infof("Edit %s on %s stays pending: %v", editId, r.documentId, err)
		r.unclaim(editId)
		return
	}
	r.rollback(editId)
}

func (r *Replica) unclaim(editId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := slices.IndexFunc(r.pending, func(p pendingEdit) bool { return p.Id == editId }); idx >= 0 {
		r.pending[idx].claimed = false
	}
}

// acknowledge folds an accepted edit into the confirmed state. When other
// writers got sequence numbers in between, the edit is marked with its seq
// and acknowledge reports that the replica has to catch up.
func (r *Replica) acknowledge(ctx context.Context, edit pendingEdit, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.pending, func(p pendingEdit) bool { return p.Id == edit.Id })
	if idx < 0 {
		return false
	}
	r.pending[idx].claimed = false

	switch {
	case seq <= r.seq:
		r.dropPending(idx)
		return false
	case seq == r.seq+1:
		next := r.confirmed.Clone()
		if err := next.Apply(edit.Update); err != nil {
			r.client.log.Errorf("Failed to fold acknowledged edit %s of %s: %v", edit.Id, r.documentId, err)
			break
		}
		r.pending[idx].Seq = seq
		if err := r.commitLocked(ctx, seq, next); err != nil {
			r.client.log.Warnf("Failed to persist acknowledged edit %s of %s: %v", edit.Id, r.documentId, err)
		}
		return false
	}

	r.pending[idx].Seq = seq
	if err := r.savePending(ctx, r.pending[idx]); err != nil {
		r.client.log.Warnf("Failed to mark edit %s of %s as accepted: %v", edit.Id, r.documentId, err)
	}
	return true
}

// dropPending removes an edit. r.mu must be held.
func (r *Replica) dropPending(idx int) {
	edit := r.pending[idx]
	r.pending = slices.Delete(r.pending, idx, idx+1)
	// the record may outlive a failed delete; it is pushed again and
	// deduplicated by the CRDT on the next start
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	if err := r.client.store.Delete(ctx, pendingKey(r.documentId, edit.Id)); err != nil {
		r.client.log.Warnf("Failed to delete pending edit %s of %s: %v", edit.Id, r.documentId, err)
	}
	r.rebuildView()
}

func (r *Replica) rollback(editId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.pending, func(p pendingEdit) bool { return p.Id == editId })
	if idx < 0 {
		return
	}
	r.client.log.Infof("Rolling back edit %s on %s", editId, r.documentId)
	r.dropPending(idx)
}

// Flush pushes the edits left pending by earlier failures, oldest first. It
// stops at the first edit the server cannot take yet; rejected edits are
// rolled back and their errors joined. Edits whose own Edit call is still
// waiting to push are left to it.
func (r *Replica) Flush(ctx context.Context) error {
	ctx, stop := r.bind(ctx)
	defer stop()

	t, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer t.release()
	return r.flush(ctx)
}

// flush runs on the caller's turn.
func (r *Replica) flush(ctx context.Context) error {
	r.mu.Lock()
	var queue []pendingEdit
	for _, edit := range r.pending {
		if edit.Seq == 0 && !edit.claimed {
			queue = append(queue, edit)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, edit := range queue {
		if _, err := r.push(ctx, edit); err != nil {
			if keepPending(err) {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	behind := slices.ContainsFunc(r.pending, func(p pendingEdit) bool { return p.Seq > 0 })
	r.mu.Unlock()
	if behind {
		if err := r.sync(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compact seals the confirmed state as a snapshot and submits it. It returns
// false when there is nothing to compact or another snapshot got there first.
func (r *Replica) Compact(ctx context.Context) (bool, error) {
	ctx, stop := r.bind(ctx)
	defer stop()

	t, err := r.begin(ctx)
	if err != nil {
		return false, err
	}
	defer t.release()

	r.mu.Lock()
	seq, confirmed := r.seq, r.confirmed
	r.mu.Unlock()
	if seq == 0 {
		return false, nil
	}

	key, err := r.client.keys.DocumentKey(ctx, r.documentId)
	if err != nil {
		return false, err
	}
	payload, err := sealState(key, r.documentId, confirmed)
	if err != nil {
		return false, err
	}
	snapshot := models.Snapshot{
		DocumentId:  r.documentId,
		Seq:         seq,
		Payload:     payload,
		StateVector: confirmed.StateVector(),
	}

	err = r.client.retry.do(ctx, func(ctx context.Context) error {
		return r.client.remote.CommitSnapshot(ctx, snapshot)
	})
	if errors.Is(err, syncerr.ErrPrecondition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetCursor replaces the cursor sent with the next heartbeats.
func (r *Replica) SetCursor(cursor json.RawMessage) {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	r.cursor = cursor
}

func (r *Replica) scheduleHeartbeat() {
	if r.client.heartbeatInterval <= 0 {
		return
	}
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if r.hbStopped {
		return
	}
	r.heartbeat = r.client.sched.AfterFunc(r.client.heartbeatInterval, r.beat)
}

func (r *Replica) beat() {
	if r.ctx.Err() != nil {
		return
	}

	r.hbMu.Lock()
	cursor := r.cursor
	r.hbMu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, heartbeatTimeout)
	_, err := r.client.remote.Heartbeat(ctx, presence.HeartbeatParams{
		DocumentId: r.documentId,
		ClientId:   r.client.clientId,
		AckSeq:     r.Seq(),
		Cursor:     cursor,
		Profile:    r.client.profile,
	})
	cancel()
	if err != nil && r.ctx.Err() == nil {
		r.client.log.Debugf("Failed to send heartbeat for %s: %v", r.documentId, err)
	}

	r.scheduleHeartbeat()
}

// Close releases this holder's reference. The last release stops heartbeats,
// cancels in-flight calls and tells the server the client left.
func (r *Replica) Close() error {
	return r.client.release(r)
}

func (r *Replica) shutdown() {
	r.cancel()

	r.hbMu.Lock()
	r.hbStopped = true
	if r.heartbeat != nil {
		r.heartbeat.Cancel()
		r.heartbeat = nil
	}
	r.hbMu.Unlock()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if r.client.heartbeatInterval <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	if err := r.client.remote.Leave(ctx, r.documentId, r.client.clientId); err != nil {
		r.client.log.Debugf("Failed to leave %s: %v", r.documentId, err)
	}
}
