// Package client is the device side of the replication engine. It keeps an
// encrypted document replica per open document, persists it locally so edits
// survive going offline, and reconciles it with the server's delta log.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/singleflight"

	"github.com/zlnvch/docsync/crdt"
	"github.com/zlnvch/docsync/localstore"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/migrate"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/syncerr"
)

const DefaultHeartbeatInterval = 10 * time.Second

type Deps struct {
	Remote Remote
	Keys   KeyProvider
	Store  localstore.Store
	NewDoc crdt.Factory

	// Optional.
	Scheduler  scheduler.Scheduler
	Log        *logger.Logger
	Migrations []migrate.Migration
	// ClientId identifies this client in presence; a uuid v7 by default.
	ClientId string
	Profile  json.RawMessage
	// HeartbeatInterval defaults to DefaultHeartbeatInterval; negative
	// disables presence.
	HeartbeatInterval time.Duration
	Retry             RetryPolicy
}

type entry struct {
	replica *Replica
	refs    int
}

type Client struct {
	remote            Remote
	keys              KeyProvider
	store             localstore.Store
	newDoc            crdt.Factory
	sched             scheduler.Scheduler
	log               *logger.Logger
	migrations        *migrate.Engine
	clientId          string
	profile           json.RawMessage
	heartbeatInterval time.Duration
	retry             RetryPolicy

	migrateMu sync.Mutex
	migrated  bool

	mu       sync.Mutex
	closed   bool
	replicas map[string]*entry
	opening  singleflight.Group
}

func New(deps Deps) (*Client, error) {
	if deps.Remote == nil || deps.Keys == nil || deps.Store == nil || deps.NewDoc == nil {
		return nil, fmt.Errorf("%w: remote, keys, store and document factory are required", syncerr.ErrInvalidArgument)
	}

	c := &Client{
		remote:            deps.Remote,
		keys:              deps.Keys,
		store:             deps.Store,
		newDoc:            deps.NewDoc,
		sched:             deps.Scheduler,
		log:               deps.Log,
		clientId:          deps.ClientId,
		profile:           deps.Profile,
		heartbeatInterval: deps.HeartbeatInterval,
		retry:             deps.Retry,
		replicas:          make(map[string]*entry),
	}
	if c.sched == nil {
		c.sched = scheduler.NewTimer()
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	if c.clientId == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		c.clientId = id.String()
	}
	if c.heartbeatInterval == 0 {
		c.heartbeatInterval = DefaultHeartbeatInterval
	}
	if c.retry.Base <= 0 {
		c.retry = DefaultRetryPolicy()
	}

	engine, err := migrate.NewEngine(deps.Store, deps.Migrations, c.log)
	if err != nil {
		return nil, err
	}
	c.migrations = engine
	return c, nil
}

func (c *Client) ClientId() string {
	return c.clientId
}

// migrate brings the local store to the current schema once per client. A
// failed attempt is retried by the next Open.
func (c *Client) migrate(ctx context.Context) error {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()
	if c.migrated {
		return nil
	}
	if err := c.migrations.Run(ctx); err != nil {
		c.log.Warnf("Failed to migrate local store: %v", err)
		if err := c.migrations.Recover(ctx, err); err != nil {
			return err
		}
	}
	c.migrated = true
	return nil
}

// Open returns the replica of a document, loading it on first use. Replicas
// are shared: every Open must be paired with a Close on the returned replica.
// A server that cannot be reached does not fail Open; the replica then serves
// its local state and pending edits until Sync succeeds.
func (c *Client) Open(ctx context.Context, documentId string) (*Replica, error) {
	if documentId == "" {
		return nil, fmt.Errorf("%w: document id is required", syncerr.ErrInvalidArgument)
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: client is closed", syncerr.ErrPrecondition)
		}
		if e, ok := c.replicas[documentId]; ok {
			e.refs++
			c.mu.Unlock()
			return e.replica, nil
		}
		c.mu.Unlock()

		v, err, _ := c.opening.Do(documentId, func() (any, error) {
			return c.load(ctx, documentId)
		})
		if err != nil {
			return nil, err
		}
		r := v.(*Replica)

		c.mu.Lock()
		e, ok := c.replicas[documentId]
		if ok && e.replica == r {
			e.refs++
			c.mu.Unlock()
			return r, nil
		}
		// the replica was closed by the other openers before this one took
		// its reference
		c.mu.Unlock()
	}
}

func (c *Client) load(ctx context.Context, documentId string) (*Replica, error) {
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}

	r := newReplica(c, documentId)
	if err := r.load(ctx); err != nil {
		r.cancel()
		return nil, err
	}

	if err := r.Sync(ctx); err != nil {
		if !syncerr.Retriable(err) {
			r.cancel()
			return nil, err
		}
		c.log.Infof("Opened %s offline at seq %d: %v", documentId, r.Seq(), err)
	} else if r.Pending() > 0 {
		if err := r.Flush(ctx); err != nil {
			c.log.Warnf("Failed to flush pending edits of %s: %v", documentId, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		r.cancel()
		return nil, fmt.Errorf("%w: client is closed", syncerr.ErrPrecondition)
	}
	c.replicas[documentId] = &entry{replica: r}
	r.scheduleHeartbeat()
	return r, nil
}

func (c *Client) release(r *Replica) error {
	c.mu.Lock()
	e, ok := c.replicas[r.documentId]
	if !ok || e.replica != r {
		c.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.replicas, r.documentId)
	c.mu.Unlock()

	r.shutdown()
	return nil
}

// HandleNotification reacts to a server announcement that a document reached
// seq. Documents that are not open, or already at seq, are ignored.
func (c *Client) HandleNotification(ctx context.Context, documentId string, seq int64) error {
	c.mu.Lock()
	e, ok := c.replicas[documentId]
	c.mu.Unlock()
	if !ok || seq <= e.replica.Seq() {
		return nil
	}
	return e.replica.Sync(ctx)
}

// pushMessage is the part of a server push the client acts on.
type pushMessage struct {
	Type       string `json:"type"`
	DocumentId string `json:"documentId"`
	Seq        int64  `json:"seq"`
	Reason     string `json:"reason"`
}

// HandlePush routes one message pushed by the server over the websocket.
// Types the client has no use for are ignored.
func (c *Client) HandlePush(ctx context.Context, raw []byte) error {
	var msg pushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: push message: %v", syncerr.ErrInvalidArgument, err)
	}
	switch msg.Type {
	case "delta_appended", "snapshot_committed":
		return c.HandleNotification(ctx, msg.DocumentId, msg.Seq)
	case "keys_changed":
		c.HandleKeysChanged(msg.DocumentId, msg.Reason)
	}
	return nil
}

// HandleKeysChanged drops the cached keys a ledger change may have
// invalidated: all of them when a device of the user was revoked, otherwise
// the key of the document whose access changed.
func (c *Client) HandleKeysChanged(documentId string, reason string) {
	switch {
	case reason == "device_revoked":
		c.log.Infof("Device of this user revoked, dropping cached keys")
		c.keys.ForgetAll()
	case documentId != "":
		c.keys.Forget(documentId)
	}
}

// Close shuts every open replica down, whatever its reference count.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	replicas := make([]*Replica, 0, len(c.replicas))
	for id, e := range c.replicas {
		replicas = append(replicas, e.replica)
		delete(c.replicas, id)
	}
	c.mu.Unlock()

	for _, r := range replicas {
		r.shutdown()
	}
	return nil
}

// IsReconciliationError reports whether err means the replica cannot merge
// remote state with the keys it has.
func IsReconciliationError(err error) bool {
	var rerr *ReconciliationError
	return errors.As(err, &rerr)
}
