// Package presence tracks which clients are live on a document.
//
// A session moves absent -> connecting (Touch) -> connected (Heartbeat) ->
// disconnected (timeout or Leave) and is eventually removed by GC. Rows live
// in the shared cache; the timeout timers live in the tracker that received
// the last heartbeat.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/syncerr"
)

const DefaultTimeout = 30 * time.Second

// Observer is told about connected/disconnected transitions. Calls happen
// outside the tracker's locks.
type Observer interface {
	OnConnect(ctx context.Context, session models.Session)
	OnDisconnect(ctx context.Context, session models.Session)
}

type nopObserver struct{}

func (nopObserver) OnConnect(context.Context, models.Session)    {}
func (nopObserver) OnDisconnect(context.Context, models.Session) {}

type HeartbeatParams struct {
	DocumentId string          `json:"documentId"`
	ClientId   string          `json:"clientId"`
	UserId     string          `json:"userId,omitempty"`
	AckSeq     int64           `json:"ackSeq"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

type sessionKey struct {
	documentId string
	clientId   string
}

// entry owns the timeout handle of one session. generation is bumped every
// time the handle is replaced so a callback that lost the race is ignored.
type entry struct {
	mu         sync.Mutex
	handle     scheduler.Handle
	generation uint64
}

type Tracker struct {
	cache    cache.SyncCache
	sched    scheduler.Scheduler
	observer Observer
	log      *logger.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[sessionKey]*entry
}

type Option func(*Tracker)

func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func NewTracker(c cache.SyncCache, sched scheduler.Scheduler, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cache:    c,
		sched:    sched,
		observer: nopObserver{},
		log:      log,
		timeout:  DefaultTimeout,
		now:      time.Now,
		entries:  make(map[sessionKey]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entry(key sessionKey) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

func (t *Tracker) existingEntry(key sessionKey) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}

func validateIds(documentId, clientId string) error {
	if documentId == "" || clientId == "" {
		return fmt.Errorf("%w: document and client ids are required", syncerr.ErrInvalidArgument)
	}
	return nil
}

// checkOwner rejects a caller touching a session another user owns.
func checkOwner(s models.Session, userId string) error {
	if s.UserId != "" && userId != "" && s.UserId != userId {
		return fmt.Errorf("%w: session belongs to another user", syncerr.ErrUnauthorized)
	}
	return nil
}

// Touch creates the session in the connecting state if it doesn't exist yet
// and returns the current row.
func (t *Tracker) Touch(ctx context.Context, documentId string, clientId string, userId string) (models.Session, error) {
	if err := validateIds(documentId, clientId); err != nil {
		return models.Session{}, err
	}

	e := t.entry(sessionKey{documentId, clientId})
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := t.cache.GetSession(ctx, documentId, clientId)
	if err == nil {
		if err := checkOwner(s, userId); err != nil {
			return models.Session{}, err
		}
		return s, nil
	}
	if !errors.Is(err, cache.ErrSessionNotFound) {
		return models.Session{}, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}

	s = models.Session{
		DocumentId: documentId,
		ClientId:   clientId,
		UserId:     userId,
		LastSeen:   t.now().Unix(),
	}
	if err := t.cache.PutSession(ctx, s); err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}
	return s, nil
}

// Heartbeat marks the session connected and pushes its timeout out by the
// configured duration. The acknowledged seq never moves backwards; cursor and
// profile are replaced, not merged.
func (t *Tracker) Heartbeat(ctx context.Context, p HeartbeatParams) (models.Session, error) {
	if err := validateIds(p.DocumentId, p.ClientId); err != nil {
		return models.Session{}, err
	}
	if p.AckSeq < 0 {
		return models.Session{}, fmt.Errorf("%w: negative ack seq", syncerr.ErrInvalidArgument)
	}

	e := t.entry(sessionKey{p.DocumentId, p.ClientId})
	e.mu.Lock()

	prev, err := t.cache.GetSession(ctx, p.DocumentId, p.ClientId)
	if err != nil && !errors.Is(err, cache.ErrSessionNotFound) {
		e.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}
	if err := checkOwner(prev, p.UserId); err != nil {
		e.mu.Unlock()
		return models.Session{}, err
	}

	s := models.Session{
		DocumentId: p.DocumentId,
		ClientId:   p.ClientId,
		UserId:     p.UserId,
		Connected:  true,
		AckSeq:     max(prev.AckSeq, p.AckSeq),
		LastSeen:   t.now().Unix(),
		Cursor:     p.Cursor,
		Profile:    p.Profile,
	}
	if s.UserId == "" {
		s.UserId = prev.UserId
	}
	if err := t.cache.PutSession(ctx, s); err != nil {
		e.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}

	if e.handle != nil {
		e.handle.Cancel()
	}
	e.generation++
	gen := e.generation
	e.handle = t.sched.AfterFunc(t.timeout, func() { t.expire(p.DocumentId, p.ClientId, e, gen) })
	e.mu.Unlock()

	if !prev.Connected {
		t.observer.OnConnect(ctx, s)
	}
	return s, nil
}

func (t *Tracker) expire(documentId string, clientId string, e *entry, gen uint64) {
	e.mu.Lock()
	if e.generation != gen {
		// a later heartbeat or Leave owns the session now
		e.mu.Unlock()
		return
	}
	e.handle = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := t.cache.GetSession(ctx, documentId, clientId)
	if err != nil {
		e.mu.Unlock()
		if !errors.Is(err, cache.ErrSessionNotFound) {
			t.log.Warnf("Failed to load session %s/%s on timeout: %v", documentId, clientId, err)
		}
		return
	}
	if !s.Connected {
		e.mu.Unlock()
		return
	}
	s.Connected = false
	if err := t.cache.PutSession(ctx, s); err != nil {
		e.mu.Unlock()
		t.log.Warnf("Failed to mark session %s/%s disconnected: %v", documentId, clientId, err)
		return
	}
	e.mu.Unlock()

	t.observer.OnDisconnect(ctx, s)
}

// Leave cancels the pending timeout and marks the session disconnected.
// Leaving twice, or leaving an unknown session, is not an error.
func (t *Tracker) Leave(ctx context.Context, documentId string, clientId string) error {
	if err := validateIds(documentId, clientId); err != nil {
		return err
	}

	e := t.entry(sessionKey{documentId, clientId})
	e.mu.Lock()

	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.generation++

	s, err := t.cache.GetSession(ctx, documentId, clientId)
	if errors.Is(err, cache.ErrSessionNotFound) {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}
	if !s.Connected {
		e.mu.Unlock()
		return nil
	}

	s.Connected = false
	s.LastSeen = t.now().Unix()
	if err := t.cache.PutSession(ctx, s); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}
	e.mu.Unlock()

	t.observer.OnDisconnect(ctx, s)
	return nil
}

func (t *Tracker) List(ctx context.Context, documentId string) ([]models.Session, error) {
	sessions, err := t.cache.ListSessions(ctx, documentId)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}
	return sessions, nil
}

// GC removes disconnected sessions idle for longer than olderThan. Rows idle
// for longer than retention are dropped whatever their state, which covers
// sessions whose owning tracker died before its timer fired.
func (t *Tracker) GC(ctx context.Context, documentId string, olderThan time.Duration, retention time.Duration) (int, error) {
	now := t.now()
	removed := 0

	if retention > 0 {
		n, err := t.cache.ExpireSessions(ctx, documentId, now.Add(-retention).Unix())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
		}
		removed += n
	}

	sessions, err := t.cache.ListSessions(ctx, documentId)
	if err != nil {
		return removed, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	}

	cutoff := now.Add(-olderThan).Unix()
	for _, s := range sessions {
		if s.Connected || s.LastSeen >= cutoff {
			continue
		}
		key := sessionKey{s.DocumentId, s.ClientId}
		if e := t.existingEntry(key); e != nil {
			e.mu.Lock()
			pending := e.handle != nil
			e.mu.Unlock()
			if pending {
				continue
			}
		}
		if err := t.cache.DeleteSession(ctx, s.DocumentId, s.ClientId); err != nil && !errors.Is(err, cache.ErrSessionNotFound) {
			return removed, fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
		}
		t.mu.Lock()
		delete(t.entries, key)
		t.mu.Unlock()
		removed++
	}
	return removed, nil
}

// Close cancels every pending timeout. Rows are left for the other instances
// and the cache TTL.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.mu.Lock()
		if e.handle != nil {
			e.handle.Cancel()
			e.handle = nil
		}
		e.generation++
		e.mu.Unlock()
	}
}
