// Package memory is a single-process SyncCache used by the memory backend and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/models"
)

type subscriber struct {
	ctx     context.Context
	handler func(message []byte)
}

type MemoryCache struct {
	mu          sync.Mutex
	sessions    map[string]map[string]models.Session
	subscribers map[string][]subscriber
}

func New() *MemoryCache {
	return &MemoryCache{
		sessions:    make(map[string]map[string]models.Session),
		subscribers: make(map[string][]subscriber),
	}
}

// Publish delivers to live subscribers synchronously, in subscription order.
func (c *MemoryCache) Publish(ctx context.Context, channel string, message []byte) error {
	c.mu.Lock()
	live := c.subscribers[channel][:0]
	for _, s := range c.subscribers[channel] {
		if s.ctx.Err() == nil {
			live = append(live, s)
		}
	}
	c.subscribers[channel] = live
	handlers := make([]func([]byte), 0, len(live))
	for _, s := range live {
		handlers = append(handlers, s.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), message...))
	}
	return nil
}

func (c *MemoryCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[channel] = append(c.subscribers[channel], subscriber{ctx: ctx, handler: handler})
	return nil
}

func (c *MemoryCache) PutSession(ctx context.Context, session models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.sessions[session.DocumentId]
	if !ok {
		rows = make(map[string]models.Session)
		c.sessions[session.DocumentId] = rows
	}
	rows[session.ClientId] = session
	return nil
}

func (c *MemoryCache) GetSession(ctx context.Context, documentId string, clientId string) (models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[documentId][clientId]
	if !ok {
		return models.Session{}, cache.ErrSessionNotFound
	}
	return s, nil
}

func (c *MemoryCache) DeleteSession(ctx context.Context, documentId string, clientId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[documentId][clientId]; !ok {
		return cache.ErrSessionNotFound
	}
	delete(c.sessions[documentId], clientId)
	return nil
}

func (c *MemoryCache) ListSessions(ctx context.Context, documentId string) ([]models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Session, 0, len(c.sessions[documentId]))
	for _, s := range c.sessions[documentId] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen < out[j].LastSeen
		}
		return out[i].ClientId < out[j].ClientId
	})
	return out, nil
}

func (c *MemoryCache) ExpireSessions(ctx context.Context, documentId string, before int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.sessions[documentId] {
		if s.LastSeen < before {
			delete(c.sessions[documentId], id)
			n++
		}
	}
	return n, nil
}
