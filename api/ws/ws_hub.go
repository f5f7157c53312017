package ws

import (
	"context"
	"encoding/json"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/service"
)

type subscription struct {
	client     *Client
	documentId string
}

type docEvent struct {
	documentId string
	message    []byte
}

type reply struct {
	client  *Client
	message []byte
}

type userEvent struct {
	event   service.UserEvent
	message []byte
}

// Hub maintains the set of active clients and routes document and user
// events to them. All maps are owned by Run.
type Hub struct {
	cache         cache.SyncCache
	log           *logger.Logger
	OpenCh        chan *Client
	CloseCh       chan *Client
	SubscribeCh   chan subscription
	UnsubscribeCh chan subscription
	ReplyCh       chan reply
	docEventCh    chan docEvent
	userEventCh   chan userEvent
	userToClients map[string]map[*Client]struct{}
	docToClients  map[string]map[*Client]struct{}
}

func NewHub(c cache.SyncCache, log *logger.Logger) *Hub {
	return &Hub{
		cache:         c,
		log:           log,
		OpenCh:        make(chan *Client, 256),
		CloseCh:       make(chan *Client, 256),
		SubscribeCh:   make(chan subscription, 1024),
		UnsubscribeCh: make(chan subscription, 1024),
		ReplyCh:       make(chan reply, 1024),
		docEventCh:    make(chan docEvent, 1024),
		userEventCh:   make(chan userEvent, 256),
		userToClients: make(map[string]map[*Client]struct{}),
		docToClients:  make(map[string]map[*Client]struct{}),
	}
}

const (
	maxConnectionsPerUser         = 8
	maxSubscriptionsPerConnection = 50
)

// send never blocks the hub: a client that cannot keep up is disconnected.
func (h *Hub) send(client *Client, message []byte) {
	if client.closed {
		return
	}
	select {
	case client.Send <- message:
	default:
		h.log.Warnf("Dropping slow connection of user %s", client.principal.UserId)
		h.drop(client)
	}
}

// drop detaches the client from every map and closes its Send channel.
func (h *Hub) drop(client *Client) {
	for documentId := range client.subscribedDocs {
		h.removeSubscriber(documentId, client)
	}
	if clients, ok := h.userToClients[client.principal.UserId]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.userToClients, client.principal.UserId)
		}
	}
	if !client.closed {
		client.closed = true
		close(client.Send)
	}
}

func (h *Hub) removeSubscriber(documentId string, client *Client) {
	delete(h.docToClients[documentId], client)
	delete(client.subscribedDocs, documentId)
	if len(h.docToClients[documentId]) == 0 {
		delete(h.docToClients, documentId)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.OpenCh:
			h.open(client)
		case client := <-h.CloseCh:
			h.drop(client)
		case sub := <-h.SubscribeCh:
			h.subscribe(sub)
		case unsub := <-h.UnsubscribeCh:
			h.removeSubscriber(unsub.documentId, unsub.client)
		case r := <-h.ReplyCh:
			h.send(r.client, r.message)
		case ev := <-h.docEventCh:
			h.routeDocEvent(ev)
		case ev := <-h.userEventCh:
			h.routeUserEvent(ev)
		}
	}
}

func (h *Hub) open(client *Client) {
	userId := client.principal.UserId
	if _, ok := h.userToClients[userId]; !ok {
		h.userToClients[userId] = make(map[*Client]struct{})
	}

	if len(h.userToClients[userId]) >= maxConnectionsPerUser {
		h.log.Infof("User %s reached max connections (%d)", userId, maxConnectionsPerUser)
		client.closed = true
		close(client.Send)
		return
	}

	h.userToClients[userId][client] = struct{}{}
}

func (h *Hub) subscribe(sub subscription) {
	if sub.client.closed {
		return
	}
	if _, ok := sub.client.subscribedDocs[sub.documentId]; ok {
		return
	}
	if len(sub.client.subscribedDocs) >= maxSubscriptionsPerConnection {
		h.log.Infof("Connection by user %s reached max subscriptions (%d)", sub.client.principal.UserId, maxSubscriptionsPerConnection)
		return
	}
	if h.docToClients[sub.documentId] == nil {
		h.docToClients[sub.documentId] = make(map[*Client]struct{})
	}
	h.docToClients[sub.documentId][sub.client] = struct{}{}
	sub.client.subscribedDocs[sub.documentId] = struct{}{}
}

func (h *Hub) routeDocEvent(ev docEvent) {
	for client := range h.docToClients[ev.documentId] {
		h.send(client, ev.message)
	}
}

func (h *Hub) routeUserEvent(ev userEvent) {
	for client := range h.userToClients[ev.event.UserId] {
		switch ev.event.Reason {
		case "device_revoked":
			if client.principal.DeviceId == ev.event.DeviceId {
				h.drop(client)
				continue
			}
		case "access_revoked":
			h.removeSubscriber(ev.event.DocumentId, client)
		}
		h.send(client, ev.message)
	}
}

// InitSubscriptions subscribes once to the shared event channels. Events are
// handed to Run, which owns the routing tables.
func (h *Hub) InitSubscriptions(shutdownCtx context.Context) error {
	err := h.cache.Subscribe(shutdownCtx, cache.DocEventsChannel, func(message []byte) {
		var event service.DocEvent
		if err := json.Unmarshal(message, &event); err != nil {
			h.log.Warnf("Failed to unmarshal doc event: %v", err)
			return
		}
		select {
		case h.docEventCh <- docEvent{documentId: event.DocumentId, message: message}:
		case <-shutdownCtx.Done():
		}
	})
	if err != nil {
		h.log.Errorf("WS hub failed to subscribe to %s: %v", cache.DocEventsChannel, err)
		return err
	}

	err = h.cache.Subscribe(shutdownCtx, cache.UserEventsChannel, func(message []byte) {
		var event service.UserEvent
		if err := json.Unmarshal(message, &event); err != nil {
			h.log.Warnf("Failed to unmarshal user event: %v", err)
			return
		}
		select {
		case h.userEventCh <- userEvent{event: event, message: message}:
		case <-shutdownCtx.Done():
		}
	})
	if err != nil {
		h.log.Errorf("WS hub failed to subscribe to %s: %v", cache.UserEventsChannel, err)
		return err
	}

	return nil
}
