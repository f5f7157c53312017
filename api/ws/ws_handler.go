package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/service"
)

const Subprotocol = "docsync-v1"

const requestTimeout = 5 * time.Second

type Handler struct {
	Service *service.Service
	Hub     *Hub
	Log     *logger.Logger
}

func NewHandler(svc *service.Service, hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
		Log:     log,
	}
}

// NewWsUpgrader accepts any origin when requiredOrigin is empty.
func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{Subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The bearer token travels
// as the second subprotocol value: "docsync-v1, <token>".
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 || strings.TrimSpace(protocolsSplit[0]) != Subprotocol {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	principal, authErr := h.Service.AuthenticateDevice(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warnf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	// sessions joined over this connection are only touched by the read goroutine
	sessions := make(map[string]string)
	client := NewClient(h.Hub, conn, principal, func(c *Client, messageType int, messageBytes []byte) {
		h.handleMessage(c, sessions, messageBytes)
	}, h.Log)
	h.Hub.OpenCh <- client

	go func() {
		client.ReadPump()
		h.leaveAll(client, sessions)
	}()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type documentMessage struct {
	DocumentId string `json:"documentId"`
	ClientId   string `json:"clientId"`
}

type heartbeatMessage struct {
	DocumentId string          `json:"documentId"`
	ClientId   string          `json:"clientId"`
	AckSeq     int64           `json:"ackSeq"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Handler) handleMessage(client *Client, sessions map[string]string, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		h.Log.Debugf("Invalid JSON: %v", err)
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "subscribe":
		var docMsg documentMessage
		if err := json.Unmarshal(msg.Data, &docMsg); err != nil {
			h.Log.Debugf("Invalid subscribe data: %v", err)
			return
		}
		resp = h.handleSubscribe(client, sessions, docMsg)

	case "unsubscribe":
		var docMsg documentMessage
		if err := json.Unmarshal(msg.Data, &docMsg); err != nil {
			h.Log.Debugf("Invalid unsubscribe data: %v", err)
			return
		}
		resp = h.handleUnsubscribe(client, sessions, docMsg)

	case "heartbeat":
		var hbMsg heartbeatMessage
		if err := json.Unmarshal(msg.Data, &hbMsg); err != nil {
			h.Log.Debugf("Invalid heartbeat data: %v", err)
			return
		}
		resp = h.handleHeartbeat(client, hbMsg)

	default:
		h.Log.Debugf("Unknown message type: %v", msg.Type)
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			h.Log.Errorf("Error marshaling response JSON: %v", err)
			return
		}
		h.Hub.ReplyCh <- reply{client: client, message: respBytes}
	}
}

func failure(documentId string, err error) map[string]any {
	return map[string]any{"success": false, "documentId": documentId, "error": err.Error()}
}

func (h *Handler) handleSubscribe(client *Client, sessions map[string]string, docMsg documentMessage) responseMessage {
	resp := responseMessage{
		Type: "subscribe_response",
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := h.Service.JoinDocument(ctx, client.principal.UserId, docMsg.DocumentId, docMsg.ClientId); err != nil {
		h.Log.Debugf("Subscribe to %s failed: %v", docMsg.DocumentId, err)
		resp.Data = failure(docMsg.DocumentId, err)
		return resp
	}
	sessions[docMsg.DocumentId] = docMsg.ClientId

	h.Hub.SubscribeCh <- subscription{client: client, documentId: docMsg.DocumentId}
	resp.Data = map[string]any{"success": true, "documentId": docMsg.DocumentId}
	return resp
}

func (h *Handler) handleUnsubscribe(client *Client, sessions map[string]string, docMsg documentMessage) responseMessage {
	resp := responseMessage{
		Type: "unsubscribe_response",
	}

	h.Hub.UnsubscribeCh <- subscription{client: client, documentId: docMsg.DocumentId}

	if docMsg.ClientId != "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := h.Service.LeaveDocument(ctx, client.principal.UserId, docMsg.DocumentId, docMsg.ClientId); err != nil {
			h.Log.Debugf("Leave of %s failed: %v", docMsg.DocumentId, err)
			resp.Data = failure(docMsg.DocumentId, err)
			return resp
		}
	}
	delete(sessions, docMsg.DocumentId)

	resp.Data = map[string]any{"success": true, "documentId": docMsg.DocumentId}
	return resp
}

func (h *Handler) handleHeartbeat(client *Client, hbMsg heartbeatMessage) responseMessage {
	resp := responseMessage{
		Type: "heartbeat_response",
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	session, err := h.Service.Heartbeat(ctx, client.principal.UserId, presence.HeartbeatParams{
		DocumentId: hbMsg.DocumentId,
		ClientId:   hbMsg.ClientId,
		AckSeq:     hbMsg.AckSeq,
		Cursor:     hbMsg.Cursor,
		Profile:    hbMsg.Profile,
	})
	if err != nil {
		h.Log.Debugf("Heartbeat on %s failed: %v", hbMsg.DocumentId, err)
		resp.Data = failure(hbMsg.DocumentId, err)
		return resp
	}

	resp.Data = map[string]any{"success": true, "documentId": hbMsg.DocumentId, "session": session}
	return resp
}

// leaveAll ends the sessions a closed connection joined.
func (h *Handler) leaveAll(client *Client, sessions map[string]string) {
	for documentId, clientId := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := h.Service.LeaveDocument(ctx, client.principal.UserId, documentId, clientId); err != nil {
			h.Log.Debugf("Failed to leave %s on disconnect: %v", documentId, err)
		}
		cancel()
	}
}
