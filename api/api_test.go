package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/api"
	"github.com/zlnvch/docsync/cache/memory"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/mq/memqueue"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store/memstore"
)

type harness struct {
	api *api.DocSyncAPI
	srv *httptest.Server
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	queue := memqueue.New()
	queue.PollWait = 20 * time.Millisecond

	a, err := api.NewDocSyncAPI(memstore.New(), queue, memory.New(), api.Settings{
		JWTSecret:        []byte("secret"),
		Compaction:       service.DefaultCompactionConfig(),
		SessionTimeout:   time.Minute,
		SessionRetention: time.Hour,
	}, logger.Nop(), ctx)
	require.NoError(t, err)

	mux := http.NewServeMux()
	a.RegisterRoutes(mux, "")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{api: a, srv: srv}
}

func (h *harness) user(t *testing.T, userId string) string {
	t.Helper()
	ctx := context.Background()
	key := func() []byte {
		b := make([]byte, 32)
		_, err := rand.Read(b)
		require.NoError(t, err)
		return b
	}
	_, err := h.api.Service.RegisterDevice(ctx, service.RegisterDeviceParams{
		UserId: userId, DeviceId: userId + "-d1", PublicKey: key(), MasterPublicKey: key(), WrappedMasterKey: []byte("wmk"),
	})
	require.NoError(t, err)
	_, err = h.api.Service.GrantDocumentAccess(ctx, service.GrantParams{
		DocumentId: "D", GranterUserId: userId, UserId: userId, WrappedContentKey: []byte("dk-" + userId),
	})
	require.NoError(t, err)
	token, err := h.api.Service.CreateJWT(userId, userId+"-d1")
	require.NoError(t, err)
	return token
}

func (h *harness) appendDelta(t *testing.T, token string, payload []byte) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"clientId": "c1", "payload": payload})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/docs/D/deltas", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"docsync-v1", token}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  int64           `json:"seq"`
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestHealth(t *testing.T) {
	h := setup(t)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocket_SubscribedClientIsNotifiedOfAppends(t *testing.T) {
	h := setup(t)
	token := h.user(t, "alice")
	conn := h.dial(t, token)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]string{"documentId": "D", "clientId": "c1"},
	}))
	resp := readUntil(t, conn, "subscribe_response")
	assert.Contains(t, string(resp.Data), `"success":true`)

	h.appendDelta(t, token, []byte("ciphertext"))
	event := readUntil(t, conn, service.EventDeltaAppended)
	assert.Equal(t, int64(1), event.Seq)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "heartbeat",
		"data": map[string]any{"documentId": "D", "clientId": "c1", "ackSeq": 1},
	}))
	hb := readUntil(t, conn, "heartbeat_response")
	assert.Contains(t, string(hb.Data), `"connected":true`)
}

func TestWebsocket_SubscribeWithoutAccessFails(t *testing.T) {
	h := setup(t)
	h.user(t, "alice")
	mallory := h.user(t, "mallory")
	conn := h.dial(t, mallory)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]string{"documentId": "E", "clientId": "m1"},
	}))
	resp := readUntil(t, conn, "subscribe_response")
	assert.Contains(t, string(resp.Data), `"success":false`)
}

func TestWebsocket_RejectsBadToken(t *testing.T) {
	h := setup(t)
	conn := h.dial(t, "garbage")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestCompactionRunsInTheBackground(t *testing.T) {
	h := setup(t)
	token := h.user(t, "alice")
	for i := 0; i < 5; i++ {
		h.appendDelta(t, token, []byte{byte(i + 1)})
	}

	assert.Eventually(t, func() bool {
		result, err := h.api.Service.FetchSince(context.Background(), "alice", "D", 0)
		return err == nil && result.Snapshot != nil && result.Snapshot.Seq == 5
	}, 5*time.Second, 50*time.Millisecond)
}
