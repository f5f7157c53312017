package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/syncerr"
)

// maxBodyBytes leaves room for the base64 expansion of a full payload.
const maxBodyBytes = 1 << 20

type Handler struct {
	Service *service.Service
	Log     *logger.Logger
	// SessionRetention is how long disconnected sessions are listed before
	// the presence listing collects them.
	SessionRetention time.Duration
}

func NewHandler(svc *service.Service, log *logger.Logger, sessionRetention time.Duration) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Service: svc, Log: log, SessionRetention: sessionRetention}
}

// RegisterRoutes mounts every REST endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /docs/{id}/deltas", h.HandleAppend)
	mux.HandleFunc("GET /docs/{id}/deltas", h.HandleFetchSince)
	mux.HandleFunc("POST /docs/{id}/snapshots", h.HandleCommitSnapshot)
	mux.HandleFunc("POST /docs/{id}/compact", h.HandleCompact)
	mux.HandleFunc("GET /docs/{id}/materialize", h.HandleMaterialize)

	mux.HandleFunc("GET /docs/{id}/keys/me", h.HandleGetDocKey)
	mux.HandleFunc("PUT /docs/{id}/keys/{userId}", h.HandleGrant)
	mux.HandleFunc("DELETE /docs/{id}/keys/{userId}", h.HandleRevokeAccess)

	mux.HandleFunc("POST /devices", h.HandleRegisterDevice)
	mux.HandleFunc("GET /devices", h.HandleListDevices)
	mux.HandleFunc("POST /devices/{deviceId}/approve", h.HandleApproveDevice)
	mux.HandleFunc("DELETE /devices/{deviceId}", h.HandleRevokeDevice)
	mux.HandleFunc("GET /devices/{deviceId}/master-key", h.HandleGetMasterKey)
	mux.HandleFunc("GET /users/{userId}/key", h.HandleGetUserKey)

	mux.HandleFunc("POST /docs/{id}/presence", h.HandleHeartbeat)
	mux.HandleFunc("GET /docs/{id}/presence", h.HandleListPresence)
	mux.HandleFunc("DELETE /docs/{id}/presence/{clientId}", h.HandleLeave)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) sendResponse(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.Log.Warnf("Failed to encode response: %v", err)
	}
}

// sendError answers with the status of the error class. Server-side failures
// are logged and not described to the caller.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := syncerr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.Log.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		msg = http.StatusText(status)
	}
	h.sendResponse(w, status, errorResponse{Error: msg})
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

// authenticate requires an approved device.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (service.Principal, bool) {
	p, err := h.Service.AuthenticateDevice(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		if errors.Is(err, syncerr.ErrUnauthorized) {
			h.sendResponse(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return service.Principal{}, false
		}
		h.sendError(w, r, err)
		return service.Principal{}, false
	}
	return p, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.sendError(w, r, fmt.Errorf("%w: invalid request body", syncerr.ErrInvalidArgument))
		return false
	}
	return true
}

type appendRequest struct {
	ClientId string        `json:"clientId"`
	Op       models.OpKind `json:"op"`
	Payload  []byte        `json:"payload"`
}

func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req appendRequest
	if !h.decode(w, r, &req) {
		return
	}

	delta, err := h.Service.Append(r.Context(), service.AppendParams{
		DocumentId: r.PathValue("id"),
		UserId:     p.UserId,
		ClientId:   req.ClientId,
		Op:         req.Op,
		Payload:    req.Payload,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusCreated, delta)
}

func (h *Handler) HandleFetchSince(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.sendError(w, r, fmt.Errorf("%w: since must be an integer", syncerr.ErrInvalidArgument))
			return
		}
		since = n
	}

	result, err := h.Service.FetchSince(r.Context(), p.UserId, r.PathValue("id"), since)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if result.Deltas == nil {
		result.Deltas = []models.Delta{}
	}
	h.sendResponse(w, http.StatusOK, result)
}

func (h *Handler) HandleCommitSnapshot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var snapshot models.Snapshot
	if !h.decode(w, r, &snapshot) {
		return
	}
	snapshot.DocumentId = r.PathValue("id")

	if err := h.Service.CommitSnapshot(r.Context(), p.UserId, snapshot); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type compactResponse struct {
	Compacted bool  `json:"compacted"`
	Seq       int64 `json:"seq"`
}

func (h *Handler) HandleCompact(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	snapshot, compacted, err := h.Service.RequestCompaction(r.Context(), p.UserId, r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, compactResponse{Compacted: compacted, Seq: snapshot.Seq})
}

func (h *Handler) HandleMaterialize(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	doc, err := h.Service.Materialize(r.Context(), p.UserId, r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, doc)
}

func (h *Handler) HandleGetDocKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	key, err := h.Service.GetDocKey(r.Context(), r.PathValue("id"), p.UserId)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, key)
}

type grantRequest struct {
	WrappedContentKey []byte `json:"wrappedContentKey"`
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}

	key, err := h.Service.GrantDocumentAccess(r.Context(), service.GrantParams{
		DocumentId:        r.PathValue("id"),
		GranterUserId:     p.UserId,
		UserId:            r.PathValue("userId"),
		WrappedContentKey: req.WrappedContentKey,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, key)
}

func (h *Handler) HandleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.Service.RevokeDocumentAccess(r.Context(), r.PathValue("id"), p.UserId, r.PathValue("userId")); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerDeviceRequest struct {
	PublicKey        []byte `json:"publicKey"`
	MasterPublicKey  []byte `json:"masterPublicKey,omitempty"`
	WrappedMasterKey []byte `json:"wrappedMasterKey,omitempty"`
}

// HandleRegisterDevice only needs a valid token: the device named by the
// token's deviceId claim does not exist yet.
func (h *Handler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		h.sendResponse(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
		return
	}
	var req registerDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	device, err := h.Service.RegisterDevice(r.Context(), service.RegisterDeviceParams{
		UserId:           p.UserId,
		DeviceId:         p.DeviceId,
		PublicKey:        req.PublicKey,
		MasterPublicKey:  req.MasterPublicKey,
		WrappedMasterKey: req.WrappedMasterKey,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusCreated, device)
}

func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	devices, err := h.Service.ListDevices(r.Context(), p.UserId)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	h.sendResponse(w, http.StatusOK, devices)
}

type approveDeviceRequest struct {
	PublicKey        []byte `json:"publicKey"`
	WrappedMasterKey []byte `json:"wrappedMasterKey"`
}

func (h *Handler) HandleApproveDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req approveDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	device, err := h.Service.ApproveDevice(r.Context(), service.ApproveDeviceParams{
		UserId:           p.UserId,
		ApproverDeviceId: p.DeviceId,
		DeviceId:         r.PathValue("deviceId"),
		PublicKey:        req.PublicKey,
		WrappedMasterKey: req.WrappedMasterKey,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, device)
}

func (h *Handler) HandleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.Service.RevokeDevice(r.Context(), p.UserId, p.DeviceId, r.PathValue("deviceId")); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetMasterKey serves a device its own wrapped master key.
func (h *Handler) HandleGetMasterKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if r.PathValue("deviceId") != p.DeviceId {
		h.sendError(w, r, fmt.Errorf("%w: devices only read their own master key", syncerr.ErrUnauthorized))
		return
	}
	wmk, err := h.Service.GetWrappedMasterKey(r.Context(), p.UserId, p.DeviceId)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, wmk)
}

func (h *Handler) HandleGetUserKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	key, err := h.Service.GetUserKey(r.Context(), r.PathValue("userId"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, key)
}

type heartbeatRequest struct {
	ClientId string          `json:"clientId"`
	AckSeq   int64           `json:"ackSeq"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.Service.Heartbeat(r.Context(), p.UserId, presence.HeartbeatParams{
		DocumentId: r.PathValue("id"),
		ClientId:   req.ClientId,
		AckSeq:     req.AckSeq,
		Cursor:     req.Cursor,
		Profile:    req.Profile,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendResponse(w, http.StatusOK, session)
}

func (h *Handler) HandleListPresence(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	documentId := r.PathValue("id")

	sessions, err := h.Service.ListPresence(r.Context(), p.UserId, documentId)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	if h.SessionRetention > 0 {
		if n, err := h.Service.CollectSessions(r.Context(), documentId, h.SessionRetention, 0); err != nil {
			h.Log.Warnf("Failed to collect sessions of %s: %v", documentId, err)
		} else if n > 0 {
			h.Log.Debugf("Collected %d idle sessions of %s", n, documentId)
		}
	}

	if sessions == nil {
		sessions = []models.Session{}
	}
	h.sendResponse(w, http.StatusOK, sessions)
}

func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.Service.LeaveDocument(r.Context(), p.UserId, r.PathValue("id"), r.PathValue("clientId")); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
