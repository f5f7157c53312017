// Package httpremote talks to a docsync server over its REST routes. It is
// the client.Remote used by real devices.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zlnvch/docsync/client"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/syncerr"
)

const defaultTimeout = 15 * time.Second

// maxErrorBody bounds how much of an error response ends up in the message.
const maxErrorBody = 4 << 10

type Remote struct {
	baseURL  string
	token    string
	deviceId string
	http     *http.Client
}

var _ client.Remote = (*Remote)(nil)

type Option func(*Remote)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Remote) { r.http = c }
}

// New returns a Remote acting as deviceId with the given bearer token.
func New(baseURL string, token string, deviceId string, opts ...Option) *Remote {
	r := &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		deviceId: deviceId,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func docPath(documentId string, rest ...string) string {
	parts := append([]string{"docs", url.PathEscape(documentId)}, rest...)
	return "/" + strings.Join(parts, "/")
}

// do sends the request and decodes a 2xx body into out when out is non-nil.
// Transport failures are transient: the request may or may not have landed.
func (r *Remote) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: %v", syncerr.ErrInvalidArgument, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrInvalidArgument, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", syncerr.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", syncerr.ErrTransient, method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var e errorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return syncerr.FromHTTPStatus(resp.StatusCode, msg)
}

func (r *Remote) Append(ctx context.Context, req client.AppendRequest) (models.Delta, error) {
	var delta models.Delta
	body := struct {
		ClientId string        `json:"clientId"`
		Op       models.OpKind `json:"op"`
		Payload  []byte        `json:"payload"`
	}{req.ClientId, req.Op, req.Payload}
	if err := r.do(ctx, http.MethodPost, docPath(req.DocumentId, "deltas"), body, &delta); err != nil {
		return models.Delta{}, err
	}
	return delta, nil
}

func (r *Remote) FetchSince(ctx context.Context, documentId string, fromSeq int64) (models.FetchResult, error) {
	var result models.FetchResult
	path := docPath(documentId, "deltas") + "?since=" + strconv.FormatInt(fromSeq, 10)
	if err := r.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return models.FetchResult{}, err
	}
	return result, nil
}

func (r *Remote) CommitSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	if snapshot.DocumentId == "" {
		return fmt.Errorf("%w: snapshot without document id", syncerr.ErrInvalidArgument)
	}
	return r.do(ctx, http.MethodPost, docPath(snapshot.DocumentId, "snapshots"), snapshot, nil)
}

func (r *Remote) Heartbeat(ctx context.Context, params presence.HeartbeatParams) (models.Session, error) {
	var session models.Session
	body := struct {
		ClientId string          `json:"clientId"`
		AckSeq   int64           `json:"ackSeq"`
		Cursor   json.RawMessage `json:"cursor,omitempty"`
		Profile  json.RawMessage `json:"profile,omitempty"`
	}{params.ClientId, params.AckSeq, params.Cursor, params.Profile}
	if err := r.do(ctx, http.MethodPost, docPath(params.DocumentId, "presence"), body, &session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (r *Remote) Leave(ctx context.Context, documentId string, clientId string) error {
	return r.do(ctx, http.MethodDelete, docPath(documentId, "presence", url.PathEscape(clientId)), nil, nil)
}

func (r *Remote) GetWrappedMasterKey(ctx context.Context) (models.WrappedMasterKey, error) {
	var wmk models.WrappedMasterKey
	if err := r.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(r.deviceId)+"/master-key", nil, &wmk); err != nil {
		return models.WrappedMasterKey{}, err
	}
	return wmk, nil
}

func (r *Remote) GetDocKey(ctx context.Context, documentId string) (models.DocKey, error) {
	var key models.DocKey
	if err := r.do(ctx, http.MethodGet, docPath(documentId, "keys", "me"), nil, &key); err != nil {
		return models.DocKey{}, err
	}
	return key, nil
}

// Compact asks the server to fold the document's tail into a snapshot.
func (r *Remote) Compact(ctx context.Context, documentId string) (bool, int64, error) {
	var resp struct {
		Compacted bool  `json:"compacted"`
		Seq       int64 `json:"seq"`
	}
	if err := r.do(ctx, http.MethodPost, docPath(documentId, "compact"), nil, &resp); err != nil {
		return false, 0, err
	}
	return resp.Compacted, resp.Seq, nil
}
