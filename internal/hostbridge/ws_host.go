package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	wsMethodReady    = "ready"
	wsMethodEmbedded = "isInMiniApp"
	wsMethodContext  = "context"
	wsMethodCompose  = "composeCast"
)

type WSHostOptions struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       logr.Logger
}

type wsRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
}

// WSHost speaks a request/response protocol over a single WebSocket. The
// connection is dialed lazily and redialed on the next call after it breaks.
type WSHost struct {
	url          string
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       logr.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	pending    map[string]chan wsResponse
	closed     bool
}

func NewWSHost(opts WSHostOptions) (*WSHost, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, errors.New("websocket host url is required")
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &WSHost{
		url:          rawURL,
		header:       header,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		logger:       opts.Logger.WithName("ws-host"),
		pending:      map[string]chan wsResponse{},
	}, nil
}

func (h *WSHost) SignalReady(ctx context.Context) error {
	return h.call(ctx, wsMethodReady, nil, nil)
}

func (h *WSHost) ProbeEmbedded(ctx context.Context) (bool, error) {
	var embedded bool
	if err := h.call(ctx, wsMethodEmbedded, nil, &embedded); err != nil {
		return false, err
	}
	return embedded, nil
}

func (h *WSHost) Context(ctx context.Context) (HostContext, error) {
	var out HostContext
	err := h.call(ctx, wsMethodContext, nil, &out)
	return out, err
}

func (h *WSHost) SendAction(ctx context.Context, payload ActionPayload) (ActionResult, error) {
	var out ActionResult
	err := h.call(ctx, wsMethodCompose, payload, &out)
	return out, err
}

func (h *WSHost) Close() error {
	h.mu.Lock()
	h.closed = true
	conn := h.conn
	cancel := h.connCancel
	h.conn = nil
	h.connCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "closing")
}

func (h *WSHost) call(ctx context.Context, method string, params any, out any) error {
	conn, err := h.connect(ctx)
	if err != nil {
		return &HostError{Op: method, Code: CodeUnavailable, Message: err.Error()}
	}

	id := uuid.NewString()
	replies := make(chan wsResponse, 1)
	h.mu.Lock()
	h.pending[id] = replies
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	// A cancelled write tears the socket down, so writes get their own
	// deadline instead of inheriting the caller's cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
	err = wsjson.Write(writeCtx, conn, wsRequest{ID: id, Method: method, Params: params})
	cancel()
	if err != nil {
		h.drop(conn, err)
		return &HostError{Op: method, Code: CodeUnavailable, Message: err.Error()}
	}

	select {
	case resp := <-replies:
		if resp.Error != nil {
			return &HostError{Op: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHost) connect(ctx context.Context) (*websocket.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("websocket host closed")
	}
	if h.conn != nil {
		return h.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, h.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, h.url, &websocket.DialOptions{HTTPHeader: h.header})
	if err != nil {
		return nil, err
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	h.conn = conn
	h.connCancel = connCancel
	go h.readLoop(connCtx, conn)
	h.logger.V(1).Info("connected to host", "url", h.url)
	return conn, nil
}

func (h *WSHost) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var resp wsResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			h.drop(conn, err)
			return
		}
		h.mu.Lock()
		replies, ok := h.pending[resp.ID]
		if ok {
			delete(h.pending, resp.ID)
		}
		h.mu.Unlock()
		if !ok {
			h.logger.V(1).Info("dropping reply for unknown request", "id", resp.ID)
			continue
		}
		replies <- resp
	}
}

func (h *WSHost) drop(conn *websocket.Conn, cause error) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	cancel := h.connCancel
	h.conn = nil
	h.connCancel = nil
	for id, replies := range h.pending {
		delete(h.pending, id)
		select {
		case replies <- wsResponse{ID: id, Error: &wsError{Code: CodeUnavailable, Message: cause.Error()}}:
		default:
		}
	}
	closed := h.closed
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !closed {
		h.logger.Info("host connection lost", "error", cause.Error())
	}
	_ = conn.Close(websocket.StatusGoingAway, "connection lost")
}
