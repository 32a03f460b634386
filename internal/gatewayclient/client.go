// Package gatewayclient speaks the gateway WebSocket RPC protocol. It is used
// by the CLI for one-shot calls and by node hosts for long-lived sessions.
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

// ProtocolVersion is the protocol this client speaks.
const ProtocolVersion = 1

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("gateway connection closed")

// Options configures Dial.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:18790/ws.
	URL   string
	Token string
	// Role is operator (default) or node.
	Role        string
	ClientID    string
	DisplayName string
	Version     string
	Caps        []string

	// Events buffers pushed events. Events arriving on a full buffer are
	// dropped and logged.
	EventBuffer int
	Logger      *slog.Logger
}

// Event is a pushed gateway event.
type Event struct {
	Name    string          `json:"event"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is the connect response.
type Hello struct {
	Type       string `json:"type"`
	Protocol   int    `json:"protocol"`
	Connection struct {
		ID     string   `json:"id"`
		Role   string   `json:"role"`
		Scopes []string `json:"scopes"`
		NodeID string   `json:"nodeId"`
	} `json:"connection"`
	Features struct {
		Methods []string `json:"methods"`
		Events  []string `json:"events"`
	} `json:"features"`
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Seq *int64 `json:"seq,omitempty"`
}

type response struct {
	payload json.RawMessage
	err     error
}

// Client is a connected gateway session.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	hello  Hello

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool

	events chan Event
	done   chan struct{}
	err    error
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "gatewayclient"),
		pending: make(map[string]chan response),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "nexus-exec-cli"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	params := map[string]any{
		"minProtocol": ProtocolVersion,
		"maxProtocol": ProtocolVersion,
		"client": map[string]any{
			"id":          clientID,
			"version":     version,
			"platform":    runtime.GOOS,
			"displayName": opts.DisplayName,
		},
	}
	if opts.Role != "" {
		params["role"] = opts.Role
	}
	if opts.Token != "" {
		params["auth"] = map[string]any{"token": opts.Token}
	}
	if len(opts.Caps) > 0 {
		params["caps"] = opts.Caps
	}
	if err := c.Call(ctx, "connect", params, &c.hello); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// Hello returns the handshake response.
func (c *Client) Hello() Hello { return c.hello }

// Events delivers pushed events until the connection closes.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and decodes the response payload into out, which may
// be nil. Gateway errors are returned as *execerr.Error carrying the remote
// code.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if params == nil {
		params = map[string]any{}
	}
	if err := c.write(frame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out == nil || len(res.payload) == 0 {
			return nil
		}
		return json.Unmarshal(res.payload, out)
	}
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
			return
		}
		switch f.Type {
		case "res":
			c.deliver(f)
		case "event":
			evt := Event{Name: f.Event, Payload: f.Payload}
			if f.Seq != nil {
				evt.Seq = *f.Seq
			}
			select {
			case c.events <- evt:
			default:
				c.logger.Warn("event buffer full; dropping", "event", f.Event)
			}
		}
	}
}

func (c *Client) deliver(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		if f.Error != nil {
			c.logger.Warn("gateway error", "code", f.Error.Code, "message", f.Error.Message)
		}
		return
	}
	res := response{payload: f.Payload}
	if f.OK == nil || !*f.OK {
		code, msg := string(execerr.KindInternal), "request failed"
		if f.Error != nil {
			code, msg = f.Error.Code, f.Error.Message
		}
		res.err = execerr.New(execerr.Kind(code), "%s", msg)
	}
	ch <- res
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	close(c.events)
}

// Close ends the session.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
