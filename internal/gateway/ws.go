package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/events"
	"github.com/haasonsaas/nexus-exec/internal/nodes"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

const (
	wsProtocolVersion  = 1
	wsMaxPayloadBytes  = 1 << 20
	wsMaxBufferedBytes = 1 << 20
	wsTickInterval     = 15 * time.Second
	wsPongWait         = 45 * time.Second
	wsWriteWait        = 10 * time.Second
	wsMaxInflight      = 32
)

type wsControlPlane struct {
	gateway  *Gateway
	auth     *auth.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// WSHandler serves the RPC control plane over WebSocket. allowedOrigins
// restricts browser origins; empty allows clients that send no Origin and
// same-host origins.
func (g *Gateway) WSHandler(allowedOrigins []string) http.Handler {
	return &wsControlPlane{
		gateway: g,
		auth:    g.auth,
		logger:  g.logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, allowedOrigins)
			},
		},
	}
}

func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Role        string         `json:"role,omitempty"`
	Client      wsClientInfo   `json:"client"`
	Auth        *wsAuthPayload `json:"auth,omitempty"`
	Caps        []string       `json:"caps,omitempty"`
}

type wsClientInfo struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type wsAuthPayload struct {
	Token string `json:"token"`
}

type wsSession struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id           string
	connected    atomic.Bool
	seq          int64
	headerClient *rbac.Client
	caller       *Conn
	nodeID       nodes.NodeID
	sub          *events.Subscription

	inflight  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// closeSentinel asks the write loop to close the connection after flushing.
var closeSentinel = []byte(nil)

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsSession{
		control:      h,
		conn:         conn,
		send:         make(chan []byte, 64),
		ctx:          ctx,
		cancel:       cancel,
		id:           uuid.NewString(),
		headerClient: h.authenticateRequest(r),
		inflight:     make(chan struct{}, wsMaxInflight),
	}
	session.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Close()
		}
		if s.nodeID != "" {
			s.control.gateway.nodes.Disconnect(context.Background(), s.nodeID, s.id)
		}
		s.wg.Wait()
		_ = s.conn.Close()
	})
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := s.decodeFrame(data)
		if err != nil {
			s.sendError("", "invalid_frame", err.Error())
			continue
		}

		if !s.connected.Load() {
			if frame.Method != "connect" {
				s.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := s.handleConnect(frame); err != nil {
				s.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		s.handleRequest(frame)
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if msg == nil {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "revoked"))
				s.cancel()
				_ = s.conn.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// handleRequest dispatches one call on its own goroutine so long waits do not
// block the connection.
func (s *wsSession) handleRequest(frame *wsFrame) {
	if frame.Method == "ping" {
		_ = s.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
		return
	}
	select {
	case s.inflight <- struct{}{}:
	default:
		s.sendError(frame.ID, "busy", "too many requests in flight")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.inflight }()
		result, err := s.control.gateway.Dispatch(s.ctx, s.caller, frame.Method, frame.Params)
		if err != nil {
			_ = s.sendResponse(frame.ID, false, nil, rpcError(err))
			return
		}
		if err := s.sendResponse(frame.ID, true, result, nil); err != nil {
			s.control.logger.Warn("failed to send response", "conn_id", s.id, "method", frame.Method, "error", err)
		}
	}()
}

func (s *wsSession) handleConnect(frame *wsFrame) error {
	if err := validateParams("connect", frame.Params); err != nil {
		return err
	}
	var params wsConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol version")
	}

	client, err := s.authenticate(params)
	if err != nil {
		return err
	}
	client.ID = strings.TrimSpace(client.ID)
	if client.ID == "" {
		client.ID = params.Client.ID
	}
	if client.DisplayName == "" {
		client.DisplayName = params.Client.DisplayName
	}
	s.caller = &Conn{ID: s.id, Client: client}

	if client.Role == rbac.RoleNode {
		nodeID := client.NodeID
		if nodeID == "" {
			nodeID = params.Client.ID
		}
		caps := make([]nodes.Capability, 0, len(params.Caps))
		for _, c := range params.Caps {
			caps = append(caps, nodes.Capability(c))
		}
		node, err := s.control.gateway.nodes.Connect(s.ctx, s.id, nodes.Node{
			ID:           nodes.NodeID(nodeID),
			Name:         client.DisplayName,
			Platform:     params.Client.Platform,
			Capabilities: caps,
		}, nodes.SenderFunc(func(req nodes.InvokeRequest) error {
			return s.sendEvent("node.invoke.request", req)
		}))
		if err != nil {
			return err
		}
		s.nodeID = node.ID
		s.caller.Client.NodeID = string(node.ID)
	}

	s.sub = s.control.gateway.Subscribe(s.caller)
	if err := s.sendResponse(frame.ID, true, s.buildHelloPayload(), nil); err != nil {
		return err
	}
	s.connected.Store(true)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pumpEvents()
	}()
	go func() {
		defer s.wg.Done()
		s.startTicking()
	}()
	s.control.logger.Info("client connected", "conn_id", s.id, "role", client.Role, "client_id", client.ID)
	return nil
}

// authenticate resolves the caller identity. Header credentials win over the
// connect token. With auth disabled every caller is anonymous; a node may
// still declare itself.
func (s *wsSession) authenticate(params wsConnectParams) (rbac.Client, error) {
	requested := rbac.ParseRole(params.Role)
	service := s.control.auth
	if !service.Enabled() {
		client := service.Anonymous(params.Client.ID)
		if requested == rbac.RoleNode {
			client.Role = rbac.RoleNode
			client.Scopes = nil
			client.NodeID = params.Client.ID
		}
		return client, nil
	}

	var client *rbac.Client
	if s.headerClient != nil {
		client = s.headerClient
	} else if params.Auth != nil {
		if c, err := service.Authenticate(params.Auth.Token); err == nil {
			client = &c
		}
	}
	if client == nil {
		return rbac.Client{}, fmt.Errorf("unauthorized")
	}
	if params.Role != "" && requested != client.Role {
		return rbac.Client{}, fmt.Errorf("role %s not granted", requested)
	}
	return *client, nil
}

// pumpEvents forwards hub events to the socket. Must-deliver events wait for
// queue space; best-effort events are dropped when the queue is full.
func (s *wsSession) pumpEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.sub.C():
			if !ok {
				return
			}
			var err error
			if evt.Delivery == events.MustDeliver {
				err = s.sendEventWait(evt.Name, evt.Payload)
			} else {
				err = s.sendEvent(evt.Name, evt.Payload)
			}
			if err != nil {
				s.control.logger.Debug("event not sent", "conn_id", s.id, "event", evt.Name, "error", err)
			}
			if evt.Name == eventNodeRevoked {
				select {
				case s.send <- closeSentinel:
				case <-s.ctx.Done():
				}
				return
			}
		}
	}
}

func (s *wsSession) sendResponse(id string, ok bool, payload any, err *wsError) error {
	frame := wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   err,
	}
	return s.enqueue(frame, true)
}

func (s *wsSession) sendEvent(event string, payload any) error {
	return s.enqueue(s.eventFrame(event, payload), false)
}

func (s *wsSession) sendEventWait(event string, payload any) error {
	return s.enqueue(s.eventFrame(event, payload), true)
}

func (s *wsSession) eventFrame(event string, payload any) wsFrame {
	seq := atomic.AddInt64(&s.seq, 1)
	return wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	}
}

func (s *wsSession) sendError(id string, code string, message string) {
	_ = s.sendResponse(id, false, nil, &wsError{Code: code, Message: message})
}

func (s *wsSession) enqueue(frame wsFrame, wait bool) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	if wait {
		select {
		case s.send <- data:
			return nil
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (s *wsSession) startTicking() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
	}
}

func (s *wsSession) buildHelloPayload() map[string]any {
	client := s.caller.Client
	return map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"id": s.control.gateway.id,
		},
		"connection": map[string]any{
			"id":     s.id,
			"role":   client.Role,
			"scopes": client.Scopes,
			"nodeId": client.NodeID,
		},
		"features": map[string]any{
			"methods": s.control.gateway.supportedMethods(),
			"events":  supportedEvents(),
		},
		"policy": map[string]any{
			"maxPayloadBytes":  wsMaxPayloadBytes,
			"maxBufferedBytes": wsMaxBufferedBytes,
			"tickIntervalMs":   wsTickInterval.Milliseconds(),
		},
		"snapshot": s.control.gateway.Health(),
	}
}

func (h *wsControlPlane) authenticateRequest(r *http.Request) *rbac.Client {
	if !h.auth.Enabled() {
		return nil
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return nil
	}
	client, err := h.auth.Authenticate(token)
	if err != nil {
		return nil
	}
	return &client
}

func (g *Gateway) supportedMethods() []string {
	return append([]string{"connect", "ping"}, g.Methods()...)
}

func supportedEvents() []string {
	return []string{
		"tick",
		"exec.started",
		"exec.finished",
		"exec.denied",
		"exec.aborted",
		"exec.approval.requested",
		"exec.approval.resolved",
		"system.panic",
		"node.invoke.request",
		"node.event",
		"node.status",
		"node.pair.requested",
		eventNodeRevoked,
	}
}
