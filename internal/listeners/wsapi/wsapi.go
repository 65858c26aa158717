// Package wsapi fronts one service with a WebSocket listener. Every
// broadcast the service publishes is relayed to all connected clients,
// and inbound JSON frames may invoke the service's RPC methods. A
// client that cannot take a send is pruned on the first failure.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robbyt/go-supervisor/runnables/httpserver"
	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/service"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

const (
	defaultPath   = "/ws"
	sendBuffer    = 32
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 1 << 20
)

var _ supervisor.Runnable = (*Runner)(nil)

// Frame is one inbound client message. Method names an RPC on the
// fronted service and Request carries its payload. A frame with no
// method only contributes its correlation ID to the connection.
type Frame struct {
	Method        string          `json:"method,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// broadcastFrame is what every connected client receives when the
// service broadcasts.
type broadcastFrame struct {
	Subject       string          `json:"subject"`
	Schema        string          `json:"schema,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Runner is a supervisor runnable serving the WebSocket surface of one
// service.
type Runner struct {
	svc      *service.Service
	logger   *slog.Logger
	metrics  *metrics.Collector
	addr     string
	path     string
	upgrader websocket.Upgrader
	runner   *httpserver.Runner

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu  sync.Mutex
	cid string

	closeOnce sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogHandler sets the logging handler for this listener.
func WithLogHandler(handler slog.Handler) Option {
	return func(r *Runner) {
		if handler != nil {
			r.logger = slog.New(handler).WithGroup("wsapi")
		}
	}
}

// WithMetrics tracks the connected client count on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) {
		r.metrics = c
	}
}

// WithAddr overrides the listen address derived from the service's
// websocket_port.
func WithAddr(addr string) Option {
	return func(r *Runner) {
		r.addr = addr
	}
}

// WithPath overrides the default /ws endpoint path.
func WithPath(path string) Option {
	return func(r *Runner) {
		r.path = path
	}
}

// NewRunner builds the listener for svc. The listen address comes from
// the service's websocket_port unless WithAddr overrides it.
func NewRunner(svc *service.Service, opts ...Option) (*Runner, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", errz.ErrConfiguration)
	}

	r := &Runner{
		svc:     svc,
		logger:  slog.Default().WithGroup("wsapi"),
		path:    defaultPath,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy belongs to the deployment in front of this
			// listener.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("service", svc.Name())

	if r.addr == "" {
		port := svc.Config().WebSocketPort
		if port <= 0 {
			return nil, fmt.Errorf("%w: websocket_port not configured for service %q", errz.ErrConfiguration, svc.Name())
		}
		r.addr = fmt.Sprintf(":%d", port)
	}
	if !strings.HasPrefix(r.path, "/") {
		return nil, fmt.Errorf("%w: websocket path %q must start with /", errz.ErrConfiguration, r.path)
	}

	route, err := httpserver.NewRouteFromHandlerFunc("ws", r.path, r.handleUpgrade)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket route: %w", err)
	}
	routes := []httpserver.Route{*route}
	runner, err := httpserver.NewRunner(httpserver.WithConfigCallback(func() (*httpserver.Config, error) {
		return httpserver.NewConfig(r.addr, routes)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server runner: %w", err)
	}
	r.runner = runner

	return r, nil
}

// String implements the supervisor.Runnable interface.
func (r *Runner) String() string {
	return "wsapi." + r.svc.Name()
}

// Run implements the supervisor.Runnable interface. It waits for the
// fronted service to come up so the broadcast subscription lands on a
// connected broker, then serves until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting WebSocket listener", "addr", r.addr, "path", r.path)
	if !r.waitRunning(ctx) {
		return nil
	}

	sub, err := r.svc.Broker().Subscribe(messaging.BroadcastSubject(">"), r.relay)
	if err != nil {
		return fmt.Errorf("subscribe broadcasts: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("Broadcast unsubscribe failed", "error", err)
		}
		r.closeAll()
	}()

	return r.runner.Run(ctx)
}

// Stop implements the supervisor.Runnable interface.
func (r *Runner) Stop() {
	r.logger.Debug("Stopping WebSocket listener")
	r.runner.Stop()
}

// ClientCount reports the number of connected clients.
func (r *Runner) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// waitRunning reports whether the service reached Running before ctx
// was canceled.
func (r *Runner) waitRunning(ctx context.Context) bool {
	watchCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	states := r.svc.GetStateChan(watchCtx)
	for {
		select {
		case <-ctx.Done():
			return false
		case state, ok := <-states:
			if !ok {
				return false
			}
			if state == finitestate.StatusRunning {
				return true
			}
		}
	}
}

func (r *Runner) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		cid:  req.URL.Query().Get("correlation_id"),
	}
	r.add(c)
	defer r.remove(c)

	go c.writePump()
	r.readLoop(req.Context(), c)
}

func (r *Runner) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		r.handleFrame(ctx, c, data)
	}
}

// handleFrame resolves the frame's correlation ID and, when the frame
// names a method, invokes it over the broker and replies in the wire
// reply shape.
func (r *Runner) handleFrame(ctx context.Context, c *client, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		cid := c.frameCorrelation("")
		r.reply(c, messaging.NewErrorReply(cid, fmt.Errorf("%w: frame is not valid JSON", errz.ErrValidation)))
		return
	}

	cid := c.frameCorrelation(frame.CorrelationID)
	if frame.Method == "" {
		return
	}

	payload := frame.Request
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var result json.RawMessage
	if err := r.svc.CallRPC(correlation.WithID(ctx, cid), r.svc.Name(), frame.Method, payload, &result); err != nil {
		r.reply(c, messaging.NewErrorReply(cid, err))
		return
	}
	rep, err := messaging.NewResultReply(cid, result)
	if err != nil {
		rep = messaging.NewErrorReply(cid, err)
	}
	r.reply(c, rep)
}

// relay fans one service broadcast out to every connected client. The
// frame is serialized once; a client whose buffer cannot take it is
// pruned immediately.
func (r *Runner) relay(msg *broker.Message) {
	frame := broadcastFrame{Subject: msg.Subject, Payload: msg.Data}
	var env messaging.Envelope
	if err := json.Unmarshal(msg.Data, &env); err == nil && len(env.Payload) > 0 {
		frame.Schema = env.Schema
		frame.CorrelationID = env.CorrelationID
		frame.Payload = env.Payload
	}

	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Warn("Failed to encode broadcast frame", "subject", msg.Subject, "error", err)
		return
	}

	for _, c := range r.snapshot() {
		if !r.enqueue(c, data) {
			r.logger.Warn("Pruned WebSocket client on failed send", "subject", msg.Subject)
		}
	}
}

func (r *Runner) reply(c *client, rep *messaging.Reply) {
	data, err := rep.Encode()
	if err != nil {
		r.logger.Warn("Failed to encode reply frame", "error", err)
		return
	}
	if !r.enqueue(c, data) {
		r.logger.Warn("Pruned WebSocket client on failed send")
	}
}

// enqueue hands data to the client's write pump. It reports false when
// the buffer was full, in which case the client has been removed and
// closed.
func (r *Runner) enqueue(c *client, data []byte) bool {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return true
	}
	select {
	case c.send <- data:
		r.mu.Unlock()
		return true
	default:
	}
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()

	c.close()
	r.metrics.SetWebSocketClients(r.svc.Name(), n)
	return false
}

func (r *Runner) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Runner) add(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()

	r.metrics.SetWebSocketClients(r.svc.Name(), n)
	r.logger.Debug("WebSocket client connected", "clients", n)
}

func (r *Runner) remove(c *client) {
	r.mu.Lock()
	_, present := r.clients[c]
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()

	c.close()
	if present {
		r.metrics.SetWebSocketClients(r.svc.Name(), n)
		r.logger.Debug("WebSocket client disconnected", "clients", n)
	}
}

func (r *Runner) closeAll() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	clear(r.clients)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if len(clients) > 0 {
		r.metrics.SetWebSocketClients(r.svc.Name(), 0)
	}
}

// writePump is the only goroutine writing to the connection. A failed
// write closes the client; the read loop then unwinds and removes it.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// frameCorrelation resolves the correlation ID for one frame: the
// frame's own ID first, then the connection's ambient ID from the
// handshake or an earlier frame, then a freshly minted one.
func (c *client) frameCorrelation(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		if c.cid == "" {
			c.cid = id
		}
		return id
	}
	if c.cid == "" {
		c.cid = correlation.NewID()
	}
	return c.cid
}
