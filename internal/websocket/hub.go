package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/bridge"
)

const (
	// Maximum message size allowed from the carrier. Frames are 640 bytes;
	// the handshake is a small JSON document.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	// Carriers do not send an Origin header; access is gated by the route.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// CallHandler runs one accepted call to completion
type CallHandler interface {
	HandleCall(ctx context.Context, conn bridge.TelephonyConn, call *entities.CallSession, hints entities.HandshakeMetadata) error
}

// Hub maintains the set of active calls.
type Hub struct {
	// Active clients by connection id.
	clients map[string]*Client

	// Register requests from new connections.
	register chan *Client

	// Unregister requests from finished calls.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	// Base context for every call; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup
	// admitMu orders calls.Add before the shutdown cancel and Wait
	admitMu sync.Mutex

	handler CallHandler
	logger  *zap.Logger
}

// NewHub creates a new call hub
func NewHub(handler CallHandler, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		handler:    handler,
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns once the hub is shut down.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Call registered", zap.String("connectionID", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.id)
			h.mu.Unlock()
			h.logger.Info("Call unregistered", zap.String("connectionID", client.id))

		case <-h.ctx.Done():
			return
		}
	}
}

// Client is one accepted telephony connection.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Connection ID for this client
	id string

	call   *entities.CallSession
	hints  entities.HandshakeMetadata
	cancel context.CancelFunc

	logger *zap.Logger
}

// HandleWebSocket upgrades a carrier request and hands the connection to
// the call handler. Hints fill handshake fields the carrier leaves out.
func HandleWebSocket(hub *Hub, c echo.Context, hints entities.HandshakeMetadata, logger *zap.Logger) error {
	if hub.ctx.Err() != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(hub.ctx)
	client := &Client{
		hub:    hub,
		conn:   conn,
		id:     id,
		call:   entities.NewCallSession(id),
		hints:  hints,
		cancel: cancel,
		logger: logger.With(zap.String("connectionID", id)),
	}

	if !hub.track() {
		cancel()
		conn.Close()
		return nil
	}
	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		hub.calls.Done()
		cancel()
		conn.Close()
		return nil
	}

	// The request handler returns right away; the call runs on its own
	// goroutine with a context owned by the hub.
	go client.serve(ctx)

	return nil
}

func (c *Client) serve(ctx context.Context) {
	defer c.hub.calls.Done()
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			c.hub.mu.Lock()
			delete(c.hub.clients, c.id)
			c.hub.mu.Unlock()
		}
	}()

	c.logger.Info("Call accepted",
		zap.String("remoteAddr", c.conn.RemoteAddr().String()),
		zap.String("callIDHint", c.hints.CallID))

	if err := c.hub.handler.HandleCall(ctx, c.conn, c.call, c.hints); err != nil {
		c.logger.Debug("Call handler returned error", zap.Error(err))
	}
}

// Snapshot returns the status of every active call, oldest first
func (h *Hub) Snapshot() []CallStatus {
	h.mu.RLock()
	statuses := make([]CallStatus, 0, len(h.clients))
	for _, client := range h.clients {
		statuses = append(statuses, newCallStatus(client.call))
	}
	h.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})
	return statuses
}

// Count returns the number of active calls
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Cancel ends one call by connection id
func (h *Hub) Cancel(connectionID string) bool {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if ok {
		client.cancel()
	}
	return ok
}

// CancelAll ends every active call
func (h *Hub) CancelAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.cancel()
	}
}

// cancelOlderThan ends calls that started before the cutoff and returns
// how many were cancelled
func (h *Hub) cancelOlderThan(cutoff time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cancelled := 0
	for _, client := range h.clients {
		if client.call.StartedAt.Before(cutoff) {
			client.logger.Info("Call exceeded maximum duration, ending it",
				zap.Duration("duration", client.call.Duration()))
			client.cancel()
			cancelled++
		}
	}
	return cancelled
}

// track counts a new call unless the hub is shutting down
func (h *Hub) track() bool {
	h.admitMu.Lock()
	defer h.admitMu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.calls.Add(1)
	return true
}

// Shutdown ends all calls and waits for them to release their streams
func (h *Hub) Shutdown(ctx context.Context) error {
	h.CancelAll()
	h.admitMu.Lock()
	h.cancel()
	h.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All calls finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
