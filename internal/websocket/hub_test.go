package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/bridge"
)

// holdingHandler keeps every call open until its context is cancelled
type holdingHandler struct {
	mu      sync.Mutex
	hints   []entities.HandshakeMetadata
	started chan string
	ended   chan string
}

func newHoldingHandler() *holdingHandler {
	return &holdingHandler{
		started: make(chan string, 8),
		ended:   make(chan string, 8),
	}
}

func (h *holdingHandler) HandleCall(ctx context.Context, conn bridge.TelephonyConn, call *entities.CallSession, hints entities.HandshakeMetadata) error {
	h.mu.Lock()
	h.hints = append(h.hints, hints)
	h.mu.Unlock()

	call.Identify(hints)
	call.Transition(entities.CallStateActive)
	h.started <- call.ConnectionID

	<-ctx.Done()
	call.Transition(entities.CallStateClosing)
	call.Transition(entities.CallStateClosed)
	conn.Close()
	h.ended <- call.ConnectionID
	return nil
}

func setupTestServer(t *testing.T) (*Hub, *holdingHandler, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	handler := newHoldingHandler()
	hub := NewHub(handler, logger)
	go hub.Run()

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocket(hub, c, HintsFromRequest(c.Request()), logger)
	})
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		server.Close()
	})

	return hub, handler, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitStarted(t *testing.T, handler *holdingHandler) string {
	t.Helper()
	select {
	case id := <-handler.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("call was not handed to the handler")
		return ""
	}
}

func waitEnded(t *testing.T, handler *holdingHandler) string {
	t.Helper()
	select {
	case id := <-handler.ended:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end")
		return ""
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_RegistersAndSnapshots(t *testing.T) {
	hub, handler, url := setupTestServer(t)

	header := http.Header{}
	header.Set(HeaderCallUUID, "abc")
	header.Set(HeaderCaller, "+15551234567")
	dial(t, url, header)

	id := waitStarted(t, handler)
	eventually(t, "registration", func() bool { return hub.Count() == 1 })

	snapshot := hub.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("Expected 1 active call, got %d", len(snapshot))
	}
	if snapshot[0].ConnectionID != id {
		t.Errorf("Expected connection %s, got %s", id, snapshot[0].ConnectionID)
	}
	if snapshot[0].CallID != "abc" || snapshot[0].CallerID != "+15551234567" {
		t.Errorf("Expected hints from headers, got %+v", snapshot[0].CallSnapshot)
	}
	if snapshot[0].State != entities.CallStateActive {
		t.Errorf("Expected active call, got %s", snapshot[0].State)
	}
}

func TestHub_CancelEndsCall(t *testing.T) {
	hub, handler, url := setupTestServer(t)

	dial(t, url+"?call_id=query-call", nil)
	id := waitStarted(t, handler)

	if !hub.Cancel(id) {
		t.Fatal("Expected Cancel to find the call")
	}
	if ended := waitEnded(t, handler); ended != id {
		t.Errorf("Expected %s to end, got %s", id, ended)
	}
	eventually(t, "unregistration", func() bool { return hub.Count() == 0 })

	if hub.Cancel("unknown") {
		t.Error("Expected Cancel to report unknown connection")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.hints[0].CallID != "query-call" {
		t.Errorf("Expected call id from query, got %q", handler.hints[0].CallID)
	}
}

func TestHub_ShutdownEndsAllCalls(t *testing.T) {
	hub, handler, url := setupTestServer(t)

	dial(t, url, nil)
	dial(t, url, nil)
	waitStarted(t, handler)
	waitStarted(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if hub.Count() != 0 {
		t.Errorf("Expected no active calls after shutdown, got %d", hub.Count())
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected connections to be refused after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %v", resp)
	}
}

func TestHub_ShutdownWhileCallsArrive(t *testing.T) {
	hub := NewHub(newHoldingHandler(), zaptest.NewLogger(t))
	go hub.Run()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for hub.track() {
				hub.calls.Done()
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	wg.Wait()

	if hub.track() {
		t.Error("Expected no new calls to be tracked after shutdown")
	}
}

func TestCallReaper_EndsOverlongCalls(t *testing.T) {
	hub, handler, url := setupTestServer(t)

	dial(t, url, nil)
	id := waitStarted(t, handler)
	eventually(t, "registration", func() bool { return hub.Count() == 1 })

	reaper := NewCallReaper(hub, time.Minute, zaptest.NewLogger(t))
	if n := reaper.runReap(); n != 0 {
		t.Errorf("Expected fresh call to survive, %d cancelled", n)
	}

	reaper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := reaper.runReap(); n != 1 {
		t.Errorf("Expected 1 call reaped, got %d", n)
	}
	if ended := waitEnded(t, handler); ended != id {
		t.Errorf("Expected %s to end, got %s", id, ended)
	}
}

func TestHintsFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   entities.HandshakeMetadata
	}{
		{
			name:   "headers",
			target: "/ws",
			header: map[string]string{"x-call-uuid": "abc", "x-caller": "+15551234567"},
			want:   entities.HandshakeMetadata{CallID: "abc", CallerID: "+15551234567"},
		},
		{
			name:   "query",
			target: "/ws?call_id=q&caller_id=%2B1555",
			want:   entities.HandshakeMetadata{CallID: "q", CallerID: "+1555"},
		},
		{
			name:   "headers win over query",
			target: "/ws?call_id=q",
			header: map[string]string{"x-call-uuid": "h"},
			want:   entities.HandshakeMetadata{CallID: "h"},
		},
		{
			name:   "none",
			target: "/ws",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := HintsFromRequest(req); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
