package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/auth"
	"github.com/satriahrh/callbridge/internal/bridge"
	"github.com/satriahrh/callbridge/internal/websocket"
)

type recordingHandler struct {
	hints chan entities.HandshakeMetadata
}

func (h *recordingHandler) HandleCall(ctx context.Context, conn bridge.TelephonyConn, call *entities.CallSession, hints entities.HandshakeMetadata) error {
	h.hints <- hints
	<-ctx.Done()
	return conn.Close()
}

type fakeRecords struct {
	records []*entities.CallRecord
}

func (f *fakeRecords) RecentCalls(ctx context.Context, limit int) ([]*entities.CallRecord, error) {
	if len(f.records) > limit {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeRecords) CallHistory(ctx context.Context, callID string) ([]*entities.CallRecord, error) {
	var out []*entities.CallRecord
	for _, r := range f.records {
		if r.CallID == callID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, repositories.ErrCallRecordNotFound
	}
	return out, nil
}

func setupServer(t *testing.T, tokens *auth.TokenAuthenticator) (*httptest.Server, *recordingHandler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	handler := &recordingHandler{hints: make(chan entities.HandshakeMetadata, 4)}
	hub := websocket.NewHub(handler, logger)
	go hub.Run()

	records := &fakeRecords{records: []*entities.CallRecord{
		{ConnectionID: "c1", CallID: "abc", FinalState: entities.CallStateClosed},
		{ConnectionID: "c2", CallID: "def", FinalState: entities.CallStateFailed},
	}}

	e := echo.New()
	InitRoutes(e, Dependencies{Hub: hub, Records: records, Tokens: tokens, Provider: "mock"}, logger)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		server.Close()
	})
	return server, handler
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := setupServer(t, nil)

	for _, path := range []string{"/", "/health", "/ping"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		var body HealthResponse
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if body.Status != "ok" || body.Provider != "mock" {
			t.Errorf("%s: unexpected body %+v", path, body)
		}
	}
}

func TestCallHistoryEndpoints(t *testing.T) {
	server, _ := setupServer(t, nil)

	resp, err := http.Get(server.URL + "/api/v1/calls/history?limit=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var recent []entities.CallRecord
	json.NewDecoder(resp.Body).Decode(&recent)
	resp.Body.Close()
	if len(recent) != 1 {
		t.Errorf("Expected 1 record, got %d", len(recent))
	}

	resp, _ = http.Get(server.URL + "/api/v1/calls/history?limit=abc")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}

	resp, _ = http.Get(server.URL + "/api/v1/calls/def/history")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for known call, got %d", resp.StatusCode)
	}

	resp, _ = http.Get(server.URL + "/api/v1/calls/missing/history")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown call, got %d", resp.StatusCode)
	}
}

func TestActiveCallsEndpoint(t *testing.T) {
	server, handler := setupServer(t, nil)

	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(server)+"?call_id=abc", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	<-handler.hints

	var body websocket.CallsResponse
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(server.URL + "/api/v1/calls")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if body.Count == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if body.Count != 1 || len(body.Calls) != 1 {
		t.Fatalf("Expected 1 active call, got %+v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/calls/"+body.Calls[0].ConnectionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, server.URL+"/api/v1/calls/unknown", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	tokens, _ := auth.NewTokenAuthenticator("test-secret")
	server, handler := setupServer(t, tokens)

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL(server), nil)
	if err == nil {
		t.Fatal("Expected connection without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}

	_, resp, err = gorilla.DefaultDialer.Dial(wsURL(server)+"?token=garbage", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %v", err)
	}

	token, _ := tokens.GenerateConnectionToken("abc", "+15551234567", time.Minute)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(websocket.HeaderCallUUID, "header-call")
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("Expected authorized connection, got %v", err)
	}
	defer conn.Close()

	select {
	case hints := <-handler.hints:
		if hints.CallID != "abc" || hints.CallerID != "+15551234567" {
			t.Errorf("Expected hints from token claims, got %+v", hints)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call was not handed to the handler")
	}
}
