package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nsnw/yahk/internal/console"
	"github.com/nsnw/yahk/internal/feed"
)

type fakeStatus struct {
	err error
}

func (f fakeStatus) ServiceStatuses(context.Context) ([]console.ServiceStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []console.ServiceStatus{
		{Identifier: "irc/libera", Enabled: true, Running: true},
		{Identifier: "console", Enabled: true},
	}, nil
}

func (f fakeStatus) BridgeInfos(context.Context) ([]console.BridgeInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []console.BridgeInfo{{
		Name:  "general",
		Chats: []console.ChatInfo{{Name: "#lobby", Identifier: "#lobby"}},
	}}, nil
}

func newEcho(handlers ...interface{ Register(e *echo.Echo) }) *echo.Echo {
	e := echo.New()
	for _, h := range handlers {
		h.Register(e)
	}
	return e
}

func get(t *testing.T, e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPingAndHealth(t *testing.T) {
	t.Parallel()
	e := newEcho(NewPingHandler(nil))

	rec := get(t, e, http.MethodGet, "/ping")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected ping response %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, e, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Version.Version == "" {
		t.Fatalf("unexpected health body %+v", health)
	}

	rec = get(t, e, http.MethodHead, "/health")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("unexpected head response %d %q", rec.Code, rec.Body.String())
	}
}

func TestListServicesAndBridges(t *testing.T) {
	t.Parallel()
	e := newEcho(NewStatusHandler(nil, fakeStatus{}))

	rec := get(t, e, http.MethodGet, "/api/services")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var services ListServicesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &services); err != nil {
		t.Fatalf("decode services: %v", err)
	}
	if len(services.Items) != 2 || !services.Items[0].Running || services.Items[1].Running {
		t.Fatalf("unexpected services %+v", services.Items)
	}

	rec = get(t, e, http.MethodGet, "/api/bridges")
	var bridges ListBridgesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bridges); err != nil {
		t.Fatalf("decode bridges: %v", err)
	}
	if len(bridges.Items) != 1 || bridges.Items[0].Name != "general" || len(bridges.Items[0].Chats) != 1 {
		t.Fatalf("unexpected bridges %+v", bridges.Items)
	}
	if bridges.Items[0].Chats[0].Identifier != "#lobby" {
		t.Fatalf("unexpected chat %+v", bridges.Items[0].Chats[0])
	}
}

func TestStatusUnavailable(t *testing.T) {
	t.Parallel()
	e := newEcho(NewStatusHandler(nil, fakeStatus{err: errors.New("bot stopped")}))

	rec := get(t, e, http.MethodGet, "/api/services")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Message != "bot stopped" {
		t.Fatalf("unexpected message %q", body.Message)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEcho(NewMetricsHandler())

	rec := get(t, e, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collectors in metrics output")
	}
}

func TestFeedStreamsLines(t *testing.T) {
	t.Parallel()
	hub := feed.NewHub()
	srv := httptest.NewServer(newEcho(NewFeedHandler(nil, hub)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/feed?bridge=general"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(feed.Line{Bridge: "other", Target: "#x", Text: "skipped"})
	hub.Publish(feed.Line{Bridge: "general", Target: "#lobby", Text: "<alice@#ops> hi"})

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var line feed.Line
	if err := conn.ReadJSON(&line); err != nil {
		t.Fatalf("read line: %v", err)
	}
	if line.Bridge != "general" || line.Text != "<alice@#ops> hi" {
		t.Fatalf("unexpected line %+v", line)
	}

	_ = conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("feed subscription not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
