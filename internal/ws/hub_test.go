package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"graze/internal/apperr"
	"graze/internal/model"
	"graze/internal/registry"
)

type fakeFeed struct {
	ch chan registry.Delta
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan registry.Delta, 16)}
}

func (f *fakeFeed) Deltas() <-chan registry.Delta { return f.ch }
func (f *fakeFeed) Close() error                  { return nil }

type fakeSchemas struct {
	protected map[string]bool
}

func (f *fakeSchemas) RegisteredIngester(_ context.Context, name string) (map[string]any, error) {
	p, ok := f.protected[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, name)
	}
	return map[string]any{"name": name, "protected": p}, nil
}

func testUser(status model.UserStatus) *model.User {
	return &model.User{UID: "feedfacefeedface", Status: status}
}

// newTestHub serves the hub over httptest and returns a dialer bound to
// it. The status query parameter selects the principal.
func newTestHub(t *testing.T, cfg Config, schemas *fakeSchemas) (*Hub, func(status model.UserStatus) *websocket.Conn) {
	t.Helper()
	if schemas == nil {
		schemas = &fakeSchemas{}
	}
	hub := NewHub(cfg, schemas, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Handle(w, r, testUser(model.UserStatus(r.URL.Query().Get("status"))))
	}))
	t.Cleanup(srv.Close)

	dial := func(status model.UserStatus) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?status=" + string(status)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	return hub, dial
}

func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func sendAction(t *testing.T, conn *websocket.Conn, action string, topics ...string) {
	t.Helper()
	if err := conn.WriteJSON(clientMessage{Action: action, Topics: topics}); err != nil {
		t.Fatalf("write %s: %v", action, err)
	}
}

func TestSubscribeAndReceiveFiltered(t *testing.T) {
	hub, dial := newTestHub(t, Config{}, nil)
	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, feed)

	conn := dial(model.StatusPublic)
	sendAction(t, conn, actionSubscribe, "BTCUSD")
	if ack := readFrame(t, conn); ack.Type != frameSubscribed || len(ack.Topics) != 1 {
		t.Fatalf("ack = %+v", ack)
	}

	feed.ch <- registry.Delta{Topic: "BTCUSD", Data: map[string]any{
		"price":         42.5,
		"_raw":          "secret",
		"fee_protected": 0.1,
		"internal":      true,
	}}

	msg := readFrame(t, conn)
	if msg.Type != frameData || msg.Topic != "BTCUSD" {
		t.Fatalf("data frame = %+v", msg)
	}
	if msg.Data["price"] != 42.5 {
		t.Errorf("price = %v", msg.Data["price"])
	}
	for _, k := range []string{"_raw", "fee_protected", "internal"} {
		if _, ok := msg.Data[k]; ok {
			t.Errorf("filtered key %q leaked to public client", k)
		}
	}
	if msg.Timestamp == "" {
		t.Error("data frame missing timestamp")
	}
}

func TestAdminSeesAllFields(t *testing.T) {
	hub, dial := newTestHub(t, Config{}, nil)
	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, feed)

	conn := dial(model.StatusAdmin)
	sendAction(t, conn, actionSubscribe, "BTCUSD")
	readFrame(t, conn)

	feed.ch <- registry.Delta{Topic: "BTCUSD", Data: map[string]any{"price": 1.0, "_raw": "x"}}
	msg := readFrame(t, conn)
	if msg.Data["_raw"] != "x" {
		t.Errorf("admin payload = %v", msg.Data)
	}
}

func TestAccessDeniedForAnonymous(t *testing.T) {
	hub, dial := newTestHub(t, Config{}, nil)

	conn := dial(model.StatusAnonymous)
	sendAction(t, conn, actionSubscribe, "sys.users")

	msg := readFrame(t, conn)
	if msg.Type != frameError || msg.Message != "Access denied: [sys.users]" {
		t.Fatalf("frame = %+v", msg)
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.byTopic) != 0 {
		t.Error("denied subscribe must not register a topic")
	}
}

func TestProtectedResourceGating(t *testing.T) {
	schemas := &fakeSchemas{protected: map[string]bool{"whale.flows": true}}
	_, dial := newTestHub(t, Config{}, schemas)

	pub := dial(model.StatusPublic)
	sendAction(t, pub, actionSubscribe, "whale.flows")
	if msg := readFrame(t, pub); msg.Type != frameError {
		t.Fatalf("public subscribe to protected resource: %+v", msg)
	}

	admin := dial(model.StatusAdmin)
	sendAction(t, admin, actionSubscribe, "whale.flows")
	if msg := readFrame(t, admin); msg.Type != frameSubscribed {
		t.Fatalf("admin subscribe to protected resource: %+v", msg)
	}
}

func TestAllowListGlob(t *testing.T) {
	_, dial := newTestHub(t, Config{AllowedTopics: []string{"prices.*"}}, nil)

	conn := dial(model.StatusPublic)
	sendAction(t, conn, actionSubscribe, "prices.BTCUSD", "volumes.BTCUSD")

	msg := readFrame(t, conn)
	if msg.Type != frameError || !strings.Contains(msg.Message, "volumes.BTCUSD") {
		t.Fatalf("deny frame = %+v", msg)
	}
	ack := readFrame(t, conn)
	if ack.Type != frameSubscribed || len(ack.Topics) != 1 || ack.Topics[0] != "prices.BTCUSD" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestPingPong(t *testing.T) {
	_, dial := newTestHub(t, Config{}, nil)
	conn := dial(model.StatusPublic)
	sendAction(t, conn, actionPing)
	msg := readFrame(t, conn)
	if msg.Type != framePong || msg.Timestamp == "" {
		t.Fatalf("pong = %+v", msg)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, dial := newTestHub(t, Config{}, nil)
	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, feed)

	conn := dial(model.StatusPublic)
	sendAction(t, conn, actionSubscribe, "BTCUSD")
	readFrame(t, conn)

	sendAction(t, conn, actionUnsubscribe, "BTCUSD")
	if msg := readFrame(t, conn); msg.Type != frameUnsubscribed {
		t.Fatalf("unsubscribe ack = %+v", msg)
	}

	feed.ch <- registry.Delta{Topic: "BTCUSD", Data: map[string]any{"price": 1.0}}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected frame after unsubscribe: %+v", msg)
	}
}

func TestSubscribeRateLimited(t *testing.T) {
	cfg := Config{SubscribeRate: rate.Every(time.Hour), SubscribeBurst: 2}
	_, dial := newTestHub(t, cfg, nil)

	conn := dial(model.StatusPublic)
	// First subscribe costs 2 tokens (request + one topic), draining
	// the burst.
	sendAction(t, conn, actionSubscribe, "BTCUSD")
	if msg := readFrame(t, conn); msg.Type != frameSubscribed {
		t.Fatalf("first subscribe: %+v", msg)
	}
	sendAction(t, conn, actionSubscribe, "ETHUSD")
	msg := readFrame(t, conn)
	if msg.Type != frameError || !strings.Contains(msg.Message, "rate") {
		t.Fatalf("throttled subscribe = %+v", msg)
	}
}

func TestLifetimeSweep(t *testing.T) {
	hub, dial := newTestHub(t, Config{MaxLifetime: time.Hour}, nil)

	conn := dial(model.StatusPublic)
	sendAction(t, conn, actionPing)
	readFrame(t, conn)

	// Jump the clock past the lifetime.
	hub.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	hub.sweepLifetimes()

	msg := readFrame(t, conn)
	if msg.Type != frameDisconnect || msg.Code != websocket.CloseGoingAway {
		t.Fatalf("disconnect frame = %+v", msg)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d", hub.ClientCount())
	}
}

func TestExcessSweepEvictsOldest(t *testing.T) {
	hub, dial := newTestHub(t, Config{MaxClients: 1}, nil)

	first := dial(model.StatusPublic)
	sendAction(t, first, actionPing)
	readFrame(t, first)
	time.Sleep(10 * time.Millisecond)

	second := dial(model.StatusPublic)
	sendAction(t, second, actionPing)
	readFrame(t, second)

	hub.sweepExcess()

	msg := readFrame(t, first)
	if msg.Type != frameDisconnect {
		t.Fatalf("oldest client frame = %+v", msg)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("clients = %d", hub.ClientCount())
	}

	// Survivor still works.
	sendAction(t, second, actionPing)
	if msg := readFrame(t, second); msg.Type != framePong {
		t.Fatalf("survivor ping = %+v", msg)
	}
}

func TestFilteredPayloadCache(t *testing.T) {
	hub := NewHub(Config{}, &fakeSchemas{}, nil)

	got := hub.filteredPayload("T", false, map[string]any{"a": 1, "_b": 2})
	if _, ok := got["_b"]; ok || got["a"] != 1 {
		t.Fatalf("filtered = %v", got)
	}

	// Within the TTL the cached view is served even for new data.
	again := hub.filteredPayload("T", false, map[string]any{"c": 3})
	if _, ok := again["a"]; !ok {
		t.Error("expected cached payload within TTL")
	}

	hub.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	fresh := hub.filteredPayload("T", false, map[string]any{"c": 3})
	if _, ok := fresh["c"]; !ok {
		t.Error("expected fresh payload after TTL")
	}
}
