package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/predex/internal/pubsub"
)

type hubEnv struct {
	bus *pubsub.Bus
	hub *Hub
	url string
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	bus := pubsub.NewBus()
	hub := NewHub(bus, slog.New(slog.NewJSONHandler(io.Discard, nil)), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &hubEnv{bus: bus, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *hubEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set(UserHeader, user)
	}
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f outbound
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) outbound {
	t.Helper()
	if err := conn.WriteJSON(request{Action: "subscribe", Channels: channels}); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readFrame(t, conn)
}

func TestHub_DeliversMatchingChannels(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "")

	ack := subscribe(t, conn, "trades:*")
	if ack.Type != "subscriptions" || len(ack.Channels) != 1 || ack.Channels[0] != "trades:*" {
		t.Fatalf("ack = %+v", ack)
	}

	ctx := context.Background()
	_ = env.bus.Publish(ctx, "market:m1", []byte(`{"type":"market"}`))
	_ = env.bus.Publish(ctx, "trades:m1:o1:yes", []byte(`{"type":"trade","trade_id":"t1"}`))

	f := readFrame(t, conn)
	if f.Type != "event" || f.Channel != "trades:m1:o1:yes" {
		t.Fatalf("frame = %+v", f)
	}
	var payload struct {
		TradeID string `json:"trade_id"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil || payload.TradeID != "t1" {
		t.Fatalf("payload = %s (%v)", f.Data, err)
	}
}

func TestHub_PrivateChannelsReachOwnerOnly(t *testing.T) {
	env := newHubEnv(t)
	alice := env.dial(t, "0xalice")
	bob := env.dial(t, "0xbob")
	subscribe(t, alice, "shares:*", "market:*")
	subscribe(t, bob, "shares:*", "market:*")

	ctx := context.Background()
	_ = env.bus.Publish(ctx, "shares:0xalice", []byte(`{"user":"0xalice"}`))
	_ = env.bus.Publish(ctx, "market:m1", []byte(`{"market_id":"m1"}`))

	if f := readFrame(t, alice); f.Channel != "shares:0xalice" {
		t.Fatalf("alice first frame = %+v", f)
	}
	if f := readFrame(t, alice); f.Channel != "market:m1" {
		t.Fatalf("alice second frame = %+v", f)
	}
	// bob never sees alice's position update.
	if f := readFrame(t, bob); f.Channel != "market:m1" {
		t.Fatalf("bob frame = %+v", f)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "")
	subscribe(t, conn, "market:m1", "market:m2")

	if err := conn.WriteJSON(request{Action: "unsubscribe", Channels: []string{"market:m1"}}); err != nil {
		t.Fatal(err)
	}
	ack := readFrame(t, conn)
	if len(ack.Channels) != 1 || ack.Channels[0] != "market:m2" {
		t.Fatalf("ack = %+v", ack)
	}

	ctx := context.Background()
	_ = env.bus.Publish(ctx, "market:m1", []byte(`{}`))
	_ = env.bus.Publish(ctx, "market:m2", []byte(`{}`))
	if f := readFrame(t, conn); f.Channel != "market:m2" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestHub_RejectsBadRequests(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "")

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"malformed", `{not json`, "malformed message"},
		{"unknown action", `{"action":"publish","channels":["x"]}`, "action must be one of: subscribe, unsubscribe"},
		{"bad pattern", `{"action":"subscribe","channels":["trades:["]}`, "invalid channel pattern: trades:["},
		{"empty pattern", `{"action":"subscribe","channels":[""]}`, "invalid channel pattern: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
				t.Fatal(err)
			}
			f := readFrame(t, conn)
			if f.Type != "error" || f.Message != tt.want {
				t.Fatalf("frame = %+v, want error %q", f, tt.want)
			}
		})
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t, "")
	subscribe(t, conn, "market:*")
	if n := env.hub.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
