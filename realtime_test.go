package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wireCommand mirrors ChannelCommand with a concrete payload for assertions.
type wireCommand struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// fakeHub is a minimal push-channel server: it acks every connection with an
// authenticated frame, answers pings, and hands received commands and live
// connections to the test.
type fakeHub struct {
	server *httptest.Server
	cmds   chan wireCommand
	conns  chan *websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		cmds:  make(chan wireCommand, 16),
		conns: make(chan *websocket.Conn, 4),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	auth, _ := json.Marshal(ChannelEnvelope{
		Type:    eventAuthenticated,
		Payload: json.RawMessage(`{"userId":"user-1"}`),
	})
	if conn.Write(ctx, websocket.MessageText, auth) != nil {
		return
	}
	h.conns <- conn

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd wireCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		if cmd.Type == cmdPing {
			pong, _ := json.Marshal(ChannelEnvelope{
				Type:    "pong",
				Payload: json.RawMessage(`{"requestId":"` + cmd.Payload["requestId"] + `"}`),
			})
			conn.Write(ctx, websocket.MessageText, pong)
			continue
		}
		h.cmds <- cmd
	}
}

// push sends a server event over a hub connection.
func (h *fakeHub) push(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(ChannelEnvelope{Type: eventType, Payload: raw})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (h *fakeHub) waitCmd(t *testing.T, wantType string) wireCommand {
	t.Helper()
	select {
	case cmd := <-h.cmds:
		if cmd.Type != wantType {
			t.Fatalf("got command %q, want %q", cmd.Type, wantType)
		}
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q command", wantType)
		return wireCommand{}
	}
}

func (h *fakeHub) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitState(t *testing.T, cc *ChannelClient, want RealtimeState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cc.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", cc.State(), want)
}

func TestChannelConnectJoinsUserGroup(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "tok", "user-1")

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cc.Disconnect()

	hub.waitConn(t)
	join := hub.waitCmd(t, cmdUserJoin)
	if join.Payload["userId"] != "user-1" {
		t.Fatalf("join payload = %v", join.Payload)
	}
	if cc.State() != StateConnected {
		t.Fatalf("state = %q", cc.State())
	}
}

func TestChannelConnectIdempotent(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cc.Disconnect()
	hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	// Second call is a no-op: no second connection, no second join.
	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-hub.conns:
		t.Fatal("second Connect opened a new connection")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelDisconnectLeavesGroup(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	if err := cc.Disconnect(); err != nil {
		t.Fatal(err)
	}
	leave := hub.waitCmd(t, cmdUserLeave)
	if leave.Payload["userId"] != "user-1" {
		t.Fatalf("leave payload = %v", leave.Payload)
	}
	if cc.State() != StateDisconnected {
		t.Fatalf("state = %q", cc.State())
	}
}

func TestChannelDispatchesTypedEvents(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	messages := make(chan APIMessage, 1)
	presences := make(chan PresenceEvent, 1)
	deletions := make(chan MessageDeletedEvent, 1)
	cc.OnMessage(func(m APIMessage) { messages <- m })
	cc.OnPresenceChanged(func(p PresenceEvent) { presences <- p })
	cc.OnMessageDeleted(func(e MessageDeletedEvent) { deletions <- e })

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cc.Disconnect()
	conn := hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	hub.push(t, conn, EventMessageNew, APIMessage{ID: "msg-1", ConversationID: "conv-1", SenderID: "user-2"})
	hub.push(t, conn, EventPresenceChanged, PresenceEvent{UserID: "user-2", IsOnline: true})
	hub.push(t, conn, EventMessageDeleted, MessageDeletedEvent{MessageID: "msg-9", ConversationID: "conv-1"})

	select {
	case m := <-messages:
		if m.ID != "msg-1" || m.SenderID != "user-2" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message event never arrived")
	}
	select {
	case p := <-presences:
		if p.UserID != "user-2" || !p.IsOnline {
			t.Fatalf("unexpected presence: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("presence event never arrived")
	}
	select {
	case d := <-deletions:
		if d.MessageID != "msg-9" {
			t.Fatalf("unexpected deletion: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deletion event never arrived")
	}
}

func TestChannelUnsubscribe(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	first := make(chan APIMessage, 1)
	second := make(chan APIMessage, 1)
	unsub := cc.OnMessage(func(m APIMessage) { first <- m })
	cc.OnMessage(func(m APIMessage) { second <- m })

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cc.Disconnect()
	conn := hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	unsub()
	unsub() // double unsubscribe is safe

	hub.push(t, conn, EventMessageNew, APIMessage{ID: "msg-1"})

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("remaining handler never fired")
	}
	select {
	case <-first:
		t.Fatal("unsubscribed handler fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelReconnectRejoinsGroup(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cc.Disconnect()
	conn := hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	var statesMu sync.Mutex
	var states []RealtimeState
	cc.OnStateChange(func(s RealtimeState) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	// Server drops the connection. The first retry fires immediately, and
	// the rejoin must be sent again on the new socket.
	conn.Close(websocket.StatusGoingAway, "kick")

	hub.waitConn(t)
	rejoin := hub.waitCmd(t, cmdUserJoin)
	if rejoin.Payload["userId"] != "user-1" {
		t.Fatalf("rejoin payload = %v", rejoin.Payload)
	}
	waitState(t, cc, StateConnected)

	// The drop transitions Connected to Reconnecting directly; Disconnected
	// is reserved for intentional closes.
	statesMu.Lock()
	defer statesMu.Unlock()
	for _, s := range states {
		if s == StateDisconnected {
			t.Fatalf("observed Disconnected during a drop: %v", states)
		}
	}
}

func TestChannelNoReconnectAfterDisconnect(t *testing.T) {
	hub := newFakeHub(t)
	cc := NewChannelClient(hub.wsURL(), "", "user-1")

	if err := cc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	hub.waitConn(t)
	hub.waitCmd(t, cmdUserJoin)

	cc.Disconnect()
	hub.waitCmd(t, cmdUserLeave)

	select {
	case <-hub.conns:
		t.Fatal("client reconnected after an intentional disconnect")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	want := []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, expected := range want {
		if got := reconnectDelay(attempt); got != expected {
			t.Errorf("reconnectDelay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestChannelSendWhileDisconnected(t *testing.T) {
	cc := NewChannelClient("ws://localhost:1/ws", "", "user-1")
	err := cc.MarkMessageRead(context.Background(), "msg-1")
	if err == nil {
		t.Fatal("expected error sending while disconnected")
	}
}
