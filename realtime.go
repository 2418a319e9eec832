package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first frame the server sends on a new
// connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PresenceEvent is sent when a user's online status changes.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// MessageReadEvent is sent when the other party reads messages.
type MessageReadEvent struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId,omitempty"`
	ReaderID       string     `json:"readerId"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// MessageDeletedEvent is sent when a message is removed.
type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ChannelEnvelope is the wire format for all push-channel frames.
type ChannelEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelCommand is a client-to-server frame.
type ChannelCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Server event types.
const (
	eventAuthenticated       = "authenticated"
	EventMessageNew          = "message.new"
	EventConversationUpdated = "conversation.updated"
	EventPresenceChanged     = "presence.changed"
	EventMessageRead         = "message.read"
	EventMessageDeleted      = "message.deleted"
)

// Client command types.
const (
	cmdUserJoin        = "user.join"
	cmdUserLeave       = "user.leave"
	cmdMessageMarkRead = "message.markread"
	cmdMessageDelete   = "message.delete"
	cmdPing            = "ping"
)

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Fixed reconnect schedule. The last delay repeats until the connection
// comes back or Disconnect is called.
var reconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func reconnectDelay(attempt int) time.Duration {
	if attempt >= len(reconnectDelays) {
		return reconnectDelays[len(reconnectDelays)-1]
	}
	return reconnectDelays[attempt]
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// ChannelEventHandler is the generic event callback type.
type ChannelEventHandler func(eventType string, payload json.RawMessage)

type channelDispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	onMessage      map[uint64]func(APIMessage)
	onConversation map[uint64]func(APIConversation)
	onPresence     map[uint64]func(PresenceEvent)
	onRead         map[uint64]func(MessageReadEvent)
	onDeleted      map[uint64]func(MessageDeletedEvent)
	onState        map[uint64]func(RealtimeState)
	generic        map[string]map[uint64]ChannelEventHandler
}

func newChannelDispatcher() *channelDispatcher {
	return &channelDispatcher{
		onMessage:      make(map[uint64]func(APIMessage)),
		onConversation: make(map[uint64]func(APIConversation)),
		onPresence:     make(map[uint64]func(PresenceEvent)),
		onRead:         make(map[uint64]func(MessageReadEvent)),
		onDeleted:      make(map[uint64]func(MessageDeletedEvent)),
		onState:        make(map[uint64]func(RealtimeState)),
		generic:        make(map[string]map[uint64]ChannelEventHandler),
	}
}

func (d *channelDispatcher) dispatch(env ChannelEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventMessageNew:
		var p APIMessage
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessage {
				go h(p)
			}
		}
	case EventConversationUpdated:
		var p APIConversation
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConversation {
				go h(p)
			}
		}
	case EventPresenceChanged:
		var p PresenceEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				go h(p)
			}
		}
	case EventMessageRead:
		var p MessageReadEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onRead {
				go h(p)
			}
		}
	case EventMessageDeleted:
		var p MessageDeletedEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDeleted {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *channelDispatcher) emitState(state RealtimeState) {
	d.mu.RLock()
	handlers := make([]func(RealtimeState), 0, len(d.onState))
	for _, h := range d.onState {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(state)
	}
}

// ============================================================================
// ChannelClient
// ============================================================================

// ChannelClient maintains the push-channel websocket connection. It
// reconnects on a fixed schedule after unexpected drops and re-registers the
// user's event group on every successful connect, so event delivery resumes
// without caller involvement.
type ChannelClient struct {
	wsURL  string
	token  string
	userID string
	logger *slog.Logger

	heartbeatInterval time.Duration

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	attempt          int

	dispatcher *channelDispatcher

	pingCounter  int
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

type ChannelOption func(*ChannelClient)

func WithHeartbeatInterval(interval time.Duration) ChannelOption {
	return func(cc *ChannelClient) { cc.heartbeatInterval = interval }
}

func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(cc *ChannelClient) { cc.logger = logger }
}

// NewChannelClient creates a push-channel client for the given websocket
// endpoint. Most callers should use Client.Channel instead.
func NewChannelClient(wsURL, token, userID string, opts ...ChannelOption) *ChannelClient {
	cc := newChannelClient(wsURL, token, userID, slog.Default())
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

func newChannelClient(wsURL, token, userID string, logger *slog.Logger) *ChannelClient {
	return &ChannelClient{
		wsURL:             wsURL,
		token:             token,
		userID:            userID,
		logger:            logger,
		heartbeatInterval: 25 * time.Second,
		state:             StateDisconnected,
		dispatcher:        newChannelDispatcher(),
		pendingPings:      make(map[string]chan PongPayload),
	}
}

// ── Subscriptions ────────────────────────────────────────

func (cc *ChannelClient) subscribe(register func(id uint64), remove func(id uint64)) func() {
	cc.dispatcher.mu.Lock()
	cc.dispatcher.nextID++
	id := cc.dispatcher.nextID
	register(id)
	cc.dispatcher.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cc.dispatcher.mu.Lock()
			remove(id)
			cc.dispatcher.mu.Unlock()
		})
	}
}

// OnMessage registers a handler for inbound messages. The returned func
// removes the handler.
func (cc *ChannelClient) OnMessage(h func(APIMessage)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onMessage[id] = h },
		func(id uint64) { delete(cc.dispatcher.onMessage, id) },
	)
}

// OnConversationUpdated registers a handler for conversation summary updates.
func (cc *ChannelClient) OnConversationUpdated(h func(APIConversation)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onConversation[id] = h },
		func(id uint64) { delete(cc.dispatcher.onConversation, id) },
	)
}

// OnPresenceChanged registers a handler for presence changes.
func (cc *ChannelClient) OnPresenceChanged(h func(PresenceEvent)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onPresence[id] = h },
		func(id uint64) { delete(cc.dispatcher.onPresence, id) },
	)
}

// OnMessageRead registers a handler for read receipts.
func (cc *ChannelClient) OnMessageRead(h func(MessageReadEvent)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onRead[id] = h },
		func(id uint64) { delete(cc.dispatcher.onRead, id) },
	)
}

// OnMessageDeleted registers a handler for message deletions.
func (cc *ChannelClient) OnMessageDeleted(h func(MessageDeletedEvent)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onDeleted[id] = h },
		func(id uint64) { delete(cc.dispatcher.onDeleted, id) },
	)
}

// OnStateChange registers a handler invoked on every connection state
// transition.
func (cc *ChannelClient) OnStateChange(h func(RealtimeState)) func() {
	return cc.subscribe(
		func(id uint64) { cc.dispatcher.onState[id] = h },
		func(id uint64) { delete(cc.dispatcher.onState, id) },
	)
}

// On registers a generic handler for a raw event type.
func (cc *ChannelClient) On(eventType string, h ChannelEventHandler) func() {
	return cc.subscribe(
		func(id uint64) {
			if cc.dispatcher.generic[eventType] == nil {
				cc.dispatcher.generic[eventType] = make(map[uint64]ChannelEventHandler)
			}
			cc.dispatcher.generic[eventType][id] = h
		},
		func(id uint64) { delete(cc.dispatcher.generic[eventType], id) },
	)
}

// State returns the current connection state.
func (cc *ChannelClient) State() RealtimeState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

func (cc *ChannelClient) setState(state RealtimeState) {
	cc.mu.Lock()
	changed := cc.state != state
	cc.state = state
	cc.mu.Unlock()
	if changed {
		cc.dispatcher.emitState(state)
	}
}

// ── Connection lifecycle ─────────────────────────────────

// Connect establishes the websocket connection and joins the user's event
// group. Calling Connect while connected or connecting is a no-op.
func (cc *ChannelClient) Connect(ctx context.Context) error {
	cc.mu.Lock()
	if cc.state == StateConnected || cc.state == StateConnecting {
		cc.mu.Unlock()
		return nil
	}
	cc.state = StateConnecting
	cc.intentionalClose = false
	cc.mu.Unlock()
	cc.dispatcher.emitState(StateConnecting)

	conn, err := cc.dial(ctx)
	if err != nil {
		cc.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cc.mu.Lock()
	cc.conn = conn
	cc.cancelFn = cancel
	cc.attempt = 0
	cc.state = StateConnected
	cc.mu.Unlock()
	cc.dispatcher.emitState(StateConnected)

	// The group join must follow every connect, including reconnects, or
	// the server stops routing this user's events to the socket.
	if err := cc.joinGroup(ctx, conn); err != nil {
		cc.logger.Warn("user group join failed", "error", err)
	}

	go cc.readLoop(connCtx, conn)
	go cc.heartbeatLoop(connCtx)

	return nil
}

func (cc *ChannelClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u := cc.wsURL + "?userId=" + cc.userID
	if cc.token != "" {
		u += "&token=" + cc.token
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame is the server's auth acknowledgement.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	var env ChannelEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != eventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q frame, got %q", eventAuthenticated, env.Type)
	}

	return conn, nil
}

func (cc *ChannelClient) joinGroup(ctx context.Context, conn *websocket.Conn) error {
	return cc.write(ctx, conn, &ChannelCommand{
		Type:    cmdUserJoin,
		Payload: map[string]string{"userId": cc.userID},
	})
}

// Disconnect leaves the user's event group and closes the connection.
// No reconnect is attempted afterwards.
func (cc *ChannelClient) Disconnect() error {
	cc.mu.Lock()
	cc.intentionalClose = true
	conn := cc.conn
	cc.conn = nil
	cancel := cc.cancelFn
	cc.cancelFn = nil
	cc.state = StateDisconnected
	cc.mu.Unlock()

	cc.clearPendingPings()

	// The leave command goes out before the loops are torn down: cancelling
	// a pending read closes the socket.
	var err error
	if conn != nil {
		writeCtx, cancelWrite := context.WithTimeout(context.Background(), 2*time.Second)
		cc.write(writeCtx, conn, &ChannelCommand{
			Type:    cmdUserLeave,
			Payload: map[string]string{"userId": cc.userID},
		})
		cancelWrite()
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	cc.dispatcher.emitState(StateDisconnected)
	return err
}

// ── Commands ─────────────────────────────────────────────

// MarkMessageRead notifies the server a message was read, so the sender
// gets a read receipt without a REST round trip.
func (cc *ChannelClient) MarkMessageRead(ctx context.Context, messageID string) error {
	return cc.Send(ctx, &ChannelCommand{
		Type:    cmdMessageMarkRead,
		Payload: map[string]string{"messageId": messageID, "userId": cc.userID},
	})
}

// DeleteMessage requests a message deletion over the push channel.
func (cc *ChannelClient) DeleteMessage(ctx context.Context, messageID string) error {
	return cc.Send(ctx, &ChannelCommand{
		Type:    cmdMessageDelete,
		Payload: map[string]string{"messageId": messageID, "userId": cc.userID},
	})
}

// Send sends a raw command over the websocket.
func (cc *ChannelClient) Send(ctx context.Context, cmd *ChannelCommand) error {
	cc.mu.Lock()
	conn := cc.conn
	cc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return cc.write(ctx, conn, cmd)
}

func (cc *ChannelClient) write(ctx context.Context, conn *websocket.Conn, cmd *ChannelCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (cc *ChannelClient) Ping(ctx context.Context) (*PongPayload, error) {
	cc.pendingMu.Lock()
	cc.pingCounter++
	requestID := fmt.Sprintf("ping-%d", cc.pingCounter)
	ch := make(chan PongPayload, 1)
	cc.pendingPings[requestID] = ch
	cc.pendingMu.Unlock()

	err := cc.Send(ctx, &ChannelCommand{
		Type:    cmdPing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		cc.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		cc.dropPendingPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		cc.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

func (cc *ChannelClient) dropPendingPing(requestID string) {
	cc.pendingMu.Lock()
	delete(cc.pendingPings, requestID)
	cc.pendingMu.Unlock()
}

func (cc *ChannelClient) clearPendingPings() {
	cc.pendingMu.Lock()
	for k, ch := range cc.pendingPings {
		close(ch)
		delete(cc.pendingPings, k)
	}
	cc.pendingMu.Unlock()
}

// ── Loops ────────────────────────────────────────────────

func (cc *ChannelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cc.mu.Lock()
			intentional := cc.intentionalClose
			cancel := cc.cancelFn
			if cc.conn == conn {
				cc.conn = nil
				cc.cancelFn = nil
			}
			cc.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}
			if cancel != nil {
				cancel()
			}

			cc.logger.Info("push channel dropped", "error", err)
			// An unexpected drop goes straight to Reconnecting, with no
			// intermediate Disconnected state.
			cc.setState(StateReconnecting)
			go cc.reconnectLoop()
			return
		}

		var env ChannelEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				cc.pendingMu.Lock()
				ch, ok := cc.pendingPings[p.RequestID]
				if ok {
					delete(cc.pendingPings, p.RequestID)
				}
				cc.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		cc.dispatcher.dispatch(env)
	}
}

func (cc *ChannelClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(cc.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cc.State() != StateConnected {
				return
			}
			if _, err := cc.Ping(ctx); err != nil {
				cc.mu.Lock()
				conn := cc.conn
				cc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (cc *ChannelClient) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		cc.mu.Lock()
		if cc.intentionalClose {
			cc.mu.Unlock()
			return
		}
		cc.attempt = attempt
		cc.mu.Unlock()

		delay := reconnectDelay(attempt)
		cc.setState(StateReconnecting)
		if delay > 0 {
			time.Sleep(delay)
		}

		cc.mu.Lock()
		if cc.intentionalClose {
			cc.mu.Unlock()
			return
		}
		cc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := cc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		cc.logger.Info("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}
}
