package messenger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// Message is a decrypted message ready for display.
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	Content          string
	MessageType      string
	ReplyToMessageID string
	IsRead           bool
	ReadAt           *time.Time
	CreatedAt        time.Time
	Mine             bool
}

// Conversation is a conversation summary from the session user's point of
// view, with the last-message preview decrypted.
type Conversation struct {
	ID                  string
	ParticipantID       string
	ParticipantName     string
	ParticipantAvatar   string
	LastMessage         string
	LastMessageSenderID string
	LastMessageIsRead   bool
	UnreadCount         int
	UpdatedAt           time.Time
}

// LoadPhase describes how far a resource has been loaded.
type LoadPhase string

const (
	PhaseEmpty   LoadPhase = "empty"
	PhaseLoading LoadPhase = "loading"
	PhaseReady   LoadPhase = "ready"
)

// ResourceState is the loading state of one session resource. Once a
// resource reaches PhaseReady it never goes back to PhaseLoading; later
// refetches only toggle Refreshing.
type ResourceState struct {
	Phase      LoadPhase
	FromCache  bool
	Refreshing bool
	Err        string
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session. Client and UserID are required.
type SessionConfig struct {
	Client *Client
	UserID string

	// Cache defaults to an in-memory store.
	Cache *Cache

	// Channel defaults to Client.Channel(UserID).
	Channel *ChannelClient

	Logger *slog.Logger

	// MarkReadDelay is how long after new activity in the active
	// conversation the session waits before marking it read. Defaults to
	// 500ms; rapid-fire messages coalesce into one mark-read call.
	MarkReadDelay time.Duration
}

// Session ties the REST client, cache, codec, and push channel together
// into live conversation state. All exported methods are safe for
// concurrent use.
//
// Sent messages do not appear in Messages until the server's push event
// comes back; the push channel is the single insertion path, so a message
// shows up exactly once whether it was sent locally or by the other party.
type Session struct {
	client  *Client
	cache   *Cache
	channel *ChannelClient
	userID  string
	logger  *slog.Logger

	markReadDelay time.Duration

	mu        sync.Mutex
	convs     []Conversation
	rawConvs  []APIConversation // wire form of convs, what gets cached
	msgs      []Message
	active    string
	presence  map[string]bool
	keys      map[string][]byte
	profiles  map[string]*APIUser
	convState ResourceState
	msgState  ResourceState

	markReadTimer *time.Timer
	unsubs        []func()
	closed        bool
}

// NewSession creates a session. Call Start to load state and go live.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache(NewMemoryStore(), WithCacheLogger(cfg.Logger))
	}
	if cfg.Channel == nil {
		cfg.Channel = cfg.Client.Channel(cfg.UserID)
	}
	if cfg.MarkReadDelay == 0 {
		cfg.MarkReadDelay = 500 * time.Millisecond
	}
	return &Session{
		client:        cfg.Client,
		cache:         cfg.Cache,
		channel:       cfg.Channel,
		userID:        cfg.UserID,
		logger:        cfg.Logger,
		markReadDelay: cfg.MarkReadDelay,
		presence:      make(map[string]bool),
		keys:          make(map[string][]byte),
		profiles:      make(map[string]*APIUser),
		convState:     ResourceState{Phase: PhaseEmpty},
		msgState:      ResourceState{Phase: PhaseEmpty},
	}
}

// Start sweeps stale cache entries, loads the conversation list, subscribes
// to push events, and connects the push channel. A channel connect failure
// is not fatal: the channel keeps retrying on its own schedule, and cached
// plus fetched data is already usable.
func (s *Session) Start(ctx context.Context) error {
	s.cache.Sweep(s.userID)

	if err := s.LoadConversations(ctx, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs,
		s.channel.OnMessage(s.handleMessage),
		s.channel.OnConversationUpdated(s.handleConversationUpdated),
		s.channel.OnPresenceChanged(s.handlePresence),
		s.channel.OnMessageRead(s.handleMessageRead),
		s.channel.OnMessageDeleted(s.handleMessageDeleted),
	)
	s.mu.Unlock()

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn("push channel connect failed, continuing with polling-free cached state", "error", err)
	}
	return nil
}

// Close unsubscribes from push events, stops timers, and disconnects the
// push channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
		s.markReadTimer = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return s.channel.Disconnect()
}

// Channel exposes the underlying push-channel client, e.g. to watch
// connection state.
func (s *Session) Channel() *ChannelClient {
	return s.channel
}

// ── Snapshots ────────────────────────────────────────────

// Conversations returns a copy of the current conversation list, most
// recently updated first.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Messages returns a copy of the active conversation's messages, oldest
// first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// ActiveConversation returns the selected conversation ID, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IsOnline reports the last known presence of a user.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[userID]
}

// TotalUnread returns the sum of unread counts across conversations.
func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

// ── Loading ──────────────────────────────────────────────

// ConversationsState reports the loading state of the conversation list.
func (s *Session) ConversationsState() ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convState
}

// MessagesState reports the loading state of the active message history.
func (s *Session) MessagesState() ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgState
}

// LoadConversations populates the conversation list. A cache hit is applied
// immediately; a stale hit additionally kicks off a background refresh, and
// a miss blocks on the network. force always does a blocking refetch.
func (s *Session) LoadConversations(ctx context.Context, force bool) error {
	if !force {
		if cached, res := s.cache.Conversations(s.userID); res.Hit {
			s.applyConversations(ctx, cached)
			s.mu.Lock()
			s.convState = ResourceState{Phase: PhaseReady, FromCache: true}
			if !res.Fresh {
				s.convState.Refreshing = true
			}
			s.mu.Unlock()
			if !res.Fresh {
				go s.refreshConversations()
			}
			return nil
		}
	}

	s.mu.Lock()
	if s.convState.Phase == PhaseReady {
		s.convState.Refreshing = true
	} else {
		s.convState.Phase = PhaseLoading
	}
	s.mu.Unlock()

	return s.fetchConversations(ctx)
}

func (s *Session) refreshConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.fetchConversations(ctx); err != nil {
		s.logger.Warn("background conversation refresh failed", "error", err)
	}
}

func (s *Session) fetchConversations(ctx context.Context) error {
	convs, err := s.client.ListConversations(ctx, s.userID)
	if err != nil {
		s.mu.Lock()
		haveData := len(s.convs) > 0
		s.convState.Refreshing = false
		s.convState.Err = err.Error()
		if haveData {
			s.convState.Phase = PhaseReady
		} else {
			s.convState.Phase = PhaseEmpty
		}
		s.mu.Unlock()
		if haveData {
			s.logger.Warn("conversation refresh failed, keeping current list", "error", err)
			return nil
		}
		return err
	}

	s.cache.SetConversations(s.userID, convs)
	s.applyConversations(ctx, convs)
	s.mu.Lock()
	s.convState = ResourceState{Phase: PhaseReady}
	s.mu.Unlock()
	return nil
}

func (s *Session) applyConversations(ctx context.Context, convs []APIConversation) {
	view := make([]Conversation, 0, len(convs))
	for i := range convs {
		view = append(view, s.toConversation(ctx, &convs[i]))
	}
	sortConversations(view)

	s.mu.Lock()
	s.convs = view
	s.rawConvs = append([]APIConversation(nil), convs...)
	s.mu.Unlock()
}

// persistConversationsLocked writes the wire-form conversation list through
// to the cache. Callers hold s.mu, so concurrent event handlers serialize and
// the cache always matches the in-memory list.
func (s *Session) persistConversationsLocked() {
	s.cache.SetConversations(s.userID, append([]APIConversation(nil), s.rawConvs...))
}

func (s *Session) toConversation(ctx context.Context, c *APIConversation) Conversation {
	participantID := c.ParticipantID
	if participantID == "" {
		participantID = c.OtherParticipant(s.userID)
	}

	name := c.ParticipantName
	avatar := c.ParticipantAvatar
	if name == "" {
		profile := s.profile(ctx, participantID)
		name = profile.DisplayName()
		if avatar == "" {
			avatar = profile.AvatarURL
		}
	}

	preview := c.LastMessage
	if preview != "" && c.LastMessageSenderID != "" {
		preview = SafeDecrypt(preview, s.keyFor(c.LastMessageSenderID))
	}

	updatedAt := c.UpdatedAt
	if c.LastMessageAt != nil && c.LastMessageAt.After(updatedAt) {
		updatedAt = *c.LastMessageAt
	}

	return Conversation{
		ID:                  c.ID,
		ParticipantID:       participantID,
		ParticipantName:     name,
		ParticipantAvatar:   avatar,
		LastMessage:         preview,
		LastMessageSenderID: c.LastMessageSenderID,
		LastMessageIsRead:   c.LastMessageIsRead,
		UnreadCount:         c.UnreadCount,
		UpdatedAt:           updatedAt,
	}
}

// profile resolves a user's display fields, caching the result for the
// session's lifetime. Lookup failures yield the "Unknown User" fallback so
// a dead profile service never blocks the conversation list.
func (s *Session) profile(ctx context.Context, userID string) *APIUser {
	s.mu.Lock()
	if p, ok := s.profiles[userID]; ok {
		s.mu.Unlock()
		return p
	}
	s.mu.Unlock()

	p, err := s.client.GetUser(ctx, userID)
	if err != nil {
		s.logger.Debug("profile lookup failed", "userId", userID, "error", err)
		p = &APIUser{ID: userID}
	}

	s.mu.Lock()
	s.profiles[userID] = p
	s.mu.Unlock()
	return p
}

func (s *Session) keyFor(userID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[userID]; ok {
		return k
	}
	k := DeriveKey(userID)
	s.keys[userID] = k
	return k
}

// SelectConversation makes a conversation active, loads its history, and
// schedules the deferred mark-read when there is anything unread. The unread
// badge clears only after the mark-read call succeeds.
func (s *Session) SelectConversation(ctx context.Context, conversationID string) error {
	var participantID string
	s.mu.Lock()
	s.active = conversationID
	s.msgs = nil
	s.msgState = ResourceState{Phase: PhaseEmpty}
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
		s.markReadTimer = nil
	}
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			participantID = s.convs[i].ParticipantID
		}
	}
	s.mu.Unlock()

	// Peer presence loads independently; a dead presence endpoint never
	// blocks the history.
	if participantID != "" {
		go s.refreshPresence(participantID)
	}

	if err := s.loadMessages(ctx, conversationID, false); err != nil {
		return err
	}

	s.mu.Lock()
	hasUnread := false
	for i := range s.msgs {
		if !s.msgs[i].Mine && !s.msgs[i].IsRead {
			hasUnread = true
			break
		}
	}
	s.mu.Unlock()
	if hasUnread {
		s.scheduleMarkRead(conversationID)
	}
	return nil
}

func (s *Session) refreshPresence(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	online, err := s.client.GetOnlineStatus(ctx, userID)
	if err != nil {
		s.logger.Debug("presence lookup failed", "userId", userID, "error", err)
		return
	}
	s.mu.Lock()
	s.presence[userID] = online
	s.mu.Unlock()
}

// RefreshMessages refetches the active conversation's history, bypassing
// the cache.
func (s *Session) RefreshMessages(ctx context.Context) error {
	s.mu.Lock()
	conversationID := s.active
	s.mu.Unlock()
	if conversationID == "" {
		return nil
	}
	return s.loadMessages(ctx, conversationID, true)
}

func (s *Session) loadMessages(ctx context.Context, conversationID string, force bool) error {
	if !force {
		if cached, res := s.cache.Messages(s.userID, conversationID); res.Hit {
			s.applyMessages(conversationID, cached)
			s.mu.Lock()
			s.msgState = ResourceState{Phase: PhaseReady, FromCache: true}
			if !res.Fresh {
				s.msgState.Refreshing = true
			}
			s.mu.Unlock()
			if !res.Fresh {
				go func() {
					refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := s.fetchMessages(refreshCtx, conversationID); err != nil {
						s.logger.Warn("background message refresh failed", "error", err)
					}
				}()
			}
			return nil
		}
	}

	s.mu.Lock()
	if s.msgState.Phase == PhaseReady {
		s.msgState.Refreshing = true
	} else {
		s.msgState.Phase = PhaseLoading
	}
	s.mu.Unlock()

	return s.fetchMessages(ctx, conversationID)
}

func (s *Session) fetchMessages(ctx context.Context, conversationID string) error {
	page, err := s.client.GetConversationMessages(ctx, conversationID, 1, defaultPageSize)
	if err != nil {
		s.mu.Lock()
		haveData := len(s.msgs) > 0 && s.active == conversationID
		s.msgState.Refreshing = false
		s.msgState.Err = err.Error()
		if haveData {
			s.msgState.Phase = PhaseReady
		} else if s.active == conversationID {
			s.msgState.Phase = PhaseEmpty
		}
		s.mu.Unlock()
		if haveData {
			s.logger.Warn("message refresh failed, keeping cached history", "error", err)
			return nil
		}
		return err
	}

	s.cache.SetMessages(s.userID, conversationID, page.Messages)
	s.applyMessages(conversationID, page.Messages)
	s.mu.Lock()
	if s.active == conversationID {
		s.msgState = ResourceState{Phase: PhaseReady}
	}
	s.mu.Unlock()
	return nil
}

// applyMessages replaces the active history with the decrypted, deduplicated
// view of msgs, oldest first. Ignored when the user has moved on to another
// conversation.
func (s *Session) applyMessages(conversationID string, msgs []APIMessage) {
	seen := make(map[string]struct{}, len(msgs))
	view := make([]Message, 0, len(msgs))
	for i := range msgs {
		if _, dup := seen[msgs[i].ID]; dup {
			continue
		}
		seen[msgs[i].ID] = struct{}{}
		view = append(view, s.toMessage(&msgs[i]))
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].CreatedAt.Before(view[j].CreatedAt)
	})

	s.mu.Lock()
	if s.active == conversationID {
		s.msgs = view
	}
	s.mu.Unlock()
}

func (s *Session) toMessage(m *APIMessage) Message {
	return Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Content:          SafeDecrypt(m.Content, s.keyFor(m.SenderID)),
		MessageType:      m.MessageType,
		ReplyToMessageID: m.ReplyToMessageID,
		IsRead:           m.IsRead,
		ReadAt:           m.ReadAt,
		CreatedAt:        m.CreatedAt,
		Mine:             m.SenderID == s.userID,
	}
}

// ── Write operations ─────────────────────────────────────

// SendMessage encrypts content under the session user's key and posts it to
// the active conversation. The message enters Messages only when its push
// event arrives, never from this call.
func (s *Session) SendMessage(ctx context.Context, content string) (*APIMessage, error) {
	return s.SendMessageTo(ctx, s.ActiveConversation(), content, "")
}

// SendMessageTo is SendMessage for an explicit conversation, optionally
// replying to another message.
func (s *Session) SendMessageTo(ctx context.Context, conversationID, content, replyToID string) (*APIMessage, error) {
	ciphertext, err := Encrypt(content, s.keyFor(s.userID))
	if err != nil {
		return nil, err
	}
	sent, err := s.client.SendMessage(ctx, &SendMessageRequest{
		ConversationID:   conversationID,
		SenderID:         s.userID,
		Content:          ciphertext,
		MessageType:      "text",
		ReplyToMessageID: replyToID,
	})
	if err != nil {
		return nil, err
	}

	// The history cache is now behind the server; drop it so a client that
	// never sees the push echo refetches instead of serving a list missing
	// its own message.
	s.cache.RemoveMessages(s.userID, conversationID)

	// Patch the conversation summary right away; the message list itself
	// waits for the push event.
	s.mu.Lock()
	patched := false
	for i := range s.convs {
		if s.convs[i].ID != conversationID {
			continue
		}
		s.convs[i].LastMessage = content
		s.convs[i].LastMessageSenderID = s.userID
		s.convs[i].LastMessageIsRead = false
		if sent.CreatedAt.After(s.convs[i].UpdatedAt) {
			s.convs[i].UpdatedAt = sent.CreatedAt
		}
		patched = true
	}
	for i := range s.rawConvs {
		if s.rawConvs[i].ID != conversationID {
			continue
		}
		s.rawConvs[i].LastMessage = ciphertext
		s.rawConvs[i].LastMessageSenderID = s.userID
		s.rawConvs[i].LastMessageIsRead = false
		s.rawConvs[i].LastMessageAt = &sent.CreatedAt
		if sent.CreatedAt.After(s.rawConvs[i].UpdatedAt) {
			s.rawConvs[i].UpdatedAt = sent.CreatedAt
		}
	}
	sortConversations(s.convs)
	if patched {
		s.persistConversationsLocked()
	}
	s.mu.Unlock()

	return sent, nil
}

// CreateConversation opens (or returns) the direct conversation with another
// user, adds it to the list, and returns its ID.
func (s *Session) CreateConversation(ctx context.Context, otherUserID string) (string, error) {
	conv, err := s.client.CreateConversation(ctx, s.userID, otherUserID)
	if err != nil {
		return "", err
	}

	view := s.toConversation(ctx, conv)
	s.mu.Lock()
	found := false
	for i := range s.convs {
		if s.convs[i].ID == view.ID {
			// The server's copy wins over whatever we had locally.
			s.convs[i] = view
			found = true
			break
		}
	}
	if !found {
		s.convs = append(s.convs, view)
	}
	rawFound := false
	for i := range s.rawConvs {
		if s.rawConvs[i].ID == conv.ID {
			s.rawConvs[i] = *conv
			rawFound = true
			break
		}
	}
	if !rawFound {
		s.rawConvs = append(s.rawConvs, *conv)
	}
	sortConversations(s.convs)
	s.persistConversationsLocked()
	s.mu.Unlock()

	return conv.ID, nil
}

// DeleteConversation removes a conversation remotely and locally.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.client.DeleteConversation(ctx, conversationID, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	filtered := s.convs[:0]
	for _, c := range s.convs {
		if c.ID != conversationID {
			filtered = append(filtered, c)
		}
	}
	s.convs = filtered
	rawFiltered := s.rawConvs[:0]
	for _, c := range s.rawConvs {
		if c.ID != conversationID {
			rawFiltered = append(rawFiltered, c)
		}
	}
	s.rawConvs = rawFiltered
	if s.active == conversationID {
		s.active = ""
		s.msgs = nil
		if s.markReadTimer != nil {
			s.markReadTimer.Stop()
			s.markReadTimer = nil
		}
	}
	s.persistConversationsLocked()
	s.mu.Unlock()

	s.cache.RemoveMessages(s.userID, conversationID)
	return nil
}

// DeleteMessage removes a message, preferring the push channel's invoke
// when connected and falling back to REST. Local state and cache update
// immediately; the echoed deletion event is then a no-op.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	var conversationID string
	s.mu.Lock()
	for _, m := range s.msgs {
		if m.ID == messageID {
			conversationID = m.ConversationID
		}
	}
	s.mu.Unlock()

	var err error
	if s.channel.State() == StateConnected {
		err = s.channel.DeleteMessage(ctx, messageID)
	} else {
		err = s.client.DeleteMessage(ctx, messageID, s.userID)
	}
	if err != nil {
		return err
	}

	if conversationID != "" {
		s.handleMessageDeleted(MessageDeletedEvent{
			MessageID:      messageID,
			ConversationID: conversationID,
		})
	}
	return nil
}

// ReportMessage files an abuse report for a message.
func (s *Session) ReportMessage(ctx context.Context, messageID, reason string) error {
	return s.client.ReportMessage(ctx, messageID, s.userID, reason)
}

// MarkConversationRead immediately marks the conversation read, bypassing
// the deferred timer.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := s.client.MarkMessagesRead(ctx, conversationID, s.userID)
	if err != nil {
		return err
	}
	s.markReadLocally(conversationID)
	return nil
}

// ClearCaches drops every cache entry for the session user.
func (s *Session) ClearCaches() {
	s.cache.Clear(s.userID)
}

// ── Deferred mark-read ───────────────────────────────────

// scheduleMarkRead (re)arms the mark-read timer for the active conversation.
func (s *Session) scheduleMarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.active != conversationID {
		return
	}
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
	}
	s.markReadTimer = time.AfterFunc(s.markReadDelay, func() {
		s.mu.Lock()
		stillActive := s.active == conversationID && !s.closed
		s.mu.Unlock()
		if !stillActive {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.MarkConversationRead(ctx, conversationID); err != nil {
			s.logger.Debug("deferred mark-read failed", "conversationId", conversationID, "error", err)
		}
	})
}

func (s *Session) markReadLocally(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	patched := false
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			s.convs[i].UnreadCount = 0
			if s.convs[i].LastMessageSenderID != s.userID {
				s.convs[i].LastMessageIsRead = true
			}
			patched = true
		}
	}
	for i := range s.rawConvs {
		if s.rawConvs[i].ID == conversationID {
			s.rawConvs[i].UnreadCount = 0
			if s.rawConvs[i].LastMessageSenderID != s.userID {
				s.rawConvs[i].LastMessageIsRead = true
			}
		}
	}
	if s.active == conversationID {
		for i := range s.msgs {
			if !s.msgs[i].Mine {
				s.msgs[i].IsRead = true
			}
		}
	}
	if patched {
		s.persistConversationsLocked()
	}
}

// ── Push event reconciliation ────────────────────────────

func (s *Session) handleMessage(m APIMessage) {
	msg := s.toMessage(&m)

	s.cache.UpdateMessages(s.userID, m.ConversationID, func(cached []APIMessage) []APIMessage {
		for i := range cached {
			if cached[i].ID == m.ID {
				return cached
			}
		}
		return append(cached, m)
	})

	s.mu.Lock()
	isActive := s.active == m.ConversationID

	if isActive {
		dup := false
		for i := range s.msgs {
			if s.msgs[i].ID == msg.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.msgs = append(s.msgs, msg)
			sort.SliceStable(s.msgs, func(i, j int) bool {
				return s.msgs[i].CreatedAt.Before(s.msgs[j].CreatedAt)
			})
		}
	}

	patched := false
	for i := range s.convs {
		if s.convs[i].ID != m.ConversationID {
			continue
		}
		s.convs[i].LastMessage = msg.Content
		s.convs[i].LastMessageSenderID = m.SenderID
		s.convs[i].LastMessageIsRead = m.IsRead
		s.convs[i].UpdatedAt = m.CreatedAt
		// Unread only grows for inbound messages landing outside the
		// conversation the user is looking at.
		if !msg.Mine && !isActive {
			s.convs[i].UnreadCount++
		}
		patched = true
	}
	for i := range s.rawConvs {
		if s.rawConvs[i].ID != m.ConversationID {
			continue
		}
		s.rawConvs[i].LastMessage = m.Content
		s.rawConvs[i].LastMessageSenderID = m.SenderID
		s.rawConvs[i].LastMessageIsRead = m.IsRead
		s.rawConvs[i].LastMessageAt = &m.CreatedAt
		s.rawConvs[i].UpdatedAt = m.CreatedAt
		if !msg.Mine && !isActive {
			s.rawConvs[i].UnreadCount++
		}
	}
	sortConversations(s.convs)
	if patched {
		s.persistConversationsLocked()
	}
	s.mu.Unlock()

	if isActive && !msg.Mine {
		s.scheduleMarkRead(m.ConversationID)
	}
}

func (s *Session) handleConversationUpdated(c APIConversation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view := s.toConversation(ctx, &c)

	s.mu.Lock()
	// Keep the locally cleared unread count for the conversation the user
	// is looking at.
	if s.active == view.ID {
		view.UnreadCount = 0
		c.UnreadCount = 0
	}
	found := false
	for i := range s.convs {
		if s.convs[i].ID == view.ID {
			s.convs[i] = view
			found = true
			break
		}
	}
	if !found {
		s.convs = append(s.convs, view)
	}
	rawFound := false
	for i := range s.rawConvs {
		if s.rawConvs[i].ID == c.ID {
			s.rawConvs[i] = c
			rawFound = true
			break
		}
	}
	if !rawFound {
		s.rawConvs = append(s.rawConvs, c)
	}
	sortConversations(s.convs)
	s.persistConversationsLocked()
	s.mu.Unlock()
}

func (s *Session) handlePresence(p PresenceEvent) {
	s.mu.Lock()
	s.presence[p.UserID] = p.IsOnline
	s.mu.Unlock()
}

func (s *Session) handleMessageRead(e MessageReadEvent) {
	if e.ReaderID == s.userID {
		return
	}

	s.cache.UpdateMessages(s.userID, e.ConversationID, func(cached []APIMessage) []APIMessage {
		for i := range cached {
			if cached[i].SenderID != s.userID {
				continue
			}
			if e.MessageID == "" || cached[i].ID == e.MessageID {
				cached[i].IsRead = true
				if e.ReadAt != nil {
					cached[i].ReadAt = e.ReadAt
				}
			}
		}
		return cached
	})

	s.mu.Lock()
	if s.active == e.ConversationID {
		for i := range s.msgs {
			if !s.msgs[i].Mine {
				continue
			}
			if e.MessageID == "" || s.msgs[i].ID == e.MessageID {
				s.msgs[i].IsRead = true
				if e.ReadAt != nil {
					s.msgs[i].ReadAt = e.ReadAt
				}
			}
		}
	}
	patched := false
	for i := range s.convs {
		if s.convs[i].ID == e.ConversationID && s.convs[i].LastMessageSenderID == s.userID {
			s.convs[i].LastMessageIsRead = true
			patched = true
		}
	}
	for i := range s.rawConvs {
		if s.rawConvs[i].ID == e.ConversationID && s.rawConvs[i].LastMessageSenderID == s.userID {
			s.rawConvs[i].LastMessageIsRead = true
		}
	}
	if patched {
		s.persistConversationsLocked()
	}
	s.mu.Unlock()
}

func (s *Session) handleMessageDeleted(e MessageDeletedEvent) {
	wasUnreadInbound := false
	s.cache.UpdateMessages(s.userID, e.ConversationID, func(cached []APIMessage) []APIMessage {
		filtered := cached[:0]
		for _, m := range cached {
			if m.ID != e.MessageID {
				filtered = append(filtered, m)
				continue
			}
			if m.SenderID != s.userID && !m.IsRead {
				wasUnreadInbound = true
			}
		}
		return filtered
	})

	s.mu.Lock()
	if s.active == e.ConversationID {
		filtered := s.msgs[:0]
		for _, m := range s.msgs {
			if m.ID != e.MessageID {
				filtered = append(filtered, m)
				continue
			}
			if !m.Mine && !m.IsRead {
				wasUnreadInbound = true
			}
		}
		s.msgs = filtered
	}
	if wasUnreadInbound {
		patched := false
		for i := range s.convs {
			if s.convs[i].ID == e.ConversationID && s.convs[i].UnreadCount > 0 {
				s.convs[i].UnreadCount--
				patched = true
			}
		}
		for i := range s.rawConvs {
			if s.rawConvs[i].ID == e.ConversationID && s.rawConvs[i].UnreadCount > 0 {
				s.rawConvs[i].UnreadCount--
			}
		}
		if patched {
			s.persistConversationsLocked()
		}
	}
	s.mu.Unlock()
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
