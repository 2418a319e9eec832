// Conversation and message caching.
//
// The cache is a thin policy layer over a key-value store. Entries carry a
// companion timestamp key, which drives two separate decisions: freshness
// (is this entry recent enough to skip a refetch) and expiry (is it too old
// to show at all). Stale-but-unexpired data is still returned so the UI has
// something to render while a background refresh runs.
package messenger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	conversationsFreshFor = 2 * time.Minute
	messagesFreshFor      = 5 * time.Minute

	conversationsMaxAge = 24 * time.Hour
	messagesMaxAge      = 72 * time.Hour

	sweepConversationsMaxAge = 7 * 24 * time.Hour
	sweepMessagesMaxAge      = 3 * 24 * time.Hour

	convKeyPrefix = "conversations_"
	msgKeyPrefix  = "messages_"
	tsKeySuffix   = "_timestamp"
)

// ============================================================================
// Stores
// ============================================================================

// CacheStore is a flat string-keyed byte store. Implementations must be
// safe for concurrent use.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Remove(key string)
	Keys() []string
}

// MemoryStore is a goroutine-safe in-memory CacheStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

func (s *MemoryStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// FileStore is a CacheStore backed by one file per key in a directory.
// Writes go through a temp file rename so a crash never leaves a torn entry.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	// Cache keys only contain [A-Za-z0-9_-], but don't trust that here.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '+'
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *FileStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return
	}
	os.Rename(tmp, p)
}

func (s *FileStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.path(key))
}

func (s *FileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys
}

// ============================================================================
// Cache
// ============================================================================

// CacheResult describes a cache read.
type CacheResult struct {
	Hit   bool
	Fresh bool // recent enough that a refetch can be skipped
	Age   time.Duration
}

// Cache applies the freshness and expiry policy over a CacheStore.
type Cache struct {
	store  CacheStore
	now    func() time.Time
	logger *slog.Logger

	// updateMu serializes read-modify-write cycles so concurrent
	// UpdateMessages calls never overwrite each other's appends.
	updateMu sync.Mutex
}

type CacheOption func(*Cache)

// WithClock overrides the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

func NewCache(store CacheStore, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func conversationsKey(userID string) string {
	return convKeyPrefix + userID
}

func messagesKey(userID, conversationID string) string {
	return msgKeyPrefix + userID + "_" + conversationID
}

// Conversations returns the cached conversation list for userID. Entries
// older than 24 hours are evicted on read and reported as a miss.
func (c *Cache) Conversations(userID string) ([]APIConversation, CacheResult) {
	key := conversationsKey(userID)
	data, res := c.read(key, conversationsMaxAge, conversationsFreshFor)
	if !res.Hit {
		return nil, res
	}
	var convs []APIConversation
	if err := json.Unmarshal(data, &convs); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		c.remove(key)
		return nil, CacheResult{}
	}
	return convs, res
}

// SetConversations stores the conversation list and stamps it as fresh.
func (c *Cache) SetConversations(userID string, convs []APIConversation) {
	c.write(conversationsKey(userID), convs)
}

// Messages returns the cached history for one conversation. Entries older
// than 72 hours are evicted on read and reported as a miss.
func (c *Cache) Messages(userID, conversationID string) ([]APIMessage, CacheResult) {
	key := messagesKey(userID, conversationID)
	data, res := c.read(key, messagesMaxAge, messagesFreshFor)
	if !res.Hit {
		return nil, res
	}
	var msgs []APIMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		c.remove(key)
		return nil, CacheResult{}
	}
	return msgs, res
}

// SetMessages stores a conversation's history and stamps it as fresh.
func (c *Cache) SetMessages(userID, conversationID string, msgs []APIMessage) {
	c.write(messagesKey(userID, conversationID), msgs)
}

// UpdateMessages applies fn to the cached history (an empty slice when there
// is none) and stores the result with a new timestamp. The whole cycle runs
// under one lock, so concurrent updates all land.
func (c *Cache) UpdateMessages(userID, conversationID string, fn func([]APIMessage) []APIMessage) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	msgs, _ := c.Messages(userID, conversationID)
	c.SetMessages(userID, conversationID, fn(msgs))
}

// RemoveConversations drops the user's conversation list entry.
func (c *Cache) RemoveConversations(userID string) {
	c.remove(conversationsKey(userID))
}

// RemoveMessages drops one conversation's history entry.
func (c *Cache) RemoveMessages(userID, conversationID string) {
	c.remove(messagesKey(userID, conversationID))
}

// Clear drops every cache entry belonging to userID.
func (c *Cache) Clear(userID string) {
	for _, key := range c.store.Keys() {
		if strings.HasSuffix(key, tsKeySuffix) {
			continue
		}
		if key == conversationsKey(userID) || strings.HasPrefix(key, msgKeyPrefix+userID+"_") {
			c.remove(key)
		}
	}
}

// Sweep prunes long-dead entries left by other users of the same store,
// typically from earlier sign-ins on a shared machine. Conversation lists
// older than 7 days and message histories older than 3 days are removed;
// entries without a readable timestamp are removed too. The current user's
// entries are left alone, their shorter on-read expiry covers them.
func (c *Cache) Sweep(currentUserID string) {
	removed := 0
	for _, key := range c.store.Keys() {
		if strings.HasSuffix(key, tsKeySuffix) {
			continue
		}

		var maxAge time.Duration
		switch {
		case strings.HasPrefix(key, convKeyPrefix):
			if strings.TrimPrefix(key, convKeyPrefix) == currentUserID {
				continue
			}
			maxAge = sweepConversationsMaxAge
		case strings.HasPrefix(key, msgKeyPrefix):
			if strings.HasPrefix(key, msgKeyPrefix+currentUserID+"_") {
				continue
			}
			maxAge = sweepMessagesMaxAge
		default:
			continue
		}

		ts, ok := c.timestamp(key)
		if !ok || c.now().Sub(ts) > maxAge {
			c.remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept stale cache entries", "removed", removed)
	}
}

// ── Internals ────────────────────────────────────────────

func (c *Cache) read(key string, maxAge, freshFor time.Duration) ([]byte, CacheResult) {
	data, ok := c.store.Get(key)
	if !ok {
		return nil, CacheResult{}
	}
	ts, ok := c.timestamp(key)
	if !ok {
		c.remove(key)
		return nil, CacheResult{}
	}
	age := c.now().Sub(ts)
	if age > maxAge {
		c.remove(key)
		return nil, CacheResult{}
	}
	return data, CacheResult{Hit: true, Fresh: age <= freshFor, Age: age}
}

func (c *Cache) write(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", "key", key, "error", err)
		return
	}
	c.store.Set(key, data)
	ms := c.now().UnixMilli()
	c.store.Set(key+tsKeySuffix, []byte(strconv.FormatInt(ms, 10)))
}

func (c *Cache) remove(key string) {
	c.store.Remove(key)
	c.store.Remove(key + tsKeySuffix)
}

func (c *Cache) timestamp(key string) (time.Time, bool) {
	raw, ok := c.store.Get(key + tsKeySuffix)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
