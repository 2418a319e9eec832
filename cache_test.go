package messenger

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func sampleConversations() []APIConversation {
	return []APIConversation{
		{ID: "conv-1", InitiatorID: "user-1", ReceiverID: "user-2"},
		{ID: "conv-2", InitiatorID: "user-1", ReceiverID: "user-3"},
	}
}

func sampleMessages(conversationID string) []APIMessage {
	return []APIMessage{
		{ID: "msg-1", ConversationID: conversationID, SenderID: "user-2", Content: "hi"},
		{ID: "msg-2", ConversationID: conversationID, SenderID: "user-1", Content: "hello"},
	}
}

func TestCacheConversationsFreshness(t *testing.T) {
	now, clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := NewCache(NewMemoryStore(), WithClock(clock))

	if _, res := cache.Conversations("user-1"); res.Hit {
		t.Fatal("expected miss on empty cache")
	}

	cache.SetConversations("user-1", sampleConversations())

	convs, res := cache.Conversations("user-1")
	if !res.Hit || !res.Fresh {
		t.Fatalf("expected fresh hit, got %+v", res)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}

	// Past the freshness window the entry is still served, just stale.
	*now = now.Add(3 * time.Minute)
	_, res = cache.Conversations("user-1")
	if !res.Hit || res.Fresh {
		t.Fatalf("expected stale hit after 3m, got %+v", res)
	}

	// Past the expiry ceiling the entry is evicted.
	*now = now.Add(24 * time.Hour)
	if _, res := cache.Conversations("user-1"); res.Hit {
		t.Fatal("expected miss after expiry")
	}
	if _, ok := cache.store.Get(conversationsKey("user-1")); ok {
		t.Error("expired entry was not evicted from the store")
	}
}

func TestCacheMessagesFreshness(t *testing.T) {
	now, clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := NewCache(NewMemoryStore(), WithClock(clock))

	cache.SetMessages("user-1", "conv-1", sampleMessages("conv-1"))

	_, res := cache.Messages("user-1", "conv-1")
	if !res.Hit || !res.Fresh {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	// Messages stay fresh longer than conversation lists.
	*now = now.Add(4 * time.Minute)
	_, res = cache.Messages("user-1", "conv-1")
	if !res.Hit || !res.Fresh {
		t.Fatalf("expected fresh hit after 4m, got %+v", res)
	}

	*now = now.Add(2 * time.Minute)
	_, res = cache.Messages("user-1", "conv-1")
	if !res.Hit || res.Fresh {
		t.Fatalf("expected stale hit after 6m, got %+v", res)
	}

	*now = now.Add(72 * time.Hour)
	if _, res := cache.Messages("user-1", "conv-1"); res.Hit {
		t.Fatal("expected miss after expiry")
	}
}

func TestCacheUpdateMessages(t *testing.T) {
	cache := NewCache(NewMemoryStore())
	cache.SetMessages("user-1", "conv-1", sampleMessages("conv-1"))

	cache.UpdateMessages("user-1", "conv-1", func(msgs []APIMessage) []APIMessage {
		return append(msgs, APIMessage{ID: "msg-3", ConversationID: "conv-1"})
	})

	msgs, res := cache.Messages("user-1", "conv-1")
	if !res.Hit {
		t.Fatal("expected hit")
	}
	if len(msgs) != 3 || msgs[2].ID != "msg-3" {
		t.Fatalf("unexpected messages after update: %+v", msgs)
	}

	// Updating an absent entry starts from empty.
	cache.UpdateMessages("user-1", "conv-9", func(msgs []APIMessage) []APIMessage {
		if len(msgs) != 0 {
			t.Fatalf("expected empty slice, got %d", len(msgs))
		}
		return append(msgs, APIMessage{ID: "msg-x"})
	})
	msgs, _ = cache.Messages("user-1", "conv-9")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestCacheUpdateMessagesConcurrent(t *testing.T) {
	cache := NewCache(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cache.UpdateMessages("user-1", "conv-1", func(msgs []APIMessage) []APIMessage {
				return append(msgs, APIMessage{ID: fmt.Sprintf("msg-%03d", i), ConversationID: "conv-1"})
			})
		}(i)
	}
	wg.Wait()

	msgs, _ := cache.Messages("user-1", "conv-1")
	if len(msgs) != 100 {
		t.Fatalf("got %d messages after 100 concurrent updates", len(msgs))
	}
}

func TestCacheMissingTimestampEvicts(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache(store)

	cache.SetConversations("user-1", sampleConversations())
	store.Remove(conversationsKey("user-1") + tsKeySuffix)

	if _, res := cache.Conversations("user-1"); res.Hit {
		t.Fatal("expected miss for entry without timestamp")
	}
	if _, ok := store.Get(conversationsKey("user-1")); ok {
		t.Error("entry without timestamp was not evicted")
	}
}

func TestCacheClear(t *testing.T) {
	cache := NewCache(NewMemoryStore())
	cache.SetConversations("user-1", sampleConversations())
	cache.SetMessages("user-1", "conv-1", sampleMessages("conv-1"))
	cache.SetConversations("user-2", sampleConversations())

	cache.Clear("user-1")

	if _, res := cache.Conversations("user-1"); res.Hit {
		t.Error("user-1 conversations survived Clear")
	}
	if _, res := cache.Messages("user-1", "conv-1"); res.Hit {
		t.Error("user-1 messages survived Clear")
	}
	if _, res := cache.Conversations("user-2"); !res.Hit {
		t.Error("Clear removed another user's entries")
	}
}

func TestCacheSweep(t *testing.T) {
	now, clock := testClock(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	cache := NewCache(store, WithClock(clock))

	// Another user's data, written 8 days and 4 days ago.
	cache.SetConversations("old-user", sampleConversations())
	cache.SetMessages("old-user", "conv-1", sampleMessages("conv-1"))
	*now = now.Add(4 * 24 * time.Hour)
	cache.SetConversations("recent-user", sampleConversations())
	*now = now.Add(4 * 24 * time.Hour)

	// Current user's data, written now.
	cache.SetConversations("me", sampleConversations())
	cache.SetMessages("me", "conv-1", sampleMessages("conv-1"))

	cache.Sweep("me")

	if _, res := cache.Conversations("me"); !res.Hit {
		t.Error("sweep removed the current user's conversations")
	}
	if _, res := cache.Messages("me", "conv-1"); !res.Hit {
		t.Error("sweep removed the current user's messages")
	}
	// Sweep outcomes are checked on the store directly; Conversations would
	// apply the much shorter on-read expiry on top.
	// old-user: conversations 8d old (> 7d), messages 8d old (> 3d), both gone.
	if _, ok := store.Get(conversationsKey("old-user")); ok {
		t.Error("sweep kept an 8 day old conversation list")
	}
	if _, ok := store.Get(messagesKey("old-user", "conv-1")); ok {
		t.Error("sweep kept 8 day old messages")
	}
	// recent-user: conversations 4d old (< 7d) survive.
	if _, ok := store.Get(conversationsKey("recent-user")); !ok {
		t.Error("sweep removed a 4 day old conversation list")
	}
}

func TestCacheSweepRemovesUntimestamped(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache(store)

	cache.SetConversations("other-user", sampleConversations())
	store.Remove(conversationsKey("other-user") + tsKeySuffix)

	cache.Sweep("me")

	if _, ok := store.Get(conversationsKey("other-user")); ok {
		t.Error("sweep kept an entry with no timestamp")
	}
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}

	store.Set("conversations_user-1", []byte(`[{"id":"conv-1"}]`))
	data, ok := store.Get("conversations_user-1")
	if !ok || string(data) != `[{"id":"conv-1"}]` {
		t.Fatalf("Get returned %q, %v", data, ok)
	}

	store.Set("messages_user-1_conv-1", []byte(`[]`))
	keys := store.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}

	store.Remove("conversations_user-1")
	if _, ok := store.Get("conversations_user-1"); ok {
		t.Error("entry survived Remove")
	}
}

func TestFileStoreBackedCache(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCache(store)

	cache.SetMessages("user-1", "conv-1", sampleMessages("conv-1"))
	msgs, res := cache.Messages("user-1", "conv-1")
	if !res.Hit || len(msgs) != 2 {
		t.Fatalf("file-backed read: hit=%v len=%d", res.Hit, len(msgs))
	}
}
