package ws

import (
	"sort"
	"sync"
	"time"
)

type typingKey struct {
	conversationID uint
	userID         uint
}

type typingEntry struct {
	expires time.Time
	timer   *time.Timer
	gen     uint64
}

// Typing holds ephemeral typing indicators keyed by (conversation, user).
// Each entry owns its expiry timer; a refresh stops the old timer and bumps
// the generation so a fire that already escaped Stop is discarded.
type Typing struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[typingKey]*typingEntry
	gen      uint64
	closed   bool
	onExpire func(conversationID, userID uint)
}

func NewTyping(timeout time.Duration, onExpire func(conversationID, userID uint)) *Typing {
	return &Typing{timeout: timeout, entries: make(map[typingKey]*typingEntry), onExpire: onExpire}
}

// Start inserts or refreshes the indicator and reschedules its expiry.
func (t *Typing) Start(conversationID, userID uint) {
	key := typingKey{conversationID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.entries[key] = &typingEntry{
		expires: time.Now().Add(t.timeout),
		gen:     gen,
		timer:   time.AfterFunc(t.timeout, func() { t.expire(key, gen) }),
	}
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()
	if t.onExpire != nil {
		t.onExpire(key.conversationID, key.userID)
	}
}

// Stop removes the indicator and reports whether one existed.
func (t *Typing) Stop(conversationID, userID uint) bool {
	key := typingKey{conversationID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// StopUser clears every indicator where userID is the typist and returns
// the affected conversations.
func (t *Typing) StopUser(userID uint) []uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint
	for key, e := range t.entries {
		if key.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(t.entries, key)
		out = append(out, key.conversationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forget drops every indicator in a conversation without emitting anything.
func (t *Typing) Forget(conversationID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if key.conversationID == conversationID {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}

func (t *Typing) active(conversationID, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{conversationID, userID}]
	return ok
}

// Close cancels all timers. Later Start calls are ignored.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
