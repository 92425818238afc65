package ws

import (
	"sort"
	"sync"

	"carscanada/internal/events"
)

// Presence maps each user to the set of their live connection handles.
// A user is online while that set is non-empty.
type Presence struct {
	mu    sync.RWMutex
	users map[uint]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{users: make(map[uint]map[string]struct{})}
}

// Add records handle for userID and reports whether it is the user's first connection.
func (p *Presence) Add(userID uint, handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.users[userID]
	if !ok {
		set = make(map[string]struct{})
		p.users[userID] = set
	}
	set[handle] = struct{}{}
	return !ok
}

// Remove drops handle and reports whether the user just went offline.
// Unknown handles are ignored.
func (p *Presence) Remove(userID uint, handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[handle]; !ok {
		return false
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(p.users, userID)
		return true
	}
	return false
}

func (p *Presence) IsOnline(userID uint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

// Handles returns a snapshot of the user's connection handles.
func (p *Presence) Handles(userID uint) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.users[userID]))
	for h := range p.users[userID] {
		out = append(out, h)
	}
	return out
}

func (p *Presence) Statuses(userIDs []uint) []events.OnlineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]events.OnlineStatus, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, events.OnlineStatus{UserID: id, IsOnline: len(p.users[id]) > 0})
	}
	return out
}

// OnlineUsers returns the online user ids in ascending order.
func (p *Presence) OnlineUsers() []uint {
	p.mu.RLock()
	out := make([]uint, 0, len(p.users))
	for id := range p.users {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Presence) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}
