package ws

import (
	"sort"
	"sync"
)

// Rooms tracks which connections are subscribed to which conversations.
// Both directions are indexed so a disconnect and a room teardown are
// each a single pass.
type Rooms struct {
	mu     sync.RWMutex
	byConn map[string]map[uint]struct{}
	byRoom map[uint]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		byConn: make(map[string]map[uint]struct{}),
		byRoom: make(map[uint]map[string]struct{}),
	}
}

// Join subscribes handle to the room and reports whether it was newly added.
func (r *Rooms) Join(handle string, conversationID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	convs, ok := r.byConn[handle]
	if !ok {
		convs = make(map[uint]struct{})
		r.byConn[handle] = convs
	}
	if _, ok := convs[conversationID]; ok {
		return false
	}
	convs[conversationID] = struct{}{}
	members, ok := r.byRoom[conversationID]
	if !ok {
		members = make(map[string]struct{})
		r.byRoom[conversationID] = members
	}
	members[handle] = struct{}{}
	return true
}

// Leave unsubscribes handle and reports whether it was a member.
func (r *Rooms) Leave(handle string, conversationID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(handle, conversationID)
}

func (r *Rooms) leaveLocked(handle string, conversationID uint) bool {
	convs, ok := r.byConn[handle]
	if !ok {
		return false
	}
	if _, ok := convs[conversationID]; !ok {
		return false
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(r.byConn, handle)
	}
	members := r.byRoom[conversationID]
	delete(members, handle)
	if len(members) == 0 {
		delete(r.byRoom, conversationID)
	}
	return true
}

// Drop removes every subscription of handle and returns the rooms it left.
func (r *Rooms) Drop(handle string) []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint
	for id := range r.byConn[handle] {
		out = append(out, id)
	}
	for _, id := range out {
		r.leaveLocked(handle, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close removes the room from every member and returns the former members.
func (r *Rooms) Close(conversationID uint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for h := range r.byRoom[conversationID] {
		out = append(out, h)
	}
	for _, h := range out {
		r.leaveLocked(h, conversationID)
	}
	return out
}

func (r *Rooms) Members(conversationID uint) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byRoom[conversationID]))
	for h := range r.byRoom[conversationID] {
		out = append(out, h)
	}
	return out
}

func (r *Rooms) IsMember(handle string, conversationID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[handle][conversationID]
	return ok
}

// of returns the rooms handle is subscribed to, ascending.
func (r *Rooms) of(handle string) []uint {
	r.mu.RLock()
	out := make([]uint, 0, len(r.byConn[handle]))
	for id := range r.byConn[handle] {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
