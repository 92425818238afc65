package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"carscanada/internal/events"
	"carscanada/internal/metrics"
	"carscanada/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hub 是进程级的连接注册表与事件分发器：服务启动时创建，停服时 Close。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	presence *Presence
	rooms    *Rooms
	typing   *Typing

	nodeID    string
	relay     Relay
	directory Directory
}

var _ service.Broadcaster = (*Hub)(nil)

func NewHub(typingTimeout time.Duration) *Hub {
	h := &Hub{
		clients:  make(map[string]*Client),
		presence: NewPresence(),
		rooms:    NewRooms(),
		nodeID:   uuid.NewString(),
	}
	h.typing = NewTyping(typingTimeout, func(conversationID, userID uint) {
		h.ToRoomExceptUser(conversationID, userID, events.UserStopTyping, events.TypingPayload{UserID: userID, ConversationID: conversationID})
	})
	return h
}

// NodeID identifies this process in relay frames and the presence directory.
func (h *Hub) NodeID() string { return h.nodeID }

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// register 登记连接并返回该用户是否刚刚上线（本节点首条连接且其他节点均不在线）。
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	h.clients[c.handle] = c
	h.mu.Unlock()
	metrics.WsConnections.Inc()
	if !h.presence.Add(c.userID, c.handle) {
		return false
	}
	metrics.OnlineUsers.Inc()
	if h.directory == nil {
		return true
	}
	elsewhere := h.remoteOnline(c.userID)
	ctx, cancel := opContext()
	defer cancel()
	if err := h.directory.Add(ctx, c.userID); err != nil {
		log.Warn().Err(err).Uint("user_id", c.userID).Msg("presence directory add")
	}
	return !elsewhere
}

// unregister 移除连接及其房间订阅，返回该用户是否已在所有节点离线。
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c.handle]
	delete(h.clients, c.handle)
	h.mu.Unlock()
	c.close()
	if !ok {
		return false
	}
	metrics.WsConnections.Dec()
	h.rooms.Drop(c.handle)
	if !h.presence.Remove(c.userID, c.handle) {
		return false
	}
	metrics.OnlineUsers.Dec()
	if h.directory == nil {
		return true
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := h.directory.Remove(ctx, c.userID); err != nil {
		log.Warn().Err(err).Uint("user_id", c.userID).Msg("presence directory remove")
	}
	return !h.remoteOnline(c.userID)
}

// remoteOnline asks the directory; lookup errors count as offline.
func (h *Hub) remoteOnline(userID uint) bool {
	if h.directory == nil {
		return false
	}
	ctx, cancel := opContext()
	defer cancel()
	online, err := h.directory.IsOnline(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence directory lookup")
		return false
	}
	return online
}

func (h *Hub) client(handle string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[handle]
}

func (h *Hub) deliver(handles []string, frame []byte, skip func(*Client) bool) {
	for _, handle := range handles {
		c := h.client(handle)
		if c == nil || (skip != nil && skip(c)) {
			continue
		}
		if !c.enqueue(frame) {
			log.Warn().Str("conn", c.handle).Uint("user_id", c.userID).Msg("slow consumer dropped")
		}
	}
}

func encode(event string, data any) []byte {
	frame, err := events.Encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return nil
	}
	metrics.EventsDispatched.WithLabelValues(event).Inc()
	return frame
}

// ToConn sends to a single connection on this node.
func (h *Hub) ToConn(handle string, event string, data any) {
	if frame := encode(event, data); frame != nil {
		h.deliver([]string{handle}, frame, nil)
	}
}

func (h *Hub) ToUser(userID uint, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	h.deliver(h.presence.Handles(userID), frame, nil)
	h.publish(RelayFrame{Target: targetUser, ID: userID, Frame: frame})
}

// ToUsers sends one copy of the event to each distinct user in userIDs.
func (h *Hub) ToUsers(userIDs []uint, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	seen := make(map[uint]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		h.deliver(h.presence.Handles(id), frame, nil)
		h.publish(RelayFrame{Target: targetUser, ID: id, Frame: frame})
	}
}

func (h *Hub) ToRoom(conversationID uint, event string, data any) {
	h.toRoom(conversationID, 0, "", event, data)
}

// ToRoomExceptUser skips every connection of exceptUser.
func (h *Hub) ToRoomExceptUser(conversationID, exceptUser uint, event string, data any) {
	h.toRoom(conversationID, exceptUser, "", event, data)
}

// ToRoomExceptConn skips a single connection.
func (h *Hub) ToRoomExceptConn(conversationID uint, exceptHandle string, event string, data any) {
	h.toRoom(conversationID, 0, exceptHandle, event, data)
}

func (h *Hub) toRoom(conversationID, exceptUser uint, exceptHandle string, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	h.deliverRoom(conversationID, exceptUser, exceptHandle, frame)
	h.publish(RelayFrame{Target: targetRoom, ID: conversationID, ExceptUser: exceptUser, Frame: frame})
}

func (h *Hub) deliverRoom(conversationID, exceptUser uint, exceptHandle string, frame []byte) {
	var skip func(*Client) bool
	if exceptUser != 0 || exceptHandle != "" {
		skip = func(c *Client) bool {
			return (exceptUser != 0 && c.userID == exceptUser) || c.handle == exceptHandle
		}
	}
	h.deliver(h.rooms.Members(conversationID), frame, skip)
}

// IsOnline reports whether userID has a live connection on any node.
func (h *Hub) IsOnline(userID uint) bool {
	return h.presence.IsOnline(userID) || h.remoteOnline(userID)
}

// Statuses answers an online-status query for each id in request order.
func (h *Hub) Statuses(userIDs []uint) []events.OnlineStatus {
	out := h.presence.Statuses(userIDs)
	for i := range out {
		if !out[i].IsOnline {
			out[i].IsOnline = h.remoteOnline(out[i].UserID)
		}
	}
	return out
}

// OnlineUsers merges local presence with the directory, sorted by id.
func (h *Hub) OnlineUsers() []uint {
	local := h.presence.OnlineUsers()
	if h.directory == nil {
		return local
	}
	ctx, cancel := opContext()
	defer cancel()
	remote, err := h.directory.OnlineUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("presence directory list")
		return local
	}
	seen := make(map[uint]struct{}, len(local)+len(remote))
	out := make([]uint, 0, len(local)+len(remote))
	for _, id := range append(local, remote...) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Hub) userInRoom(userID, conversationID uint) bool {
	for _, handle := range h.presence.Handles(userID) {
		if h.rooms.IsMember(handle, conversationID) {
			return true
		}
	}
	return false
}

// ToUserOutsideRoom delivers to userID only on nodes where none of the
// user's connections is subscribed to the room.
func (h *Hub) ToUserOutsideRoom(userID, conversationID uint, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	h.deliverOutsideRoom(userID, conversationID, frame)
	h.publish(RelayFrame{Target: targetUserOutsideRoom, ID: userID, Room: conversationID, Frame: frame})
}

func (h *Hub) deliverOutsideRoom(userID, conversationID uint, frame []byte) {
	if h.userInRoom(userID, conversationID) {
		return
	}
	h.deliver(h.presence.Handles(userID), frame, nil)
}

// AttachUser subscribes every connection of userID, on every node, to the room.
func (h *Hub) AttachUser(userID, conversationID uint) {
	h.attach(userID, conversationID)
	h.publish(RelayFrame{Target: targetAttach, ID: userID, Room: conversationID})
}

func (h *Hub) attach(userID, conversationID uint) {
	for _, handle := range h.presence.Handles(userID) {
		h.rooms.Join(handle, conversationID)
	}
}

// CloseRoom drops the room and its typing entries on every node.
func (h *Hub) CloseRoom(conversationID uint) {
	h.closeRoom(conversationID)
	h.publish(RelayFrame{Target: targetClose, ID: conversationID})
}

func (h *Hub) closeRoom(conversationID uint) {
	h.typing.Forget(conversationID)
	members := h.rooms.Close(conversationID)
	log.Debug().Uint("conversation_id", conversationID).Int("members", len(members)).Msg("room closed")
}

// SetDirectory enables cross-node presence. Call before serving connections.
func (h *Hub) SetDirectory(d Directory) { h.directory = d }

// RunPresence rewrites this node's directory entry every interval until
// ctx is done, so entries of a crashed node expire.
func (h *Hub) RunPresence(ctx context.Context, interval time.Duration) {
	if h.directory == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.refreshPresence(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) refreshPresence(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.directory.Refresh(rctx, h.presence.OnlineUsers()); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("presence directory refresh")
	}
}

// SetRelay enables cross-node fan-out. Call before serving connections.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) publish(f RelayFrame) {
	if h.relay == nil {
		return
	}
	f.Node = h.nodeID
	ctx, cancel := opContext()
	defer cancel()
	if err := h.relay.Publish(ctx, f); err != nil {
		log.Warn().Err(err).Str("target", f.Target).Uint("id", f.ID).Msg("relay publish")
	}
}

// RunRelay delivers frames published by other nodes until ctx is done.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	return h.relay.Subscribe(ctx, h.receive)
}

func (h *Hub) receive(f RelayFrame) {
	if f.Node == h.nodeID {
		return
	}
	switch f.Target {
	case targetUser:
		h.deliver(h.presence.Handles(f.ID), f.Frame, nil)
	case targetRoom:
		h.deliverRoom(f.ID, f.ExceptUser, "", f.Frame)
	case targetUserOutsideRoom:
		h.deliverOutsideRoom(f.ID, f.Room, f.Frame)
	case targetAttach:
		h.attach(f.ID, f.Room)
	case targetClose:
		h.closeRoom(f.ID)
	default:
		log.Debug().Str("target", f.Target).Msg("relay frame ignored")
	}
}

// Close cancels typing timers and closes every connection's outbound queue,
// which makes the write pumps send a close frame.
func (h *Hub) Close() {
	h.typing.Close()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
