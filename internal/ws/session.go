package ws

import (
	"context"
	"errors"
	"fmt"

	"carscanada/internal/events"
	"carscanada/internal/service"

	"github.com/rs/zerolog/log"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var errNotActive = errors.New("session is not active")

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (uint, error)
}

// Deps are the collaborators a session calls into.
type Deps struct {
	Verifier TokenVerifier
	Gateway  service.Gateway
	Messages *service.MessageService
}

// Session drives one client connection through
// Connecting → Authenticated → Active → Disconnected. All methods are
// called from the connection's read loop, so inbound events are handled
// in receipt order.
type Session struct {
	hub    *Hub
	deps   Deps
	client *Client
	state  State
}

func NewSession(hub *Hub, deps Deps, client *Client) *Session {
	return &Session{hub: hub, deps: deps, client: client, state: StateConnecting}
}

func (s *Session) State() State   { return s.state }
func (s *Session) UserID() uint   { return s.client.userID }
func (s *Session) Handle() string { return s.client.handle }

// Authenticate verifies the handshake credential. On failure the session
// is terminal and nothing has been registered.
func (s *Session) Authenticate(ctx context.Context, token string) error {
	if s.state != StateConnecting {
		return fmt.Errorf("authenticate in state %s", s.state)
	}
	userID, err := s.deps.Verifier.Verify(ctx, token)
	if err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("%w: %v", service.ErrAuthentication, err)
	}
	s.client.userID = userID
	s.state = StateAuthenticated
	return nil
}

// Activate registers presence, auto-joins the user's conversations and
// sends the initial snapshot.
func (s *Session) Activate(ctx context.Context) error {
	if s.state != StateAuthenticated {
		return fmt.Errorf("activate in state %s", s.state)
	}
	userID := s.client.userID
	convs, err := s.deps.Gateway.ListConversations(ctx, userID)
	if err != nil {
		return err
	}

	// Rooms are joined before presence so a concurrent send never sees
	// the user online but outside their rooms.
	ids := make([]uint, 0, len(convs))
	peers := make([]uint, 0, len(convs))
	for i := range convs {
		s.hub.rooms.Join(s.client.handle, convs[i].ID)
		ids = append(ids, convs[i].ID)
		peers = append(peers, convs[i].Peer(userID))
	}
	first := s.hub.register(s.client)
	s.state = StateActive

	s.hub.ToConn(s.client.handle, events.InitialData, events.InitialDataPayload{
		Conversations: ids,
		OnlineUsers:   s.hub.OnlineUsers(),
	})
	if n, err := s.deps.Gateway.UnreadCount(ctx, userID); err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("initial unread count")
	} else {
		s.hub.ToConn(s.client.handle, events.UnreadCount, events.UnreadCountPayload{Count: n})
	}
	if first {
		s.hub.ToUsers(peers, events.UserOnline, events.UserPayload{UserID: userID})
	}
	log.Info().Uint("user_id", userID).Str("conn", s.client.handle).Int("rooms", len(ids)).Msg("ws connected")
	return nil
}

// HandleFrame decodes a raw client frame and dispatches it.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	in, err := events.Decode(frame)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", service.ErrValidation, err))
		return
	}
	s.Dispatch(ctx, in)
}

// Dispatch handles one inbound command. Failures are reported to this
// connection as an error event and never close it.
func (s *Session) Dispatch(ctx context.Context, in events.Inbound) {
	if s.state != StateActive {
		s.fail(fmt.Errorf("%w: %v", service.ErrAuthentication, errNotActive))
		return
	}
	var err error
	switch ev := in.(type) {
	case events.JoinConversation:
		err = s.join(ctx, ev.ConversationID)
	case events.LeaveConversation:
		s.leave(ev.ConversationID)
	case events.Typing:
		s.startTyping(ctx, ev.ConversationID)
	case events.StopTyping:
		s.stopTyping(ev.ConversationID)
	case events.MarkRead:
		_, err = s.deps.Messages.MarkRead(ctx, ev.ConversationID, s.client.userID)
	case events.CheckOnlineStatus:
		s.hub.ToConn(s.client.handle, events.OnlineStatusUpdate, s.hub.Statuses(ev.UserIDs))
	case events.SendMessage:
		if _, err = s.deps.Messages.Send(ctx, ev.ConversationID, s.client.userID, ev.Content); err == nil {
			s.stopTyping(ev.ConversationID)
		}
	default:
		err = fmt.Errorf("%w: %s", service.ErrValidation, in.Name())
	}
	if err != nil {
		s.fail(err)
	}
}

func (s *Session) fail(err error) {
	reason := service.Reason(err)
	if reason == "internal" {
		log.Error().Err(err).Uint("user_id", s.client.userID).Msg("ws event")
	} else {
		log.Debug().Err(err).Uint("user_id", s.client.userID).Msg("ws event rejected")
	}
	s.hub.ToConn(s.client.handle, events.Error, events.ErrorPayload{Message: service.PublicMessage(err), Reason: reason})
}

func (s *Session) join(ctx context.Context, conversationID uint) error {
	conv, err := s.deps.Gateway.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(s.client.userID) {
		return service.ErrAuthorization
	}
	added := s.hub.rooms.Join(s.client.handle, conversationID)
	s.hub.ToConn(s.client.handle, events.JoinedConversation, events.ConversationPayload{ConversationID: conversationID})
	if added {
		s.hub.ToRoomExceptConn(conversationID, s.client.handle, events.UserJoinedConversation,
			events.MembershipPayload{UserID: s.client.userID, ConversationID: conversationID})
	}
	return nil
}

func (s *Session) leave(conversationID uint) {
	if !s.hub.rooms.Leave(s.client.handle, conversationID) {
		return
	}
	s.hub.ToRoom(conversationID, events.UserLeftConversation, events.MembershipPayload{UserID: s.client.userID, ConversationID: conversationID})
}

// startTyping ignores non-participants rather than reporting an error.
func (s *Session) startTyping(ctx context.Context, conversationID uint) {
	userID := s.client.userID
	if !s.hub.rooms.IsMember(s.client.handle, conversationID) {
		conv, err := s.deps.Gateway.GetConversation(ctx, conversationID)
		if err != nil || !conv.HasParticipant(userID) {
			log.Debug().Uint("user_id", userID).Uint("conversation_id", conversationID).Msg("typing ignored")
			return
		}
	}
	s.hub.typing.Start(conversationID, userID)
	s.hub.ToRoomExceptUser(conversationID, userID, events.UserTyping, events.TypingPayload{UserID: userID, ConversationID: conversationID})
}

func (s *Session) stopTyping(conversationID uint) {
	userID := s.client.userID
	if !s.hub.typing.Stop(conversationID, userID) {
		return
	}
	s.hub.ToRoomExceptUser(conversationID, userID, events.UserStopTyping, events.TypingPayload{UserID: userID, ConversationID: conversationID})
}

// Close moves the session to Disconnected. Only the last connection of a
// user produces user_offline.
func (s *Session) Close(ctx context.Context) {
	prev := s.state
	s.state = StateDisconnected
	if prev != StateActive {
		s.client.close()
		return
	}
	userID := s.client.userID
	for _, conversationID := range s.hub.typing.StopUser(userID) {
		s.hub.ToRoomExceptUser(conversationID, userID, events.UserStopTyping, events.TypingPayload{UserID: userID, ConversationID: conversationID})
	}
	last := s.hub.unregister(s.client)
	log.Info().Uint("user_id", userID).Str("conn", s.client.handle).Bool("offline", last).Msg("ws disconnected")
	if !last {
		return
	}
	convs, err := s.deps.Gateway.ListConversations(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("offline peers")
		return
	}
	// A new tab may have connected while the peers were loaded.
	if s.hub.IsOnline(userID) {
		return
	}
	peers := make([]uint, 0, len(convs))
	for i := range convs {
		peers = append(peers, convs[i].Peer(userID))
	}
	s.hub.ToUsers(peers, events.UserOffline, events.UserPayload{UserID: userID})
}
