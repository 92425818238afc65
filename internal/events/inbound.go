package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client → server event names.
const (
	JoinConversationName  = "join_conversation"
	LeaveConversationName = "leave_conversation"
	TypingName            = "typing"
	StopTypingName        = "stop_typing"
	MarkReadName          = "mark_read"
	CheckOnlineStatusName = "check_online_status"
	SendMessageName       = "send_message"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event")
)

// Inbound is the closed set of client commands. Only types in this file
// implement it, so a type switch over it is exhaustive.
type Inbound interface {
	inbound()
	Name() string
}

type JoinConversation struct {
	ConversationID uint `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID uint `json:"conversationId"`
}

type Typing struct {
	ConversationID uint `json:"conversationId"`
}

type StopTyping struct {
	ConversationID uint `json:"conversationId"`
}

type MarkRead struct {
	ConversationID uint `json:"conversationId"`
}

type CheckOnlineStatus struct {
	UserIDs []uint `json:"userIds"`
}

type SendMessage struct {
	ConversationID uint   `json:"conversationId"`
	Content        string `json:"content"`
}

func (JoinConversation) inbound()  {}
func (LeaveConversation) inbound() {}
func (Typing) inbound()            {}
func (StopTyping) inbound()        {}
func (MarkRead) inbound()          {}
func (CheckOnlineStatus) inbound() {}
func (SendMessage) inbound()       {}

func (JoinConversation) Name() string  { return JoinConversationName }
func (LeaveConversation) Name() string { return LeaveConversationName }
func (Typing) Name() string            { return TypingName }
func (StopTyping) Name() string        { return StopTypingName }
func (MarkRead) Name() string          { return MarkReadName }
func (CheckOnlineStatus) Name() string { return CheckOnlineStatusName }
func (SendMessage) Name() string       { return SendMessageName }

// Decode parses one client frame. Conversation-scoped commands must carry
// a non-zero conversationId.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var (
		in     Inbound
		convID uint
		err    error
	)
	switch env.Event {
	case JoinConversationName:
		var v JoinConversation
		err = unmarshalData(env.Data, &v, &v.ConversationID)
		in, convID = v, v.ConversationID
	case LeaveConversationName:
		var v LeaveConversation
		err = unmarshalData(env.Data, &v, &v.ConversationID)
		in, convID = v, v.ConversationID
	case TypingName:
		var v Typing
		err = unmarshalData(env.Data, &v, &v.ConversationID)
		in, convID = v, v.ConversationID
	case StopTypingName:
		var v StopTyping
		err = unmarshalData(env.Data, &v, &v.ConversationID)
		in, convID = v, v.ConversationID
	case MarkReadName:
		var v MarkRead
		err = unmarshalData(env.Data, &v, &v.ConversationID)
		in, convID = v, v.ConversationID
	case SendMessageName:
		var v SendMessage
		err = unmarshalData(env.Data, &v, nil)
		in, convID = v, v.ConversationID
	case CheckOnlineStatusName:
		var v CheckOnlineStatus
		if err := unmarshalData(env.Data, &v, &v.UserIDs); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if convID == 0 {
		return nil, fmt.Errorf("%w: conversationId is required", ErrMalformed)
	}
	return in, nil
}

// unmarshalData decodes an object payload into v. A non-object payload,
// such as a bare conversation id or id list, is decoded into bare instead.
func unmarshalData(data json.RawMessage, v, bare any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if trimmed[0] != '{' && bare != nil {
		v = bare
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
