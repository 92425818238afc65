// Package events defines the wire vocabulary of the realtime channel.
// Every frame is an Envelope {"event": name, "data": payload}.
package events

import (
	"encoding/json"
	"time"

	"carscanada/internal/models"
)

// Server → client event names.
const (
	InitialData            = "initial_data"
	UnreadCount            = "unread_count"
	NewConversation        = "new_conversation"
	NewMessage             = "new_message"
	MessageNotification    = "message_notification"
	UserTyping             = "user_typing"
	UserStopTyping         = "user_stop_typing"
	MessagesRead           = "messages_read"
	UserOnline             = "user_online"
	UserOffline            = "user_offline"
	OnlineStatusUpdate     = "online_status_update"
	JoinedConversation     = "joined_conversation"
	UserJoinedConversation = "user_joined_conversation"
	UserLeftConversation   = "user_left_conversation"
	ConversationDeleted    = "conversation_deleted"
	Error                  = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

type InitialDataPayload struct {
	Conversations []uint `json:"conversations"`
	OnlineUsers   []uint `json:"onlineUsers"`
}

type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

type NewConversationPayload struct {
	Conversation models.Conversation `json:"conversation"`
}

type NewMessagePayload struct {
	Message models.Message `json:"message"`
}

type MessageNotificationPayload struct {
	ConversationID uint      `json:"conversationId"`
	MessageID      uint      `json:"messageId"`
	SenderID       uint      `json:"senderId"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

type TypingPayload struct {
	UserID         uint `json:"userId"`
	ConversationID uint `json:"conversationId"`
}

type MessagesReadPayload struct {
	ConversationID uint  `json:"conversationId"`
	ReadBy         uint  `json:"readBy"`
	Count          int64 `json:"count"`
}

type UserPayload struct {
	UserID uint `json:"userId"`
}

type OnlineStatus struct {
	UserID   uint `json:"userId"`
	IsOnline bool `json:"isOnline"`
}

type ConversationPayload struct {
	ConversationID uint `json:"conversationId"`
}

type MembershipPayload struct {
	UserID         uint `json:"userId"`
	ConversationID uint `json:"conversationId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}
