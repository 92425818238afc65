package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"carscanada/internal/events"
	"carscanada/internal/metrics"
	"carscanada/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	MaxContentLength = 1000
	previewLength    = 100
)

// MessageService 封装消息发送、已读与未读计数。
type MessageService struct {
	gw       Gateway
	bc       Broadcaster
	limiter  Limiter
	notifier Notifier
}

func NewMessageService(gw Gateway, bc Broadcaster, limiter Limiter, notifier Notifier) *MessageService {
	if bc == nil {
		bc = nopBroadcaster{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &MessageService{gw: gw, bc: bc, limiter: limiter, notifier: notifier}
}

// ValidateContent trims content and checks it holds 1..MaxContentLength characters.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	n := utf8.RuneCountInString(content)
	if n == 0 || n > MaxContentLength {
		return "", fmt.Errorf("%w: message must be 1-%d characters", ErrValidation, MaxContentLength)
	}
	return content, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "…"
}

// Send 校验、限流、持久化后再广播；任何一步失败都不会产生 new_message 事件。
func (s *MessageService) Send(ctx context.Context, conversationID, senderID uint, content string) (*models.Message, error) {
	conv, err := participantConversation(ctx, s.gw, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	content, err = ValidateContent(content)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		ok, err := s.limiter.TryConsume(ctx, strconv.FormatUint(uint64(senderID), 10))
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			metrics.RateLimitedTotal.Inc()
			return nil, ErrRateLimited
		}
	}

	msg := &models.Message{ConversationID: conv.ID, SenderID: senderID, Content: content}
	if err := s.gw.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	s.bc.ToRoom(conv.ID, events.NewMessage, events.NewMessagePayload{Message: *msg})

	recipient := conv.Peer(senderID)
	switch {
	case !s.bc.IsOnline(recipient):
		n := OfflineMessage{
			RecipientID:    recipient,
			SenderID:       senderID,
			ConversationID: conv.ID,
			ListingID:      conv.ListingID,
			MessageID:      msg.ID,
			Preview:        preview(content),
			SentAt:         msg.CreatedAt,
		}
		if err := s.notifier.NotifyOffline(ctx, n); err != nil {
			log.Error().Err(err).Uint("recipient_id", recipient).Uint("message_id", msg.ID).Msg("offline notify")
		}
	default:
		s.bc.ToUserOutsideRoom(recipient, conv.ID, events.MessageNotification, events.MessageNotificationPayload{
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			SenderID:       senderID,
			Preview:        preview(content),
			SentAt:         msg.CreatedAt,
		})
	}
	s.pushUnread(ctx, recipient)
	return msg, nil
}

// MarkRead 将对方发送的未读消息置为已读，并向房间广播实际变更的条数。
func (s *MessageService) MarkRead(ctx context.Context, conversationID, readerID uint) (int64, error) {
	if _, err := participantConversation(ctx, s.gw, conversationID, readerID); err != nil {
		return 0, err
	}
	n, err := s.gw.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	s.bc.ToRoom(conversationID, events.MessagesRead, events.MessagesReadPayload{
		ConversationID: conversationID,
		ReadBy:         readerID,
		Count:          n,
	})
	s.pushUnread(ctx, readerID)
	return n, nil
}

func (s *MessageService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	return s.gw.UnreadCount(ctx, userID)
}

// List 分页返回会话消息，按 id 升序。
func (s *MessageService) List(ctx context.Context, conversationID, userID uint, limit int, beforeID uint) ([]models.Message, error) {
	if _, err := participantConversation(ctx, s.gw, conversationID, userID); err != nil {
		return nil, err
	}
	return s.gw.ListMessages(ctx, conversationID, limit, beforeID)
}

func (s *MessageService) pushUnread(ctx context.Context, userID uint) {
	if !s.bc.IsOnline(userID) {
		return
	}
	n, err := s.gw.UnreadCount(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("unread count")
		return
	}
	s.bc.ToUser(userID, events.UnreadCount, events.UnreadCountPayload{Count: n})
}
