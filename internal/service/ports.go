package service

import (
	"context"
	"time"

	"carscanada/internal/models"
)

// Gateway is the persistence capability the messaging core depends on.
// Implementations must return ErrNotFound for missing or soft-deleted rows.
type Gateway interface {
	ListingSeller(ctx context.Context, listingID uint) (uint, error)
	FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID uint) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error)
	// CreateMessage inserts the message and bumps the conversation's
	// last-message timestamp in one transaction.
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]models.Message, error)
	// MarkRead flips unread messages not sent by readerID and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID uint) (int64, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	SoftDeleteConversation(ctx context.Context, id uint) error
}

// Users persists accounts and refresh tokens for the REST auth surface.
type Users interface {
	CreateUser(ctx context.Context, user *models.User) error
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id uint) (*models.User, error)
	SaveRefreshToken(ctx context.Context, userID uint, token string, expiresAt time.Time) error
	// RotateRefreshToken revokes oldToken and stores newToken atomically,
	// returning the owner. Unknown, revoked or expired tokens yield ErrNotFound.
	RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (uint, error)
}

// Broadcaster fans server events out to live connections.
type Broadcaster interface {
	ToUser(userID uint, event string, data any)
	ToRoom(conversationID uint, event string, data any)
	// ToUserOutsideRoom reaches userID only when no connection of the user
	// is subscribed to the room.
	ToUserOutsideRoom(userID, conversationID uint, event string, data any)
	IsOnline(userID uint) bool
	// AttachUser subscribes every live connection of userID to the room.
	AttachUser(userID, conversationID uint)
	// CloseRoom removes the room from all members' subscriptions.
	CloseRoom(conversationID uint)
}

// Limiter gates the message-send path.
type Limiter interface {
	TryConsume(ctx context.Context, key string) (bool, error)
}

// OfflineMessage is handed to the Notifier when the recipient has no live connection.
type OfflineMessage struct {
	RecipientID    uint      `json:"recipientId"`
	SenderID       uint      `json:"senderId"`
	ConversationID uint      `json:"conversationId"`
	ListingID      uint      `json:"listingId"`
	MessageID      uint      `json:"messageId"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

// Notifier is the external notification sink (email delivery lives behind it).
type Notifier interface {
	NotifyOffline(ctx context.Context, n OfflineMessage) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) ToUser(uint, string, any)                  {}
func (nopBroadcaster) ToRoom(uint, string, any)                  {}
func (nopBroadcaster) ToUserOutsideRoom(uint, uint, string, any) {}
func (nopBroadcaster) IsOnline(uint) bool                        { return false }
func (nopBroadcaster) AttachUser(uint, uint)                     {}
func (nopBroadcaster) CloseRoom(uint)                            {}

type nopNotifier struct{}

func (nopNotifier) NotifyOffline(context.Context, OfflineMessage) error { return nil }
