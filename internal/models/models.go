package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"size:255"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Listing 只读：消息模块只需要知道卖家是谁。
type Listing struct {
	ID        uint   `gorm:"primaryKey"`
	SellerID  uint   `gorm:"index;not null"`
	Title     string `gorm:"size:255;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation 是买家与卖家围绕某个 listing 的会话，(listing, buyer) 唯一。
type Conversation struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ListingID     uint           `gorm:"uniqueIndex:idx_conv_listing_buyer;not null" json:"listingId"`
	BuyerID       uint           `gorm:"uniqueIndex:idx_conv_listing_buyer;index;not null" json:"buyerId"`
	SellerID      uint           `gorm:"index;not null" json:"sellerId"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) HasParticipant(userID uint) bool {
	return userID != 0 && (c.BuyerID == userID || c.SellerID == userID)
}

// Peer returns the other participant, or 0 when userID is not a participant.
func (c *Conversation) Peer(userID uint) uint {
	switch userID {
	case c.BuyerID:
		return c.SellerID
	case c.SellerID:
		return c.BuyerID
	}
	return 0
}

// Participants returns buyer then seller.
func (c *Conversation) Participants() []uint {
	return []uint{c.BuyerID, c.SellerID}
}

// Message 创建后不可修改，IsRead 只能从 false 变为 true。
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index:idx_msg_conv_id;not null" json:"conversationId"`
	SenderID       uint      `gorm:"index;not null" json:"senderId"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IsRead         bool      `gorm:"not null;default:false" json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
