package store

import (
	"context"
	"errors"
	"time"

	"carscanada/internal/models"
	"carscanada/internal/service"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store 基于 gorm 实现会话、消息与用户的持久化。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var (
	_ service.Gateway = (*Store)(nil)
	_ service.Users   = (*Store)(nil)
)

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return service.ErrNotFound
	}
	return err
}

// ClampLimit 将分页大小限制在 1..200，非法值使用默认 50。
func ClampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}

func (s *Store) ListingSeller(ctx context.Context, listingID uint) (uint, error) {
	var listing models.Listing
	if err := s.db.WithContext(ctx).Select("id", "seller_id").First(&listing, listingID).Error; err != nil {
		return 0, mapErr(err)
	}
	return listing.SellerID, nil
}

// FindOrCreateConversation 保证 (listing, buyer) 只有一个会话；已软删除的会话会被恢复。
func (s *Store) FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID uint) (*models.Conversation, bool, error) {
	db := s.db.WithContext(ctx)
	var existing models.Conversation
	err := db.Unscoped().Where("listing_id = ? AND buyer_id = ?", listingID, buyerID).First(&existing).Error
	switch {
	case err == nil:
		if existing.DeletedAt.Valid {
			if err := db.Unscoped().Model(&existing).Update("deleted_at", nil).Error; err != nil {
				return nil, false, err
			}
			existing.DeletedAt = gorm.DeletedAt{}
			return &existing, true, nil
		}
		return &existing, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	conv := models.Conversation{ListingID: listingID, BuyerID: buyerID, SellerID: sellerID}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// 并发创建时另一方已插入，读取胜出的那一行
		var winner models.Conversation
		if err := db.Where("listing_id = ? AND buyer_id = ?", listingID, buyerID).First(&winner).Error; err != nil {
			return nil, false, mapErr(err)
		}
		return &winner, false, nil
	}
	return &conv, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &conv, nil
}

// ListConversations 按最近活跃时间倒序返回用户参与的会话。
func (s *Store) ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Order("id DESC").
		Find(&convs).Error
	return convs, err
}

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Update("last_message_at", msg.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return service.ErrNotFound
		}
		return nil
	})
}

// ListMessages 分页查询会话消息，按 id 升序返回。
func (s *Store) ListMessages(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(ClampLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *Store) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN conversations c ON c.id = messages.conversation_id AND c.deleted_at IS NULL").
		Where("(c.buyer_id = ? OR c.seller_id = ?) AND messages.sender_id <> ? AND messages.is_read = ?", userID, userID, userID, false).
		Count(&n).Error
	return n, err
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Conversation{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return service.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	var count int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.User{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return service.ErrUsernameTaken
	}
	return db.Create(user).Error
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (s *Store) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, userID uint, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return s.db.WithContext(ctx).Create(&rt).Error
}

// RotateRefreshToken 校验旧 refresh token 并在同一事务中吊销、写入新 token。
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (uint, error) {
	var userID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.RefreshToken
		now := time.Now()
		if err := tx.Where("token = ? AND revoked_at IS NULL AND expires_at > ?", oldToken, now).First(&rec).Error; err != nil {
			return mapErr(err)
		}
		if err := tx.Model(&models.RefreshToken{}).Where("id = ?", rec.ID).Update("revoked_at", &now).Error; err != nil {
			return err
		}
		userID = rec.UserID
		return tx.Create(&models.RefreshToken{UserID: rec.UserID, Token: newToken, ExpiresAt: expiresAt}).Error
	})
	return userID, err
}
