package service

import (
	"context"

	"carscanada/internal/events"
	"carscanada/internal/models"

	"github.com/rs/zerolog/log"
)

// ConversationService 封装会话的创建、查询与删除。
type ConversationService struct {
	gw Gateway
	bc Broadcaster
}

func NewConversationService(gw Gateway, bc Broadcaster) *ConversationService {
	if bc == nil {
		bc = nopBroadcaster{}
	}
	return &ConversationService{gw: gw, bc: bc}
}

// participantConversation loads a live conversation and checks that userID
// takes part in it.
func participantConversation(ctx context.Context, gw Gateway, conversationID, userID uint) (*models.Conversation, error) {
	conv, err := gw.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrAuthorization
	}
	return conv, nil
}

// Start 返回 (listing, buyer) 对应的会话，不存在时创建并通知卖家。
func (s *ConversationService) Start(ctx context.Context, listingID, buyerID uint) (*models.Conversation, bool, error) {
	sellerID, err := s.gw.ListingSeller(ctx, listingID)
	if err != nil {
		return nil, false, err
	}
	if sellerID == buyerID {
		return nil, false, ErrSelfConversation
	}
	conv, created, err := s.gw.FindOrCreateConversation(ctx, listingID, buyerID, sellerID)
	if err != nil {
		return nil, false, err
	}
	if created {
		for _, id := range conv.Participants() {
			s.bc.AttachUser(id, conv.ID)
		}
		s.bc.ToUser(sellerID, events.NewConversation, events.NewConversationPayload{Conversation: *conv})
		log.Info().Uint("conversation_id", conv.ID).Uint("listing_id", listingID).Uint("buyer_id", buyerID).Msg("conversation started")
	}
	return conv, created, nil
}

func (s *ConversationService) List(ctx context.Context, userID uint) ([]models.Conversation, error) {
	return s.gw.ListConversations(ctx, userID)
}

func (s *ConversationService) Get(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	return participantConversation(ctx, s.gw, conversationID, userID)
}

// Delete 软删除会话，先向房间广播 conversation_deleted，再解散房间。
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID uint) error {
	if _, err := participantConversation(ctx, s.gw, conversationID, userID); err != nil {
		return err
	}
	if err := s.gw.SoftDeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.bc.ToRoom(conversationID, events.ConversationDeleted, events.ConversationPayload{ConversationID: conversationID})
	s.bc.CloseRoom(conversationID)
	log.Info().Uint("conversation_id", conversationID).Uint("user_id", userID).Msg("conversation deleted")
	return nil
}
