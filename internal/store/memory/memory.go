// Package memory is an in-process implementation of the persistence
// gateway with the same semantics as the gorm store. It backs tests and
// STORE_DRIVER=memory demo runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"carscanada/internal/models"
	"carscanada/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type pairKey struct {
	listingID, buyerID uint
}

type Store struct {
	mu sync.RWMutex

	// Err, when set, is returned by every write. Tests use it to simulate
	// persistence failures.
	Err error

	now func() time.Time

	nextID   uint
	listings map[uint]models.Listing
	convs    map[uint]*models.Conversation
	byPair   map[pairKey]uint
	messages map[uint][]*models.Message
	users    map[uint]*models.User
	tokens   map[string]*models.RefreshToken
}

func New() *Store {
	return &Store{
		now:      time.Now,
		listings: make(map[uint]models.Listing),
		convs:    make(map[uint]*models.Conversation),
		byPair:   make(map[pairKey]uint),
		messages: make(map[uint][]*models.Message),
		users:    make(map[uint]*models.User),
		tokens:   make(map[string]*models.RefreshToken),
	}
}

var (
	_ service.Gateway = (*Store)(nil)
	_ service.Users   = (*Store)(nil)
)

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// AddListing seeds a listing owned by sellerID and returns its id.
func (s *Store) AddListing(sellerID uint, title string) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	now := s.now()
	s.listings[id] = models.Listing{ID: id, SellerID: sellerID, Title: title, CreatedAt: now, UpdatedAt: now}
	return id
}

func (s *Store) ListingSeller(_ context.Context, listingID uint) (uint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok {
		return 0, service.ErrNotFound
	}
	return l.SellerID, nil
}

func (s *Store) FindOrCreateConversation(_ context.Context, listingID, buyerID, sellerID uint) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, false, s.Err
	}
	key := pairKey{listingID, buyerID}
	if id, ok := s.byPair[key]; ok {
		conv := s.convs[id]
		if conv.DeletedAt.Valid {
			conv.DeletedAt.Valid = false
			cp := *conv
			return &cp, true, nil
		}
		cp := *conv
		return &cp, false, nil
	}
	now := s.now()
	conv := &models.Conversation{
		ID:        s.id(),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv
	s.byPair[key] = conv.ID
	cp := *conv
	return &cp, true, nil
}

func (s *Store) live(id uint) (*models.Conversation, bool) {
	conv, ok := s.convs[id]
	if !ok || conv.DeletedAt.Valid {
		return nil, false
	}
	return conv, true
}

func (s *Store) GetConversation(_ context.Context, id uint) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.live(id)
	if !ok {
		return nil, service.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func lastActivity(c *models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) ListConversations(_ context.Context, userID uint) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0)
	for _, conv := range s.convs {
		if conv.DeletedAt.Valid || !conv.HasParticipant(userID) {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := lastActivity(&out[i]), lastActivity(&out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	conv, ok := s.live(msg.ConversationID)
	if !ok {
		return service.ErrNotFound
	}
	msg.ID = s.id()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	stored := *msg
	s.messages[conv.ID] = append(s.messages[conv.ID], &stored)
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	return nil
}

func (s *Store) ListMessages(_ context.Context, conversationID uint, limit int, beforeID uint) ([]models.Message, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	end := len(all)
	if beforeID > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].ID >= beforeID })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, readerID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, m := range s.messages[conversationID] {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *Store) UnreadCount(_ context.Context, userID uint) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for id, conv := range s.convs {
		if conv.DeletedAt.Valid || !conv.HasParticipant(userID) {
			continue
		}
		for _, m := range s.messages[id] {
			if m.SenderID != userID && !m.IsRead {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) SoftDeleteConversation(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	conv, ok := s.live(id)
	if !ok {
		return service.ErrNotFound
	}
	conv.DeletedAt.Time = s.now()
	conv.DeletedAt.Valid = true
	return nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return service.ErrUsernameTaken
		}
	}
	user.ID = s.id()
	user.CreatedAt = s.now()
	user.UpdatedAt = user.CreatedAt
	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, service.ErrNotFound
}

func (s *Store) UserByID(_ context.Context, id uint) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SaveRefreshToken(_ context.Context, userID uint, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &models.RefreshToken{ID: s.id(), UserID: userID, Token: token, ExpiresAt: expiresAt, CreatedAt: s.now()}
	return nil
}

func (s *Store) RotateRefreshToken(_ context.Context, oldToken, newToken string, expiresAt time.Time) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.tokens[oldToken]
	if !ok || rec.RevokedAt != nil || !rec.ExpiresAt.After(now) {
		return 0, service.ErrNotFound
	}
	rec.RevokedAt = &now
	s.tokens[newToken] = &models.RefreshToken{ID: s.id(), UserID: rec.UserID, Token: newToken, ExpiresAt: expiresAt, CreatedAt: now}
	return rec.UserID, nil
}
