// Package store holds the in-memory implementation of the session
// directory.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dataelement/bisheng-sub006/internal/domain/session"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

var (
	// ErrConversationNotFound is returned when a conversation is not registered.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned when registering a duplicate id.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrConversationRunning is returned when evicting a conversation with
	// a turn still in flight; the janitor converts it into a deferral.
	ErrConversationRunning = errors.New("conversation still running")
)

// MemoryStore is a mutex-based in-memory conversation directory.
// Thread-safe via sync.RWMutex.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*session.Conversation
	log           zerolog.Logger
}

// NewMemoryStore creates a new in-memory conversation directory.
func NewMemoryStore(log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*session.Conversation),
		log:           log.With().Str("component", "conversation-store").Logger(),
	}
}

// Register stores a new conversation.
func (s *MemoryStore) Register(ctx context.Context, conv *session.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return ErrConversationExists
	}
	s.conversations[conv.ID] = conv
	return nil
}

// Get retrieves a conversation by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*session.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// List returns all conversations.
func (s *MemoryStore) List(ctx context.Context) ([]*session.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, conv)
	}
	return result, nil
}

// Evict removes a conversation by id and stops its pump. Eviction of a
// running conversation is refused with ErrConversationRunning: navigation
// away keeps a streaming turn alive in the background, and the janitor
// finishes the eviction once the turn closes.
func (s *MemoryStore) Evict(ctx context.Context, id string) error {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if conv.Running() {
		s.mu.Unlock()
		return ErrConversationRunning
	}
	delete(s.conversations, id)
	s.mu.Unlock()

	conv.Stop()
	metrics.ConversationsEvicted.Inc()
	s.log.Info().Str("chat_id", id).Msg("conversation evicted")
	return nil
}
