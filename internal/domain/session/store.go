package session

import "context"

// Store is the process-wide conversation directory keyed by conversation
// id. Only the gateway manager (register/evict around connections) and
// the dispatcher (pending-input context) write through it.
type Store interface {
	// Register stores a new conversation.
	Register(ctx context.Context, conv *Conversation) error

	// Get retrieves a conversation by id.
	Get(ctx context.Context, id string) (*Conversation, error)

	// List returns all conversations, for sweep iteration.
	List(ctx context.Context) ([]*Conversation, error)

	// Evict removes a conversation by id.
	Evict(ctx context.Context, id string) error
}
