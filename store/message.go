package store

import "context"

// Message is a single message within a session. Messages are never
// mutated after creation except to attach or clear a group membership
// during compression.
type Message struct {
	ID        int32
	SessionID int32
	Role      string // "user" | "assistant"
	Content   string
	// ClientMessageID is the caller-supplied idempotency key, unique per
	// session when present.
	ClientMessageID *string
	ParentID        *int32
	Reasoning       string
	GroupID         *int32
	TokenCount      int32
	CreatedTs       int64
}

// FindMessage filters for ListMessages.
type FindMessage struct {
	SessionID       int32
	ClientMessageID *string
	// Ungrouped restricts the result to messages with no group membership.
	Ungrouped bool
	// MaxID restricts the result to messages with ID <= MaxID.
	MaxID *int32
}

// CreateMessage is the payload for CreateMessage.
type CreateMessage struct {
	SessionID       int32
	Role            string
	Content         string
	ClientMessageID *string
	ParentID        *int32
	Reasoning       string
	TokenCount      int32
}

// CreateMessage persists a new message to a session.
func (s *Store) CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

// ListMessages returns messages for a session, ordered oldest first.
func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

// DeleteMessages deletes all messages for the given session.
func (s *Store) DeleteMessages(ctx context.Context, sessionID int32) error {
	return s.driver.DeleteMessages(ctx, sessionID)
}
