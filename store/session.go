package store

import "context"

// ChatSession represents a single conversation thread. The model binding
// and reasoning flag together form the session descriptor the completion
// pipeline consumes.
type ChatSession struct {
	ID        int32
	UID       string
	CreatorID int32  // 0 for anonymous sessions
	AnonKey   string // non-empty when CreatorID == 0
	Title     string
	ModelID   int32
	// Prompt is the session-level pinned system prompt. It outranks the
	// personal and global prompts during request assembly.
	Prompt           string
	ReasoningEnabled bool
	CreatedTs        int64
	UpdatedTs        int64
}

// FindChatSession filters for ListChatSessions.
type FindChatSession struct {
	ID        *int32
	UID       *string
	CreatorID *int32
	AnonKey   *string
}

// UpdateChatSession carries fields accepted by UpdateChatSession.
type UpdateChatSession struct {
	UID              string
	Title            *string
	Prompt           *string
	ReasoningEnabled *bool
}

// CreateChatSession creates a new chat session.
func (s *Store) CreateChatSession(ctx context.Context, create *ChatSession) (*ChatSession, error) {
	return s.driver.CreateChatSession(ctx, create)
}

// ListChatSessions lists sessions matching the given filter.
func (s *Store) ListChatSessions(ctx context.Context, find *FindChatSession) ([]*ChatSession, error) {
	return s.driver.ListChatSessions(ctx, find)
}

// GetChatSession returns the first session matching the given filter.
func (s *Store) GetChatSession(ctx context.Context, find *FindChatSession) (*ChatSession, error) {
	list, err := s.driver.ListChatSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateChatSession updates a session's mutable fields.
func (s *Store) UpdateChatSession(ctx context.Context, update *UpdateChatSession) (*ChatSession, error) {
	return s.driver.UpdateChatSession(ctx, update)
}

// DeleteChatSession deletes a session and all its messages (cascade).
func (s *Store) DeleteChatSession(ctx context.Context, uid string) error {
	return s.driver.DeleteChatSession(ctx, uid)
}
