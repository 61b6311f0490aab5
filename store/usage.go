package store

import "context"

// UsageRecord is written once per completion attempt that produced a
// parseable provider response, whether or not the assistant message was
// persisted.
type UsageRecord struct {
	ID               int32
	SessionID        int32
	MessageID        *int32
	Model            string
	ProviderHost     string
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
	ContextLimit     int32
	CreatedTs        int64
}

// FindUsageRecord filters for ListUsageRecords.
type FindUsageRecord struct {
	SessionID *int32
}

// CreateUsageRecord persists a usage record.
func (s *Store) CreateUsageRecord(ctx context.Context, create *UsageRecord) (*UsageRecord, error) {
	return s.driver.CreateUsageRecord(ctx, create)
}

// ListUsageRecords lists usage records matching the given filter.
func (s *Store) ListUsageRecords(ctx context.Context, find *FindUsageRecord) ([]*UsageRecord, error) {
	return s.driver.ListUsageRecords(ctx, find)
}
