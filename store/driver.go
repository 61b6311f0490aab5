package store

import (
	"context"
	"database/sql"
)

// Driver is the interface implemented by every database backend.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateChatSession(ctx context.Context, create *ChatSession) (*ChatSession, error)
	ListChatSessions(ctx context.Context, find *FindChatSession) ([]*ChatSession, error)
	UpdateChatSession(ctx context.Context, update *UpdateChatSession) (*ChatSession, error)
	DeleteChatSession(ctx context.Context, uid string) error

	CreateProviderModel(ctx context.Context, create *ProviderModel) (*ProviderModel, error)
	ListProviderModels(ctx context.Context, find *FindProviderModel) ([]*ProviderModel, error)

	CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	DeleteMessages(ctx context.Context, sessionID int32) error

	CreateMessageGroup(ctx context.Context, create *CreateMessageGroup) (*MessageGroup, error)
	ListMessageGroups(ctx context.Context, find *FindMessageGroup) ([]*MessageGroup, error)
	UpdateGroupExpanded(ctx context.Context, groupID int32, expanded bool) error
	CancelMessageGroup(ctx context.Context, groupID int32, now int64) (int64, error)

	ConsumeQuota(ctx context.Context, consume *ConsumeQuota) (*QuotaRecord, bool, error)
	ReserveTurn(ctx context.Context, reserve *ReserveTurn) (*ReserveResult, error)

	CreateUsageRecord(ctx context.Context, create *UsageRecord) (*UsageRecord, error)
	ListUsageRecords(ctx context.Context, find *FindUsageRecord) ([]*UsageRecord, error)

	CreateTrace(ctx context.Context, create *Trace) (*Trace, error)
	UpdateTrace(ctx context.Context, update *UpdateTrace) error
}
