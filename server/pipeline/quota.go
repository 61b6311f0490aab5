package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/store"
)

// QuotaSnapshot is the externally serialized view of a quota record.
type QuotaSnapshot struct {
	Scope             string `json:"scope"`
	Identifier        string `json:"identifier"`
	DailyLimit        int32  `json:"dailyLimit"`
	UsedCount         int32  `json:"usedCount"`
	Remaining         int32  `json:"remaining"`
	LastResetAt       string `json:"lastResetAt"`
	Unlimited         bool   `json:"unlimited"`
	CustomDailyLimit  *int32 `json:"customDailyLimit"`
	UsingDefaultLimit bool   `json:"usingDefaultLimit"`
}

// OverLimitError is returned when a consume would exceed the effective
// limit. It carries the read-only snapshot so callers can report the
// current state without a second lookup.
type OverLimitError struct {
	Snapshot *QuotaSnapshot
}

func (e *OverLimitError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d/%d used", e.Snapshot.UsedCount, e.Snapshot.DailyLimit)
}

// Ledger meters usage against per-scope daily quotas. All mutation goes
// through one transaction per (scope, identifier) row inside the store.
type Ledger struct {
	store     *store.Store
	userLimit int32
	anonLimit int32
	now       func() time.Time
}

// NewLedger creates a Ledger with the given scope defaults. A negative
// default makes the scope unlimited.
func NewLedger(s *store.Store, userLimit, anonLimit int32) *Ledger {
	return &Ledger{store: s, userLimit: userLimit, anonLimit: anonLimit, now: time.Now}
}

func (l *Ledger) defaultLimit(scope store.QuotaScope) int32 {
	if scope == store.QuotaScopeUser {
		return l.userLimit
	}
	return l.anonLimit
}

// Consume debits cost from the actor's quota. On rejection it returns an
// *OverLimitError carrying the unchanged snapshot.
func (l *Ledger) Consume(ctx context.Context, actor Actor, cost int32) (*QuotaSnapshot, error) {
	scope, identifier := ResolveScope(actor)
	defaultLimit := l.defaultLimit(scope)
	rec, accepted, err := l.store.ConsumeQuota(ctx, &store.ConsumeQuota{
		Scope:        scope,
		Identifier:   identifier,
		Cost:         cost,
		DefaultLimit: defaultLimit,
		Now:          l.now(),
	})
	if err != nil {
		return nil, err
	}
	snapshot := snapshotFromRecord(rec, defaultLimit)
	if !accepted {
		return nil, &OverLimitError{Snapshot: snapshot}
	}
	return snapshot, nil
}

// Inspect reports the actor's quota without debiting. The daily reset
// may still be written as a side effect.
func (l *Ledger) Inspect(ctx context.Context, actor Actor) (*QuotaSnapshot, error) {
	return l.Consume(ctx, actor, 0)
}

// ReserveInput describes one logical user turn to reserve.
type ReserveInput struct {
	SessionID       int32
	Content         string
	ClientMessageID *string
	ParentID        *int32
	TokenCount      int32
	Cost            int32
}

// ReserveOutcome is the result of a turn reservation.
type ReserveOutcome struct {
	Message  *store.Message
	Reused   bool
	Snapshot *QuotaSnapshot
}

// Reserve atomically runs the dedup lookup, the quota debit, and the
// user-message insert. Duplicate submissions (same ClientMessageID)
// return the original message with Reused set and no debit.
func (l *Ledger) Reserve(ctx context.Context, actor Actor, input *ReserveInput) (*ReserveOutcome, error) {
	scope, identifier := ResolveScope(actor)
	defaultLimit := l.defaultLimit(scope)
	result, err := l.store.ReserveTurn(ctx, &store.ReserveTurn{
		Scope:           scope,
		Identifier:      identifier,
		Cost:            input.Cost,
		DefaultLimit:    defaultLimit,
		Now:             l.now(),
		SessionID:       input.SessionID,
		Content:         input.Content,
		ClientMessageID: input.ClientMessageID,
		ParentID:        input.ParentID,
		TokenCount:      input.TokenCount,
	})
	if err != nil {
		return nil, err
	}
	snapshot := snapshotFromRecord(result.Quota, defaultLimit)
	if !result.Accepted {
		return nil, &OverLimitError{Snapshot: snapshot}
	}
	return &ReserveOutcome{Message: result.Message, Reused: result.Reused, Snapshot: snapshot}, nil
}

func snapshotFromRecord(rec *store.QuotaRecord, defaultLimit int32) *QuotaSnapshot {
	limit := rec.EffectiveLimit(defaultLimit)
	snapshot := &QuotaSnapshot{
		Scope:             string(rec.Scope),
		Identifier:        rec.Identifier,
		DailyLimit:        limit,
		UsedCount:         rec.UsedCount,
		LastResetAt:       time.Unix(rec.LastResetTs, 0).UTC().Format(time.RFC3339),
		Unlimited:         limit < 0,
		CustomDailyLimit:  rec.CustomDailyLimit,
		UsingDefaultLimit: rec.CustomDailyLimit == nil,
	}
	if !snapshot.Unlimited {
		snapshot.Remaining = limit - rec.UsedCount
		if snapshot.Remaining < 0 {
			snapshot.Remaining = 0
		}
	}
	return snapshot
}
