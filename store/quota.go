package store

import (
	"context"
	"time"
)

// QuotaScope partitions quota records. Authenticated users get one record
// each; every anonymous actor shares the single pooled record.
type QuotaScope string

const (
	QuotaScopeUser      QuotaScope = "USER"
	QuotaScopeAnonymous QuotaScope = "ANONYMOUS"
)

// maxResetSkew bounds how far in the future a stored reset timestamp may
// sit before it is treated as clock skew and the counter is reset.
const maxResetSkew = time.Hour

// QuotaRecord is the per-(scope, identifier) daily usage counter.
// Invariant: UsedCount <= effective limit unless the effective limit is
// negative (unlimited).
type QuotaRecord struct {
	ID               int32
	Scope            QuotaScope
	Identifier       string
	UsedCount        int32
	LastResetTs      int64
	CustomDailyLimit *int32
}

// EffectiveLimit resolves the ceiling actually applied: the per-record
// override when set, otherwise the scope default.
func (r *QuotaRecord) EffectiveLimit(defaultLimit int32) int32 {
	if r.CustomDailyLimit != nil {
		return *r.CustomDailyLimit
	}
	return defaultLimit
}

// ConsumeQuota is the payload for ConsumeQuota. Cost zero inspects
// without debiting; the reset branch may still write.
type ConsumeQuota struct {
	Scope        QuotaScope
	Identifier   string
	Cost         int32
	DefaultLimit int32
	Now          time.Time
}

// ReserveTurn atomically combines the message-dedup lookup, the quota
// debit, and the user-message insert for one logical user turn.
type ReserveTurn struct {
	Scope        QuotaScope
	Identifier   string
	Cost         int32
	DefaultLimit int32
	Now          time.Time

	SessionID       int32
	Content         string
	ClientMessageID *string
	ParentID        *int32
	TokenCount      int32
}

// ReserveResult reports the outcome of a ReserveTurn transaction.
type ReserveResult struct {
	// Accepted is false when the quota check rejected the turn; Message
	// is nil in that case and Quota carries the unchanged snapshot.
	Accepted bool
	// Reused is true when a message with the same ClientMessageID already
	// existed; no debit happened and Message is the stored original.
	Reused  bool
	Message *Message
	Quota   *QuotaRecord
}

// ConsumeQuota runs the quota algorithm inside one transaction scoped to
// the (scope, identifier) row. The returned bool reports acceptance.
func (s *Store) ConsumeQuota(ctx context.Context, consume *ConsumeQuota) (*QuotaRecord, bool, error) {
	return s.driver.ConsumeQuota(ctx, consume)
}

// ReserveTurn runs the combined dedup/quota/insert transaction.
func (s *Store) ReserveTurn(ctx context.Context, reserve *ReserveTurn) (*ReserveResult, error) {
	return s.driver.ReserveTurn(ctx, reserve)
}

// ApplyQuota mutates rec according to the daily-quota algorithm and
// reports whether the cost was accepted. Drivers call this between the
// row fetch and the row write so the policy is implemented exactly once.
//
// Reset happens when the stored reset timestamp precedes the start of
// the current UTC day, or sits implausibly far in the future (clock-skew
// guard). A negative effective limit means unlimited. On rejection rec
// is left unchanged apart from a possible reset.
func ApplyQuota(rec *QuotaRecord, cost int32, defaultLimit int32, now time.Time) bool {
	dayStart := StartOfUTCDay(now)
	lastReset := time.Unix(rec.LastResetTs, 0).UTC()
	if lastReset.Before(dayStart) || lastReset.After(now.Add(maxResetSkew)) {
		rec.UsedCount = 0
		rec.LastResetTs = now.UTC().Unix()
	}

	limit := rec.EffectiveLimit(defaultLimit)
	if limit < 0 {
		rec.UsedCount += cost
		return true
	}
	// Zero cost is an inspection. It must succeed even when UsedCount
	// already sits above a lowered custom limit.
	if cost == 0 {
		return true
	}
	if rec.UsedCount+cost > limit {
		return false
	}
	rec.UsedCount += cost
	return true
}

// StartOfUTCDay returns midnight UTC of the day containing t.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
