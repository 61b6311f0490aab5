package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st := store.New(driver)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createSessionWithModel(t *testing.T, st *store.Store) *store.ChatSession {
	t.Helper()
	model, err := st.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "test-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       "https://api.example.com/v1",
		ContextWindow: 4096,
	})
	require.NoError(t, err)
	sess, err := st.CreateChatSession(context.Background(), &store.ChatSession{
		UID:       "sess-1",
		CreatorID: 7,
		Title:     "New Chat",
		ModelID:   model.ID,
	})
	require.NoError(t, err)
	return sess
}

func TestLedgerConsumeOverLimit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newTestStore(t), 2, 2)
	actor := AuthenticatedActor{UserID: 7}

	for i := 0; i < 2; i++ {
		_, err := ledger.Consume(ctx, actor, 1)
		require.NoError(t, err)
	}

	_, err := ledger.Consume(ctx, actor, 1)
	var overLimit *OverLimitError
	require.ErrorAs(t, err, &overLimit)
	require.Equal(t, int32(2), overLimit.Snapshot.UsedCount)
	require.Zero(t, overLimit.Snapshot.Remaining)
	require.False(t, overLimit.Snapshot.Unlimited)
}

func TestLedgerAnonymousSharedPool(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newTestStore(t), 100, 2)

	_, err := ledger.Consume(ctx, AnonymousActor{Key: "10.0.0.1"}, 1)
	require.NoError(t, err)
	_, err = ledger.Consume(ctx, AnonymousActor{Key: "10.0.0.2"}, 1)
	require.NoError(t, err)

	// Third anonymous caller hits the shared pool's limit even though
	// this key never consumed before.
	_, err = ledger.Consume(ctx, AnonymousActor{Key: "10.0.0.3"}, 1)
	var overLimit *OverLimitError
	require.ErrorAs(t, err, &overLimit)
}

func TestLedgerUnlimitedScope(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newTestStore(t), -1, 5)
	actor := AuthenticatedActor{UserID: 7}

	var snapshot *QuotaSnapshot
	for i := 0; i < 20; i++ {
		var err error
		snapshot, err = ledger.Consume(ctx, actor, 1)
		require.NoError(t, err)
	}
	require.True(t, snapshot.Unlimited)
	require.Equal(t, int32(20), snapshot.UsedCount, "unlimited still tracks usage")
}

func TestLedgerInspectDoesNotDebit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newTestStore(t), 5, 5)
	actor := AuthenticatedActor{UserID: 7}

	_, err := ledger.Consume(ctx, actor, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snapshot, err := ledger.Inspect(ctx, actor)
		require.NoError(t, err)
		require.Equal(t, int32(1), snapshot.UsedCount)
		require.Equal(t, int32(4), snapshot.Remaining)
	}
}

func TestLedgerReserveDedup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	ledger := NewLedger(st, 5, 5)
	actor := AuthenticatedActor{UserID: 7}

	clientID := "c1"
	input := &ReserveInput{SessionID: sess.ID, Content: "hello", ClientMessageID: &clientID, Cost: 1}

	first, err := ledger.Reserve(ctx, actor, input)
	require.NoError(t, err)
	require.False(t, first.Reused)

	second, err := ledger.Reserve(ctx, actor, input)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Message.ID, second.Message.ID)
	require.Equal(t, first.Snapshot.UsedCount, second.Snapshot.UsedCount)
}

func TestLedgerDailyReset(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newTestStore(t), 2, 2)
	actor := AuthenticatedActor{UserID: 7}

	day1 := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return day1 }
	for i := 0; i < 2; i++ {
		_, err := ledger.Consume(ctx, actor, 1)
		require.NoError(t, err)
	}
	_, err := ledger.Consume(ctx, actor, 1)
	require.Error(t, err)

	ledger.now = func() time.Time { return day1.Add(8 * time.Hour) } // next UTC day
	snapshot, err := ledger.Consume(ctx, actor, 1)
	require.NoError(t, err)
	require.Equal(t, int32(1), snapshot.UsedCount, "new UTC day starts a fresh counter")
}

func TestOverLimitErrorMatchesStdErrors(t *testing.T) {
	err := error(&OverLimitError{Snapshot: &QuotaSnapshot{UsedCount: 5, DailyLimit: 5}})
	wrapped := errors.Join(errors.New("outer"), err)

	var overLimit *OverLimitError
	require.True(t, errors.As(wrapped, &overLimit))
	require.Contains(t, overLimit.Error(), "5/5")
}
