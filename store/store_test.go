package store_test

import (
	"context"
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

func createTestSession(t *testing.T, st *store.Store) *store.ChatSession {
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
		CreatorID: 1,
		Title:     "New Chat",
		ModelID:   model.ID,
	})
	require.NoError(t, err)
	return sess
}

func TestReserveTurnDebitsAndInserts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createTestSession(t, st)

	result, err := st.ReserveTurn(ctx, &store.ReserveTurn{
		Scope:        store.QuotaScopeUser,
		Identifier:   "user-1",
		Cost:         1,
		DefaultLimit: 5,
		Now:          time.Now(),
		SessionID:    sess.ID,
		Content:      "hello",
		TokenCount:   3,
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, result.Reused)
	require.Equal(t, "user", result.Message.Role)
	require.Equal(t, int32(1), result.Quota.UsedCount)

	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestReserveTurnDedupSkipsDebit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createTestSession(t, st)

	clientID := "client-msg-1"
	reserve := &store.ReserveTurn{
		Scope:           store.QuotaScopeUser,
		Identifier:      "user-1",
		Cost:            1,
		DefaultLimit:    5,
		Now:             time.Now(),
		SessionID:       sess.ID,
		Content:         "hello",
		ClientMessageID: &clientID,
	}
	first, err := st.ReserveTurn(ctx, reserve)
	require.NoError(t, err)
	require.False(t, first.Reused)

	second, err := st.ReserveTurn(ctx, reserve)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Message.ID, second.Message.ID)
	require.Equal(t, int32(1), second.Quota.UsedCount, "duplicate submission costs nothing")

	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1, "no second row for the duplicate")
}

func TestReserveTurnRejectionPersistsNothing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createTestSession(t, st)

	reserve := &store.ReserveTurn{
		Scope:        store.QuotaScopeUser,
		Identifier:   "user-1",
		Cost:         1,
		DefaultLimit: 1,
		Now:          time.Now(),
		SessionID:    sess.ID,
		Content:      "hello",
	}
	first, err := st.ReserveTurn(ctx, reserve)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := st.ReserveTurn(ctx, reserve)
	require.NoError(t, err)
	require.False(t, second.Accepted)
	require.Nil(t, second.Message)

	msgs, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestConsumeQuotaPersistsAcrossCalls(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		rec, accepted, err := st.ConsumeQuota(ctx, &store.ConsumeQuota{
			Scope:        store.QuotaScopeAnonymous,
			Identifier:   "anonymous",
			Cost:         1,
			DefaultLimit: 3,
			Now:          now,
		})
		require.NoError(t, err)
		require.True(t, accepted)
		require.Equal(t, int32(i), rec.UsedCount)
	}

	rec, accepted, err := st.ConsumeQuota(ctx, &store.ConsumeQuota{
		Scope:        store.QuotaScopeAnonymous,
		Identifier:   "anonymous",
		Cost:         1,
		DefaultLimit: 3,
		Now:          now,
	})
	require.NoError(t, err)
	require.False(t, accepted)
	require.Equal(t, int32(3), rec.UsedCount)
}

func TestCreateAndCancelMessageGroup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createTestSession(t, st)

	var ids []int32
	for i := 0; i < 4; i++ {
		m, err := st.CreateMessage(ctx, &store.CreateMessage{
			SessionID: sess.ID,
			Role:      "user",
			Content:   "msg",
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	group, err := st.CreateMessageGroup(ctx, &store.CreateMessageGroup{
		UID:           "grp-1",
		SessionID:     sess.ID,
		Summary:       "a summary",
		Snapshot:      "[]",
		LastMessageID: ids[2],
		MemberIDs:     ids[:3],
	})
	require.NoError(t, err)

	ungrouped, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID, Ungrouped: true})
	require.NoError(t, err)
	require.Len(t, ungrouped, 1, "grouped members leave the ungrouped view")

	released, err := st.CancelMessageGroup(ctx, group.ID, time.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, int64(3), released)

	ungrouped, err = st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID, Ungrouped: true})
	require.NoError(t, err)
	require.Len(t, ungrouped, 4, "cancel restores membership")

	released, err = st.CancelMessageGroup(ctx, group.ID, time.Now().Unix())
	require.NoError(t, err)
	require.Zero(t, released, "second cancel releases nothing")

	groups, err := st.ListMessageGroups(ctx, &store.FindMessageGroup{SessionID: &sess.ID, Active: true})
	require.NoError(t, err)
	require.Empty(t, groups, "cancelled group is no longer active")
}
