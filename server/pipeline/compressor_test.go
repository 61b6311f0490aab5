package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/store"
)

type fakeSummarizer struct {
	summary string
	calls   int
}

func (f *fakeSummarizer) Summarize(context.Context, string) (string, error) {
	f.calls++
	return f.summary, nil
}

func seedMessages(t *testing.T, st *store.Store, sessionID int32, n int, content string) []*store.Message {
	t.Helper()
	msgs := make([]*store.Message, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		m, err := st.CreateMessage(context.Background(), &store.CreateMessage{
			SessionID: sessionID,
			Role:      role,
			Content:   content,
		})
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestCompressBelowThresholdNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	seedMessages(t, st, sess.ID, 4, "short")

	summarizer := &fakeSummarizer{summary: "digest"}
	c := NewCompressor(st, tokenizer.NewCounter(), summarizer,
		CompressorConfig{Enabled: true, ThresholdRatio: 0.5, TailMessages: 2})

	result, err := c.CompressIfNeeded(ctx, sess, 100000, 0, 1<<30)
	require.NoError(t, err)
	require.False(t, result.Applied)
	require.Equal(t, "below_threshold", result.Reason)
	require.Zero(t, summarizer.calls)
}

func TestCompressOverThresholdGroupsPrefix(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	msgs := seedMessages(t, st, sess.ID, 10, strings.Repeat("chatter ", 50))

	summarizer := &fakeSummarizer{summary: "what was said before"}
	c := NewCompressor(st, tokenizer.NewCounter(), summarizer,
		CompressorConfig{Enabled: true, ThresholdRatio: 0.5, TailMessages: 4})

	last := msgs[len(msgs)-1]
	result, err := c.CompressIfNeeded(ctx, sess, 1000, last.ID, last.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, 1, summarizer.calls)
	require.Equal(t, 6, result.CompressedCount, "everything except the tail and the protected message")
	require.Less(t, result.AfterTokens, result.BeforeTokens)

	ungrouped, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID, Ungrouped: true})
	require.NoError(t, err)
	require.Len(t, ungrouped, 4, "the tail stays verbatim")
	for _, m := range ungrouped[len(ungrouped)-4:] {
		require.GreaterOrEqual(t, m.ID, msgs[6].ID)
	}

	group, err := st.GetMessageGroup(ctx, &store.FindMessageGroup{SessionID: &sess.ID, Active: true})
	require.NoError(t, err)
	require.NotNil(t, group)
	require.Equal(t, "what was said before", group.Summary)
	require.Equal(t, msgs[5].ID, group.LastMessageID)
	require.NotEmpty(t, group.Snapshot)
}

func TestCompressProtectedMessageExcluded(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	msgs := seedMessages(t, st, sess.ID, 10, strings.Repeat("chatter ", 50))

	c := NewCompressor(st, tokenizer.NewCounter(), &fakeSummarizer{summary: "digest"},
		CompressorConfig{Enabled: true, ThresholdRatio: 0.5, TailMessages: 2})

	// Protect from the third message on: only the first two are candidates.
	protected := msgs[2].ID
	last := msgs[len(msgs)-1]
	result, err := c.CompressIfNeeded(ctx, sess, 1000, protected, last.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, 2, result.CompressedCount)
}

func TestCancelReleasesMembersAndBlocksRegrouping(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	msgs := seedMessages(t, st, sess.ID, 10, strings.Repeat("chatter ", 50))

	summarizer := &fakeSummarizer{summary: "digest"}
	c := NewCompressor(st, tokenizer.NewCounter(), summarizer,
		CompressorConfig{Enabled: true, ThresholdRatio: 0.5, TailMessages: 4})

	last := msgs[len(msgs)-1]
	result, err := c.CompressIfNeeded(ctx, sess, 1000, last.ID, last.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)

	released, err := c.CancelGroup(ctx, result.GroupID, time.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, int64(result.CompressedCount), released)

	ungrouped, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID, Ungrouped: true})
	require.NoError(t, err)
	require.Len(t, ungrouped, 10, "cancel restores the full ungrouped history")

	// A second compression run sees the released members but must not
	// pull them into a new group.
	again, err := c.CompressIfNeeded(ctx, sess, 1000, last.ID, last.ID)
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, "no_candidates", again.Reason)
	require.Equal(t, 1, summarizer.calls, "summarizer not called again")

	released, err = c.CancelGroup(ctx, result.GroupID, time.Now().Unix())
	require.NoError(t, err)
	require.Zero(t, released, "cancel is idempotent")
}

func TestCompressDisabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)

	c := NewCompressor(st, tokenizer.NewCounter(), &fakeSummarizer{summary: "digest"},
		CompressorConfig{Enabled: false, ThresholdRatio: 0.5, TailMessages: 2})

	result, err := c.CompressIfNeeded(ctx, sess, 10, 0, 1<<30)
	require.NoError(t, err)
	require.False(t, result.Applied)
	require.Equal(t, "disabled", result.Reason)
}

func TestSetGroupExpanded(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	msgs := seedMessages(t, st, sess.ID, 10, strings.Repeat("chatter ", 50))

	c := NewCompressor(st, tokenizer.NewCounter(), &fakeSummarizer{summary: "digest"},
		CompressorConfig{Enabled: true, ThresholdRatio: 0.5, TailMessages: 4})
	last := msgs[len(msgs)-1]
	result, err := c.CompressIfNeeded(ctx, sess, 1000, last.ID, last.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)

	require.NoError(t, c.SetGroupExpanded(ctx, result.GroupID, true))
	group, err := st.GetMessageGroup(ctx, &store.FindMessageGroup{ID: &result.GroupID})
	require.NoError(t, err)
	require.True(t, group.Expanded)

	ungrouped, err := st.ListMessages(ctx, &store.FindMessage{SessionID: sess.ID, Ungrouped: true})
	require.NoError(t, err)
	require.Len(t, ungrouped, 4, "expand is presentation only, membership unchanged")
}
