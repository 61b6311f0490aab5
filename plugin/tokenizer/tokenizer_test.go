package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountTokensMonotonic(t *testing.T) {
	c := NewCounter()
	require.Equal(t, 0, c.CountTokens(""))

	prev := 0
	text := ""
	for i := 0; i < 50; i++ {
		text += "hello world "
		n := c.CountTokens(text)
		require.GreaterOrEqual(t, n, prev, "longer text must never count fewer tokens")
		prev = n
	}
}

func TestCountMessageIncludesOverhead(t *testing.T) {
	c := NewCounter()
	m := Message{Role: "user", Content: "hi"}
	require.Greater(t, c.CountMessage(m), c.CountTokens(m.Content))
}

func TestTruncateKeepsNewestSuffix(t *testing.T) {
	c := NewCounter()
	msgs := []Message{
		{Role: "user", Content: strings.Repeat("old ", 100)},
		{Role: "assistant", Content: strings.Repeat("mid ", 100)},
		{Role: "user", Content: "newest"},
	}
	budget := c.CountMessage(msgs[2]) + replyPrimer

	kept := c.Truncate(msgs, budget)
	require.Len(t, kept, 1)
	require.Equal(t, "newest", kept[0].Content)
}

func TestTruncateChronologicalOrder(t *testing.T) {
	c := NewCounter()
	msgs := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}
	kept := c.Truncate(msgs, c.CountConversation(msgs))
	require.Equal(t, msgs, kept)
}

func TestTruncateZeroBudget(t *testing.T) {
	c := NewCounter()
	msgs := []Message{{Role: "user", Content: "anything"}}
	require.Nil(t, c.Truncate(msgs, 0))
	require.Nil(t, c.Truncate(msgs, -5))
}

func TestTruncateNothingFits(t *testing.T) {
	c := NewCounter()
	msgs := []Message{{Role: "user", Content: strings.Repeat("x", 4000)}}
	require.Nil(t, c.Truncate(msgs, 10))
}
