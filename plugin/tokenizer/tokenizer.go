// Package tokenizer approximates provider tokenization for budgeting
// purposes. Counting is monotonic (longer text never yields fewer
// tokens), which is what truncation convergence relies on.
package tokenizer

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// messageOverhead is the fixed per-message token cost for role and
	// formatting markers.
	messageOverhead = 4
	// replyPrimer accounts for the tokens priming the assistant reply.
	replyPrimer = 3
)

// Message is the minimal shape the counter needs.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens using the cl100k_base encoding, falling back to
// a bytes/4 heuristic when the encoding cannot be loaded (e.g. no
// network to fetch the BPE ranks on first use).
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken unavailable, using heuristic token counting", "err", err)
		enc = nil
	}
	return &Counter{enc: enc}
}

// CountTokens returns the token count for a plain text string.
func (c *Counter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// ~4 bytes per token for English text; ceil division.
	return (len(text) + 3) / 4
}

// CountMessage returns the cost of one message including its overhead.
func (c *Counter) CountMessage(m Message) int {
	return messageOverhead + c.CountTokens(m.Role) + c.CountTokens(m.Content)
}

// CountConversation returns the cost of a full message list.
func (c *Counter) CountConversation(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPrimer
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// Truncate selects the suffix of msgs that fits within maxTokens,
// walking newest-first and stopping before the budget is exceeded. The
// result is returned in chronological order. Pinned system content must
// be costed by the caller and subtracted from the budget beforehand; it
// never passes through here.
func (c *Counter) Truncate(msgs []Message, maxTokens int) []Message {
	if maxTokens <= 0 || len(msgs) == 0 {
		return nil
	}
	total := replyPrimer
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := c.CountMessage(msgs[i])
		if total+cost > maxTokens {
			break
		}
		total += cost
		cut = i
	}
	if cut == len(msgs) {
		return nil
	}
	return msgs[cut:]
}
