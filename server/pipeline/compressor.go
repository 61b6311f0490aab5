package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/store"
)

// Summarizer produces a textual digest for a run of conversation text.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// CompressorConfig is the compression policy. Zero values disable
// compression outright.
type CompressorConfig struct {
	Enabled bool
	// ThresholdRatio is the fraction of the context limit that triggers
	// compression.
	ThresholdRatio float64
	// TailMessages is the minimum number of most-recent messages always
	// left uncompressed.
	TailMessages int
}

// Compressor summarizes overflowed history into a replacement digest.
type Compressor struct {
	store      *store.Store
	counter    *tokenizer.Counter
	summarizer Summarizer
	config     CompressorConfig
}

// NewCompressor creates a Compressor.
func NewCompressor(s *store.Store, counter *tokenizer.Counter, summarizer Summarizer, config CompressorConfig) *Compressor {
	return &Compressor{store: s, counter: counter, summarizer: summarizer, config: config}
}

// CompressResult reports whether compression applied and, if so, the
// outcome payload.
type CompressResult struct {
	Applied         bool   `json:"applied"`
	Reason          string `json:"reason,omitempty"`
	GroupID         int32  `json:"groupId,omitempty"`
	GroupUID        string `json:"groupUid,omitempty"`
	CompressedCount int    `json:"compressedCount,omitempty"`
	ThresholdTokens int    `json:"thresholdTokens,omitempty"`
	BeforeTokens    int    `json:"beforeTokens,omitempty"`
	AfterTokens     int    `json:"afterTokens,omitempty"`
	TailMessages    int    `json:"tailMessages,omitempty"`
}

type snapshotMessage struct {
	ID        int32  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedTs int64  `json:"createdTs"`
}

// CompressIfNeeded compresses the session's history into a digest group
// when the token count crosses the configured fraction of contextLimit.
// Messages at or after protectedMessageID and the trailing tail are
// never candidates, and members of a cancelled group never re-enter
// another group.
func (c *Compressor) CompressIfNeeded(ctx context.Context, session *store.ChatSession, contextLimit int, protectedMessageID, historyUpperBound int32) (*CompressResult, error) {
	if !c.config.Enabled || c.summarizer == nil {
		return &CompressResult{Applied: false, Reason: "disabled"}, nil
	}

	msgs, err := c.store.ListMessages(ctx, &store.FindMessage{
		SessionID: session.ID,
		Ungrouped: true,
		MaxID:     &historyUpperBound,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load history")
	}
	groups, err := c.store.ListMessageGroups(ctx, &store.FindMessageGroup{SessionID: &session.ID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load groups")
	}

	beforeTokens := c.counter.CountConversation(conversationOf(msgs, groups))
	thresholdTokens := int(c.config.ThresholdRatio * float64(contextLimit))
	if beforeTokens <= thresholdTokens {
		return &CompressResult{Applied: false, Reason: "below_threshold", BeforeTokens: beforeTokens, ThresholdTokens: thresholdTokens}, nil
	}

	candidates := c.selectCandidates(msgs, groups, protectedMessageID)
	if len(candidates) == 0 {
		return &CompressResult{Applied: false, Reason: "no_candidates", BeforeTokens: beforeTokens, ThresholdTokens: thresholdTokens}, nil
	}

	summary, err := c.summarizer.Summarize(ctx, summaryPrompt(candidates))
	if err != nil {
		return nil, errors.Wrap(err, "summarization failed")
	}

	snapshot := make([]snapshotMessage, 0, len(candidates))
	memberIDs := make([]int32, 0, len(candidates))
	candidateTokens := 0
	for _, m := range candidates {
		snapshot = append(snapshot, snapshotMessage{ID: m.ID, Role: m.Role, Content: m.Content, CreatedTs: m.CreatedTs})
		memberIDs = append(memberIDs, m.ID)
		candidateTokens += c.counter.CountMessage(tokenizer.Message{Role: m.Role, Content: m.Content})
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal snapshot")
	}

	group, err := c.store.CreateMessageGroup(ctx, &store.CreateMessageGroup{
		UID:           shortuuid.New(),
		SessionID:     session.ID,
		Summary:       summary,
		Snapshot:      string(snapshotJSON),
		LastMessageID: candidates[len(candidates)-1].ID,
		MemberIDs:     memberIDs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create group")
	}

	digestTokens := c.counter.CountMessage(tokenizer.Message{Role: "assistant", Content: DigestContent(summary)})
	return &CompressResult{
		Applied:         true,
		GroupID:         group.ID,
		GroupUID:        group.UID,
		CompressedCount: len(candidates),
		ThresholdTokens: thresholdTokens,
		BeforeTokens:    beforeTokens,
		AfterTokens:     beforeTokens - candidateTokens + digestTokens,
		TailMessages:    c.config.TailMessages,
	}, nil
}

// selectCandidates picks the compressible prefix: everything except the
// trailing tail, anything at or after the protected message, and any
// member of a previously cancelled group.
func (c *Compressor) selectCandidates(msgs []*store.Message, groups []*store.MessageGroup, protectedMessageID int32) []*store.Message {
	cancelled := cancelledMemberIDs(groups)
	cutoff := len(msgs) - c.config.TailMessages
	if cutoff < 0 {
		cutoff = 0
	}
	var candidates []*store.Message
	for _, m := range msgs[:cutoff] {
		if protectedMessageID > 0 && m.ID >= protectedMessageID {
			continue
		}
		if cancelled[m.ID] {
			continue
		}
		candidates = append(candidates, m)
	}
	return candidates
}

// cancelledMemberIDs collects the message IDs recorded in the snapshots
// of cancelled groups.
func cancelledMemberIDs(groups []*store.MessageGroup) map[int32]bool {
	out := map[int32]bool{}
	for _, g := range groups {
		if g.CancelledTs == nil {
			continue
		}
		var snapshot []snapshotMessage
		if err := json.Unmarshal([]byte(g.Snapshot), &snapshot); err != nil {
			continue
		}
		for _, m := range snapshot {
			out[m.ID] = true
		}
	}
	return out
}

// CancelGroup releases a group's members and marks it cancelled. A
// second cancel releases zero messages.
func (c *Compressor) CancelGroup(ctx context.Context, groupID int32, now int64) (int64, error) {
	return c.store.CancelMessageGroup(ctx, groupID, now)
}

// SetGroupExpanded toggles the presentation flag only.
func (c *Compressor) SetGroupExpanded(ctx context.Context, groupID int32, expanded bool) error {
	return c.store.UpdateGroupExpanded(ctx, groupID, expanded)
}

// DigestContent renders a group summary as the assistant message that
// stands in for the compressed run.
func DigestContent(summary string) string {
	return "[Summary of earlier conversation]\n" + summary
}

// conversationOf converts history plus active group digests into the
// counter's message shape.
func conversationOf(msgs []*store.Message, groups []*store.MessageGroup) []tokenizer.Message {
	out := make([]tokenizer.Message, 0, len(msgs)+len(groups))
	for _, g := range groups {
		if g.CancelledTs == nil {
			out = append(out, tokenizer.Message{Role: "assistant", Content: DigestContent(g.Summary)})
		}
	}
	for _, m := range msgs {
		out = append(out, tokenizer.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func summaryPrompt(msgs []*store.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarise this conversation concisely, preserving key facts and decisions:\n\n")
	for _, m := range msgs {
		sb.WriteString(m.Role + ": " + m.Content + "\n")
	}
	return sb.String()
}
