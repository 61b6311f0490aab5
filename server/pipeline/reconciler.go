package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/store"
)

// Usage source values reported with the completion.
const (
	UsageSourceProvider  = "provider"
	UsageSourceEstimated = "estimated"
)

// ParsedResponse is the provider reply reduced to the fields the
// pipeline persists and returns.
type ParsedResponse struct {
	Content          string
	Reasoning        string
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
	UsageSource      string
}

// Aliases different provider generations have used for the same usage
// counters.
var (
	promptTokenKeys     = []string{"prompt_tokens", "input_tokens", "promptTokens", "prompt_eval_count"}
	completionTokenKeys = []string{"completion_tokens", "output_tokens", "completionTokens", "eval_count"}
	totalTokenKeys      = []string{"total_tokens", "totalTokens"}
)

// ParseResponse decodes a successful provider body for the given
// family. Missing usage counters are estimated from the text so every
// parsed response carries usable numbers.
func ParseResponse(family store.ProviderFamily, body []byte, counter *tokenizer.Counter, promptTokens int32) (*ParsedResponse, error) {
	if family == store.ProviderLocal {
		return parseLocalResponse(body, counter, promptTokens)
	}
	return parseOpenAIResponse(body, counter, promptTokens)
}

func parseOpenAIResponse(body []byte, counter *tokenizer.Counter, promptTokens int32) (*ParsedResponse, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				Reasoning        string `json:"reasoning"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "malformed provider response")
	}
	if len(payload.Choices) == 0 {
		return nil, errors.New("provider response contains no choices")
	}
	msg := payload.Choices[0].Message
	reasoning := msg.Reasoning
	if reasoning == "" {
		reasoning = msg.ReasoningContent
	}
	parsed := &ParsedResponse{Content: msg.Content, Reasoning: reasoning}
	reconcileUsage(parsed, payload.Usage, counter, promptTokens)
	return parsed, nil
}

func parseLocalResponse(body []byte, counter *tokenizer.Counter, promptTokens int32) (*ParsedResponse, error) {
	var payload struct {
		Message struct {
			Content  string `json:"content"`
			Thinking string `json:"thinking"`
		} `json:"message"`
		PromptEvalCount int32 `json:"prompt_eval_count"`
		EvalCount       int32 `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "malformed provider response")
	}
	parsed := &ParsedResponse{Content: payload.Message.Content, Reasoning: payload.Message.Thinking}
	usage := map[string]any{}
	if payload.PromptEvalCount > 0 {
		usage["prompt_eval_count"] = float64(payload.PromptEvalCount)
	}
	if payload.EvalCount > 0 {
		usage["eval_count"] = float64(payload.EvalCount)
	}
	reconcileUsage(parsed, usage, counter, promptTokens)
	return parsed, nil
}

// reconcileUsage fills the token counters from the provider's usage
// block, falling back to computed estimates field by field.
func reconcileUsage(parsed *ParsedResponse, usage map[string]any, counter *tokenizer.Counter, promptTokens int32) {
	parsed.UsageSource = UsageSourceProvider
	if v, ok := usageField(usage, promptTokenKeys); ok {
		parsed.PromptTokens = v
	} else {
		parsed.PromptTokens = promptTokens
		parsed.UsageSource = UsageSourceEstimated
	}
	if v, ok := usageField(usage, completionTokenKeys); ok {
		parsed.CompletionTokens = v
	} else {
		parsed.CompletionTokens = int32(counter.CountTokens(parsed.Content))
		parsed.UsageSource = UsageSourceEstimated
	}
	if v, ok := usageField(usage, totalTokenKeys); ok {
		parsed.TotalTokens = v
	} else {
		parsed.TotalTokens = parsed.PromptTokens + parsed.CompletionTokens
	}
}

// usageField resolves the first present counter among the key aliases.
// A zero counter is treated as absent: some providers emit an explicit
// all-zero usage block, which is no more useful than omitting it.
func usageField(usage map[string]any, keys []string) (int32, bool) {
	for _, key := range keys {
		if raw, ok := usage[key]; ok {
			if f, ok := raw.(float64); ok && f > 0 {
				return int32(f), true
			}
		}
	}
	return 0, false
}

// ReconcilerConfig controls what of the reply gets persisted.
type ReconcilerConfig struct {
	// SaveReasoning persists the model's reasoning text alongside the
	// answer.
	SaveReasoning bool
}

// Reconciler persists the outcome of a completed provider call.
type Reconciler struct {
	store  *store.Store
	config ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(s *store.Store, config ReconcilerConfig) *Reconciler {
	return &Reconciler{store: s, config: config}
}

// Finalize persists the assistant message and the usage record for a
// parsed response. The session may have been deleted while the provider
// call was in flight; the message write is skipped with a warning, but
// the usage record is written regardless. Persistence failures are
// logged, not returned: the user already has the answer.
func (r *Reconciler) Finalize(ctx context.Context, prepared *PreparedRequest, parsed *ParsedResponse, sessionID int32, parentID *int32) *store.Message {
	var saved *store.Message
	sessions, err := r.store.ListChatSessions(ctx, &store.FindChatSession{ID: &sessionID})
	switch {
	case err != nil:
		slog.Error("failed to check session before persisting reply", slog.Any("error", err))
	case len(sessions) == 0:
		slog.Warn("session deleted mid-completion, skipping assistant message", slog.Int("session", int(sessionID)))
	default:
		create := &store.CreateMessage{
			SessionID:  sessionID,
			Role:       "assistant",
			Content:    parsed.Content,
			ParentID:   parentID,
			TokenCount: parsed.CompletionTokens,
		}
		if r.config.SaveReasoning {
			create.Reasoning = parsed.Reasoning
		}
		saved, err = r.store.CreateMessage(ctx, create)
		if err != nil {
			slog.Error("failed to persist assistant message", slog.Any("error", err))
			saved = nil
		}
	}

	record := &store.UsageRecord{
		SessionID:        sessionID,
		Model:            prepared.Model,
		ProviderHost:     providerHost(prepared.URL),
		PromptTokens:     parsed.PromptTokens,
		CompletionTokens: parsed.CompletionTokens,
		TotalTokens:      parsed.TotalTokens,
		ContextLimit:     int32(prepared.ContextLimit),
	}
	if saved != nil {
		record.MessageID = &saved.ID
	}
	if _, err := r.store.CreateUsageRecord(ctx, record); err != nil {
		slog.Error("failed to persist usage record", slog.Any("error", err))
	}
	return saved
}

func providerHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
