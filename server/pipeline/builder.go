package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/store"
)

// Modes accepted by Prepare.
const (
	ModeChat  = "chat"
	ModePlain = "plain"
)

const (
	// fallbackTemperature applies when neither the model override nor
	// the system default is usable.
	fallbackTemperature = 0.7
	// imageTokenOverhead is the flat token cost charged per attached image.
	imageTokenOverhead = 85

	defaultAzureAPIVersion = "2024-02-15-preview"

	builtinSystemPrompt = "You are a helpful assistant.\nCurrent local time: {{current_time}}."

	markdownDirective = "Format responses using Markdown."
)

// protectedBodyKeys may never be overwritten by caller-supplied custom
// body fields.
var protectedBodyKeys = map[string]bool{
	"model":    true,
	"messages": true,
	"stream":   true,
}

// forbiddenHeaders (and the forbiddenHeaderPrefixes below) may never be
// set through caller-supplied custom headers.
var forbiddenHeaders = map[string]bool{
	"authorization":  true,
	"api-key":        true,
	"cookie":         true,
	"host":           true,
	"content-length": true,
}

var forbiddenHeaderPrefixes = []string{"proxy-", "sec-"}

// ErrNoContextWindow indicates a model with no configured context
// window; fatal for the request.
var ErrNoContextWindow = errors.New("no context window configured for model")

// CompletionPayload is the caller-facing completion input.
type CompletionPayload struct {
	Content          string            `json:"content"`
	Images           []string          `json:"images"`
	ClientMessageID  *string           `json:"clientMessageId"`
	ReasoningEnabled *bool             `json:"reasoningEnabled"`
	ReasoningEffort  string            `json:"reasoningEffort"`
	ContextEnabled   *bool             `json:"contextEnabled"`
	SkillHints       []string          `json:"skillHints"`
	CustomBody       map[string]any    `json:"customBody"`
	CustomHeaders    map[string]string `json:"customHeaders"`
}

// PreparedRequest is a fully-formed provider call plus the token
// accounting the rest of the pipeline needs.
type PreparedRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Timeout time.Duration

	Model  string
	Family store.ProviderFamily

	PromptTokens int
	MaxTokens    int
	ContextLimit int
	// ContextRemaining is the unused window after the prompt, floored
	// at zero when the prompt alone overflows it.
	ContextRemaining int

	BlockedBodyKeys []string
	BlockedHeaders  []string
}

// BuilderConfig carries the system-level defaults the builder resolves
// against.
type BuilderConfig struct {
	GlobalPrompt       string
	DefaultTemperature float64
	DefaultMaxTokens   int32
	ProviderTimeout    time.Duration
}

// RequestBuilder assembles provider wire requests from pinned prompts,
// trimmed history, and caller overrides.
type RequestBuilder struct {
	counter *tokenizer.Counter
	config  BuilderConfig
	now     func() time.Time
}

// NewRequestBuilder creates a RequestBuilder.
func NewRequestBuilder(counter *tokenizer.Counter, config BuilderConfig) *RequestBuilder {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 2 * time.Minute
	}
	return &RequestBuilder{counter: counter, config: config, now: time.Now}
}

// Prepare assembles the provider call for one completion turn. history
// must be chronological and already have compressed runs replaced by
// their digests.
func (b *RequestBuilder) Prepare(session *store.ChatSession, model *store.ProviderModel, personalPrompt string, payload *CompletionPayload, history []*store.Message, mode string) (*PreparedRequest, error) {
	contextLimit := int(model.ContextWindow)
	if contextLimit <= 0 {
		return nil, errors.Wrapf(ErrNoContextWindow, "model %s", model.Name)
	}

	pinned := b.pinnedPrompts(session, model, personalPrompt, payload, mode)
	pinnedTokens := 0
	for _, p := range pinned {
		pinnedTokens += b.counter.CountMessage(tokenizer.Message{Role: "system", Content: p})
	}

	turnTokens := b.counter.CountMessage(tokenizer.Message{Role: "user", Content: payload.Content})
	turnTokens += len(payload.Images) * imageTokenOverhead

	// Pinned content is reserved off the top so system prompts are
	// never dropped by truncation.
	var trimmed []tokenizer.Message
	if payload.ContextEnabled == nil || *payload.ContextEnabled {
		budget := contextLimit - pinnedTokens - turnTokens
		full := make([]tokenizer.Message, 0, len(history))
		for _, m := range history {
			full = append(full, tokenizer.Message{Role: m.Role, Content: m.Content})
		}
		trimmed = b.counter.Truncate(full, budget)
	}

	promptTokens := pinnedTokens + b.counter.CountConversation(trimmed) + turnTokens
	remaining := contextLimit - promptTokens
	if remaining < 0 {
		remaining = 0
	}

	completionLimit := model.MaxCompletionTokens
	if completionLimit <= 0 {
		completionLimit = b.config.DefaultMaxTokens
	}
	maxTokens := remaining
	if maxTokens < 1 {
		maxTokens = 1
	}
	if int(completionLimit) < maxTokens {
		maxTokens = int(completionLimit)
	}

	messages := b.wireMessages(model.Family, pinned, trimmed, payload)

	body := map[string]any{
		"messages": messages,
		"stream":   false,
	}
	temperature := b.resolveTemperature(model)
	switch model.Family {
	case store.ProviderLocal:
		body["model"] = model.Name
		body["options"] = map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		}
	case store.ProviderAzure:
		body["max_tokens"] = maxTokens
		body["temperature"] = temperature
	default:
		body["model"] = model.Name
		body["max_tokens"] = maxTokens
		body["temperature"] = temperature
	}

	reasoningEnabled := session.ReasoningEnabled
	if payload.ReasoningEnabled != nil {
		reasoningEnabled = *payload.ReasoningEnabled
	}
	if reasoningEnabled && model.SupportsReasoning {
		if model.Family == store.ProviderLocal {
			body["think"] = true
		} else {
			body["reasoning_effort"] = normalizeEffort(payload.ReasoningEffort)
		}
	}

	blockedBodyKeys := mergeCustomBody(body, payload.CustomBody)

	headers := b.baseHeaders(model)
	blockedHeaders := mergeCustomHeaders(headers, payload.CustomHeaders)

	url, err := providerURL(model)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request body")
	}

	return &PreparedRequest{
		Method:           http.MethodPost,
		URL:              url,
		Headers:          headers,
		Body:             raw,
		Timeout:          b.config.ProviderTimeout,
		Model:            model.Name,
		Family:           model.Family,
		PromptTokens:     promptTokens,
		MaxTokens:        maxTokens,
		ContextLimit:     contextLimit,
		ContextRemaining: remaining,
		BlockedBodyKeys:  blockedBodyKeys,
		BlockedHeaders:   blockedHeaders,
	}, nil
}

// PrepareSingleTurn builds a minimal one-shot request against a model,
// used for summarization and auto-titling.
func (b *RequestBuilder) PrepareSingleTurn(model *store.ProviderModel, prompt string, maxTokens int) (*PreparedRequest, error) {
	if maxTokens < 1 {
		maxTokens = 1
	}
	body := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": prompt}},
		"stream":   false,
	}
	switch model.Family {
	case store.ProviderLocal:
		body["model"] = model.Name
		body["options"] = map[string]any{"num_predict": maxTokens}
	case store.ProviderAzure:
		body["max_tokens"] = maxTokens
	default:
		body["model"] = model.Name
		body["max_tokens"] = maxTokens
	}
	url, err := providerURL(model)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request body")
	}
	return &PreparedRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: b.baseHeaders(model),
		Body:    raw,
		Timeout: b.config.ProviderTimeout,
		Model:   model.Name,
		Family:  model.Family,
	}, nil
}

// pinnedPrompts resolves the system prompts in priority order and
// appends the skill hints and formatting directive.
func (b *RequestBuilder) pinnedPrompts(session *store.ChatSession, model *store.ProviderModel, personalPrompt string, payload *CompletionPayload, mode string) []string {
	base := session.Prompt
	if base == "" {
		base = personalPrompt
	}
	if base == "" {
		base = b.config.GlobalPrompt
	}
	if base == "" {
		base = builtinSystemPrompt
	}
	pinned := []string{b.substitute(base, model)}
	for _, hint := range payload.SkillHints {
		if hint = strings.TrimSpace(hint); hint != "" {
			pinned = append(pinned, b.substitute(hint, model))
		}
	}
	if mode == ModeChat {
		pinned = append(pinned, markdownDirective)
	}
	return pinned
}

// substitute replaces the supported template placeholders textually.
func (b *RequestBuilder) substitute(prompt string, model *store.ProviderModel) string {
	now := b.now()
	replacer := strings.NewReplacer(
		"{{current_time}}", now.Format("2006-01-02 15:04:05"),
		"{{current_date}}", now.Format("2006-01-02"),
		"{{model}}", model.Name,
	)
	return replacer.Replace(prompt)
}

// wireMessages shapes the assembled message list for the provider
// family, inlining attached images on the current turn.
func (b *RequestBuilder) wireMessages(family store.ProviderFamily, pinned []string, trimmed []tokenizer.Message, payload *CompletionPayload) []map[string]any {
	messages := make([]map[string]any, 0, len(pinned)+len(trimmed)+1)
	for _, p := range pinned {
		messages = append(messages, map[string]any{"role": "system", "content": p})
	}
	for _, m := range trimmed {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	turn := map[string]any{"role": "user", "content": payload.Content}
	if len(payload.Images) > 0 {
		if family == store.ProviderLocal {
			// The local runtime takes a flat image list next to the text.
			turn["images"] = payload.Images
		} else {
			parts := []map[string]any{{"type": "text", "text": payload.Content}}
			for _, img := range payload.Images {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": img},
				})
			}
			turn["content"] = parts
		}
	}
	return append(messages, turn)
}

// resolveTemperature applies the priority chain: per-model override,
// system default, fixed fallback. Out-of-range values are ignored.
func (b *RequestBuilder) resolveTemperature(model *store.ProviderModel) float64 {
	if model.Temperature != nil && validTemperature(*model.Temperature) {
		return *model.Temperature
	}
	if validTemperature(b.config.DefaultTemperature) {
		return b.config.DefaultTemperature
	}
	return fallbackTemperature
}

func validTemperature(t float64) bool {
	return t >= 0 && t <= 2
}

func normalizeEffort(effort string) string {
	switch effort {
	case "low", "medium", "high":
		return effort
	default:
		return "medium"
	}
}

// mergeCustomBody merges caller-supplied fields into body, refusing to
// overwrite protected keys. It returns the refused keys.
func mergeCustomBody(body map[string]any, custom map[string]any) []string {
	var blocked []string
	for k, v := range custom {
		if protectedBodyKeys[strings.ToLower(k)] {
			blocked = append(blocked, k)
			continue
		}
		body[k] = v
	}
	return blocked
}

// mergeCustomHeaders merges caller-supplied headers, refusing anything
// on the forbidden list or already present. It returns the refused
// header names.
func mergeCustomHeaders(headers http.Header, custom map[string]string) []string {
	var blocked []string
	for k, v := range custom {
		lower := strings.ToLower(k)
		if forbiddenHeader(lower) || headers.Get(k) != "" {
			blocked = append(blocked, k)
			continue
		}
		headers.Set(k, v)
	}
	return blocked
}

func forbiddenHeader(lower string) bool {
	if forbiddenHeaders[lower] {
		return true
	}
	for _, prefix := range forbiddenHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (b *RequestBuilder) baseHeaders(model *store.ProviderModel) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	switch model.Family {
	case store.ProviderAzure:
		headers.Set("api-key", model.APIKey)
	case store.ProviderLocal:
		if model.APIKey != "" {
			headers.Set("Authorization", "Bearer "+model.APIKey)
		}
	default:
		headers.Set("Authorization", "Bearer "+model.APIKey)
	}
	return headers
}

// providerURL shapes the endpoint per provider family.
func providerURL(model *store.ProviderModel) (string, error) {
	base := strings.TrimSuffix(model.BaseURL, "/")
	if base == "" {
		return "", errors.Errorf("model %s has no base URL", model.Name)
	}
	switch model.Family {
	case store.ProviderOpenAI:
		return base + "/chat/completions", nil
	case store.ProviderAzure:
		version := model.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", base, model.Name, version), nil
	case store.ProviderLocal:
		return base + "/api/chat", nil
	default:
		return "", errors.Errorf("unknown provider family: %s", model.Family)
	}
}
