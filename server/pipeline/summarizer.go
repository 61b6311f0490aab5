package pipeline

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/store"
)

const summaryMaxTokens = 512

// LLMSummarizer produces digests by running a single-turn completion
// against a designated summary model.
type LLMSummarizer struct {
	builder   *RequestBuilder
	requester *Requester
	resolve   func(ctx context.Context) (*store.ProviderModel, error)
}

// NewLLMSummarizer creates an LLMSummarizer. resolve picks the model
// used for summarization.
func NewLLMSummarizer(builder *RequestBuilder, requester *Requester, resolve func(ctx context.Context) (*store.ProviderModel, error)) *LLMSummarizer {
	return &LLMSummarizer{builder: builder, requester: requester, resolve: resolve}
}

// Summarize runs the prompt as a one-shot completion and returns the
// reply text.
func (s *LLMSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	model, err := s.resolve(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve summary model")
	}
	if model == nil {
		return "", errors.New("no summary model configured")
	}

	prepared, err := s.builder.PrepareSingleTurn(model, prompt, summaryMaxTokens)
	if err != nil {
		return "", err
	}
	resp, err := s.requester.Do(ctx, prepared, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("summary model returned status %d", resp.StatusCode)
	}
	parsed, err := ParseResponse(model.Family, resp.Body, s.builder.counter, 0)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(parsed.Content)
	if summary == "" {
		return "", errors.New("summary model returned empty content")
	}
	return summary, nil
}
