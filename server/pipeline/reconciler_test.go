package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/store"
)

func TestParseResponseProviderUsage(t *testing.T) {
	counter := tokenizer.NewCounter()
	body := []byte(`{
		"choices": [{"message": {"content": "hello there"}}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
	}`)
	parsed, err := ParseResponse(store.ProviderOpenAI, body, counter, 99)
	require.NoError(t, err)
	require.Equal(t, "hello there", parsed.Content)
	require.Equal(t, int32(40), parsed.PromptTokens)
	require.Equal(t, int32(12), parsed.CompletionTokens)
	require.Equal(t, int32(52), parsed.TotalTokens)
	require.Equal(t, UsageSourceProvider, parsed.UsageSource)
}

func TestParseResponseLegacyUsageKeys(t *testing.T) {
	counter := tokenizer.NewCounter()
	body := []byte(`{
		"choices": [{"message": {"content": "hi"}}],
		"usage": {"input_tokens": 30, "output_tokens": 8}
	}`)
	parsed, err := ParseResponse(store.ProviderOpenAI, body, counter, 99)
	require.NoError(t, err)
	require.Equal(t, int32(30), parsed.PromptTokens)
	require.Equal(t, int32(8), parsed.CompletionTokens)
	require.Equal(t, int32(38), parsed.TotalTokens, "missing total is computed")
	require.Equal(t, UsageSourceProvider, parsed.UsageSource)
}

func TestParseResponseComputedFallback(t *testing.T) {
	counter := tokenizer.NewCounter()
	body := []byte(`{"choices": [{"message": {"content": "hello world answer"}}]}`)
	parsed, err := ParseResponse(store.ProviderOpenAI, body, counter, 55)
	require.NoError(t, err)
	require.Equal(t, int32(55), parsed.PromptTokens, "prompt falls back to the builder's count")
	require.Equal(t, int32(counter.CountTokens("hello world answer")), parsed.CompletionTokens)
	require.Equal(t, parsed.PromptTokens+parsed.CompletionTokens, parsed.TotalTokens)
	require.Equal(t, UsageSourceEstimated, parsed.UsageSource)
}

func TestParseResponseAllZeroUsageFallsBack(t *testing.T) {
	counter := tokenizer.NewCounter()
	body := []byte(`{
		"choices": [{"message": {"content": "hello world answer"}}],
		"usage": {"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}
	}`)
	parsed, err := ParseResponse(store.ProviderOpenAI, body, counter, 55)
	require.NoError(t, err)
	require.Equal(t, int32(55), parsed.PromptTokens, "explicit zeros carry no information")
	require.Equal(t, int32(counter.CountTokens("hello world answer")), parsed.CompletionTokens)
	require.Equal(t, parsed.PromptTokens+parsed.CompletionTokens, parsed.TotalTokens)
	require.Equal(t, UsageSourceEstimated, parsed.UsageSource)
}

func TestParseResponseReasoningVariants(t *testing.T) {
	counter := tokenizer.NewCounter()

	parsed, err := ParseResponse(store.ProviderOpenAI,
		[]byte(`{"choices": [{"message": {"content": "a", "reasoning": "thought A"}}]}`), counter, 0)
	require.NoError(t, err)
	require.Equal(t, "thought A", parsed.Reasoning)

	parsed, err = ParseResponse(store.ProviderAzure,
		[]byte(`{"choices": [{"message": {"content": "a", "reasoning_content": "thought B"}}]}`), counter, 0)
	require.NoError(t, err)
	require.Equal(t, "thought B", parsed.Reasoning)
}

func TestParseResponseLocalFamily(t *testing.T) {
	counter := tokenizer.NewCounter()
	body := []byte(`{
		"message": {"content": "local reply", "thinking": "local thought"},
		"prompt_eval_count": 25,
		"eval_count": 6
	}`)
	parsed, err := ParseResponse(store.ProviderLocal, body, counter, 99)
	require.NoError(t, err)
	require.Equal(t, "local reply", parsed.Content)
	require.Equal(t, "local thought", parsed.Reasoning)
	require.Equal(t, int32(25), parsed.PromptTokens)
	require.Equal(t, int32(6), parsed.CompletionTokens)
	require.Equal(t, int32(31), parsed.TotalTokens)
	require.Equal(t, UsageSourceProvider, parsed.UsageSource)
}

func TestParseResponseMalformed(t *testing.T) {
	counter := tokenizer.NewCounter()

	_, err := ParseResponse(store.ProviderOpenAI, []byte(`not json`), counter, 0)
	require.Error(t, err)

	_, err = ParseResponse(store.ProviderOpenAI, []byte(`{"choices": []}`), counter, 0)
	require.Error(t, err)
}

func TestFinalizePersistsMessageAndUsage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	r := NewReconciler(st, ReconcilerConfig{SaveReasoning: true})

	prepared := &PreparedRequest{URL: "https://api.example.com/v1/chat/completions", Model: "test-model", ContextLimit: 4096}
	parsed := &ParsedResponse{Content: "answer", Reasoning: "thought", PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}

	saved := r.Finalize(ctx, prepared, parsed, sess.ID, nil)
	require.NotNil(t, saved)
	require.Equal(t, "assistant", saved.Role)
	require.Equal(t, "thought", saved.Reasoning)

	records, err := st.ListUsageRecords(ctx, &store.FindUsageRecord{SessionID: &sess.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int32(14), records[0].TotalTokens)
	require.Equal(t, "api.example.com", records[0].ProviderHost)
	require.NotNil(t, records[0].MessageID)
	require.Equal(t, saved.ID, *records[0].MessageID)
}

func TestFinalizeSessionDeletedSkipsMessageKeepsUsage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess := createSessionWithModel(t, st)
	r := NewReconciler(st, ReconcilerConfig{})

	require.NoError(t, st.DeleteChatSession(ctx, sess.UID))

	prepared := &PreparedRequest{URL: "https://api.example.com/v1/chat/completions", Model: "test-model", ContextLimit: 4096}
	parsed := &ParsedResponse{Content: "answer", PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}

	saved := r.Finalize(ctx, prepared, parsed, sess.ID, nil)
	require.Nil(t, saved, "no assistant message for a deleted session")

	records, err := st.ListUsageRecords(ctx, &store.FindUsageRecord{SessionID: &sess.ID})
	require.NoError(t, err)
	require.Len(t, records, 1, "usage is recorded regardless")
	require.Nil(t, records[0].MessageID)
}
