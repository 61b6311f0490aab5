// Package v1 exposes the HTTP API: session management, the completion
// pipeline, message groups, and quota inspection.
package v1

import (
	"context"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/parleyhq/parley/plugin/tokenizer"
	"github.com/parleyhq/parley/server/auth"
	"github.com/parleyhq/parley/server/pipeline"
	"github.com/parleyhq/parley/server/profile"
	"github.com/parleyhq/parley/store"
)

const modelCacheTTL = 5 * time.Minute

// APIV1Service bundles the pipeline components behind the HTTP routes.
type APIV1Service struct {
	Secret  string
	Profile *profile.Profile
	Store   *store.Store

	authn      *auth.Authenticator
	counter    *tokenizer.Counter
	ledger     *pipeline.Ledger
	builder    *pipeline.RequestBuilder
	requester  *pipeline.Requester
	reconciler *pipeline.Reconciler
	compressor *pipeline.Compressor
	modelCache *pipeline.Cache[int32, *store.ProviderModel]
}

// NewAPIV1Service wires the completion pipeline against the store and
// profile.
func NewAPIV1Service(secret string, prof *profile.Profile, st *store.Store) *APIV1Service {
	counter := tokenizer.NewCounter()
	builder := pipeline.NewRequestBuilder(counter, pipeline.BuilderConfig{
		GlobalPrompt:       prof.GlobalPrompt,
		DefaultTemperature: prof.DefaultTemperature,
		DefaultMaxTokens:   prof.DefaultMaxTokens,
		ProviderTimeout:    prof.ProviderTimeout,
	})
	requester := pipeline.NewRequester(pipeline.RequesterConfig{
		RateLimitBackoff:   prof.RateLimitBackoff,
		ServerErrorBackoff: prof.ServerErrorBackoff,
	})

	s := &APIV1Service{
		Secret:     secret,
		Profile:    prof,
		Store:      st,
		authn:      auth.NewAuthenticator(secret),
		counter:    counter,
		ledger:     pipeline.NewLedger(st, prof.UserDailyLimit, prof.AnonymousDailyLimit),
		builder:    builder,
		requester:  requester,
		reconciler: pipeline.NewReconciler(st, pipeline.ReconcilerConfig{SaveReasoning: prof.SaveReasoning}),
		modelCache: pipeline.NewCache[int32, *store.ProviderModel](modelCacheTTL),
	}

	summarizer := pipeline.NewLLMSummarizer(builder, requester, s.resolveSummaryModel)
	s.compressor = pipeline.NewCompressor(st, counter, summarizer, pipeline.CompressorConfig{
		Enabled:        prof.CompressionEnabled,
		ThresholdRatio: prof.CompressionThresholdRatio,
		TailMessages:   prof.CompressionTailMessages,
	})
	return s
}

// Register attaches all v1 routes to the echo instance.
func (s *APIV1Service) Register(e *echo.Echo) {
	s.registerSessionRoutes(e)
	s.registerChatRoutes(e)
}

// resolveSummaryModel picks the model used for digests and titles: the
// configured summary model, otherwise the first registered model.
func (s *APIV1Service) resolveSummaryModel(ctx context.Context) (*store.ProviderModel, error) {
	if s.Profile.SummaryModel != "" {
		return s.Store.GetProviderModel(ctx, &store.FindProviderModel{Name: &s.Profile.SummaryModel})
	}
	models, err := s.Store.ListProviderModels(ctx, &store.FindProviderModel{})
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	return models[0], nil
}

// providerModel returns the model binding by ID through the TTL cache.
func (s *APIV1Service) providerModel(ctx context.Context, id int32) (*store.ProviderModel, error) {
	if model, ok := s.modelCache.Get(id); ok {
		return model, nil
	}
	model, err := s.Store.GetProviderModel(ctx, &store.FindProviderModel{ID: &id})
	if err != nil || model == nil {
		return model, err
	}
	s.modelCache.Set(id, model)
	return model, nil
}

// traceSink adapts the store to the tracer's finalize hook.
type traceSink struct {
	store *store.Store
}

func (t *traceSink) FinalizeTrace(ctx context.Context, traceID string, status string, eventCount int32, durationMs int64) error {
	return t.store.UpdateTrace(ctx, &store.UpdateTrace{
		ID:         traceID,
		Status:     &status,
		EventCount: &eventCount,
		DurationMs: &durationMs,
	})
}
