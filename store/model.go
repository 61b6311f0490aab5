package store

import "context"

// ProviderFamily identifies the upstream wire-protocol shape.
type ProviderFamily string

const (
	// ProviderOpenAI targets an OpenAI-style {base}/chat/completions endpoint.
	ProviderOpenAI ProviderFamily = "openai"
	// ProviderAzure targets a deployment-scoped Azure OpenAI endpoint.
	ProviderAzure ProviderFamily = "azure"
	// ProviderLocal targets a local-runtime {base}/api/chat endpoint.
	ProviderLocal ProviderFamily = "local"
)

// ProviderModel binds a model name to the provider configuration needed
// to call it. Rows are read by the completion pipeline; management of
// these rows is left to external tooling.
type ProviderModel struct {
	ID         int32
	Name       string
	Family     ProviderFamily
	BaseURL    string
	APIKey     string
	APIVersion string // azure only
	// ContextWindow is the provider token limit for one request. A zero
	// value means unconfigured and is a fatal configuration error for
	// any completion against this model.
	ContextWindow       int32
	MaxCompletionTokens int32
	Temperature         *float64
	SupportsReasoning   bool
	CreatedTs           int64
}

// FindProviderModel filters for ListProviderModels.
type FindProviderModel struct {
	ID   *int32
	Name *string
}

// CreateProviderModel registers a model binding.
func (s *Store) CreateProviderModel(ctx context.Context, create *ProviderModel) (*ProviderModel, error) {
	return s.driver.CreateProviderModel(ctx, create)
}

// ListProviderModels lists model bindings matching the given filter.
func (s *Store) ListProviderModels(ctx context.Context, find *FindProviderModel) ([]*ProviderModel, error) {
	return s.driver.ListProviderModels(ctx, find)
}

// GetProviderModel returns the first model binding matching the filter.
func (s *Store) GetProviderModel(ctx context.Context, find *FindProviderModel) (*ProviderModel, error) {
	list, err := s.driver.ListProviderModels(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}
