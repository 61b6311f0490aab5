package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventLogger receives trace events emitted while talking to the
// provider. The tracer's Recorder satisfies it.
type EventLogger interface {
	Log(eventType string, payload any)
}

// redactedHeaders are replaced with a placeholder in trace events.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"api-key":       true,
	"x-api-key":     true,
	"cookie":        true,
}

// RequesterConfig tunes the retry policy.
type RequesterConfig struct {
	// RateLimitBackoff is the pause before the single retry after a 429.
	RateLimitBackoff time.Duration
	// ServerErrorBackoff is the pause before the single retry after a
	// 5xx response.
	ServerErrorBackoff time.Duration
}

// Requester executes prepared provider requests with a bounded retry:
// at most one extra attempt, and only on a 429 or a 5xx.
type Requester struct {
	client *http.Client
	config RequesterConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRequester creates a Requester. Per-request timeouts come from the
// PreparedRequest, so the shared client carries none.
func NewRequester(config RequesterConfig) *Requester {
	if config.RateLimitBackoff <= 0 {
		config.RateLimitBackoff = 3 * time.Second
	}
	if config.ServerErrorBackoff <= 0 {
		config.ServerErrorBackoff = time.Second
	}
	return &Requester{
		client: &http.Client{},
		config: config,
		sleep:  sleepContext,
	}
}

// ProviderResponse is the raw provider reply.
type ProviderResponse struct {
	StatusCode int
	Body       []byte
	Attempts   int
	Elapsed    time.Duration
}

// Do executes the request, retrying once on a 429 (after the rate-limit
// backoff) or a 5xx (after the server-error backoff). Network errors
// propagate immediately. Non-2xx responses after the retry budget are
// returned as-is for the caller to map.
func (r *Requester) Do(ctx context.Context, prepared *PreparedRequest, events EventLogger) (*ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, prepared.Timeout)
	defer cancel()

	start := time.Now()
	var resp *ProviderResponse
	for attempt := 0; attempt < 2; attempt++ {
		if events != nil {
			events.Log("provider_request", map[string]any{
				"url":     prepared.URL,
				"model":   prepared.Model,
				"attempt": attempt + 1,
				"headers": redactHeaders(prepared.Headers),
			})
		}

		var err error
		resp, err = r.once(ctx, prepared)
		if err != nil {
			if events != nil {
				events.Log("provider_error", map[string]any{"attempt": attempt + 1, "error": err.Error()})
			}
			return nil, err
		}
		if events != nil {
			events.Log("provider_response", map[string]any{
				"attempt":    attempt + 1,
				"status":     resp.StatusCode,
				"body_bytes": len(resp.Body),
			})
		}

		var backoff time.Duration
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			backoff = r.config.RateLimitBackoff
		case resp.StatusCode >= http.StatusInternalServerError:
			backoff = r.config.ServerErrorBackoff
		default:
			resp.Attempts = attempt + 1
			resp.Elapsed = time.Since(start)
			return resp, nil
		}
		if attempt == 0 {
			slog.Warn("provider returned retryable status",
				slog.Int("status", resp.StatusCode),
				slog.String("model", prepared.Model),
				slog.Duration("backoff", backoff))
			if err := r.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	resp.Attempts = 2
	resp.Elapsed = time.Since(start)
	return resp, nil
}

func (r *Requester) once(ctx context.Context, prepared *PreparedRequest) (*ProviderResponse, error) {
	req, err := http.NewRequestWithContext(ctx, prepared.Method, prepared.URL, bytes.NewReader(prepared.Body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create provider request")
	}
	req.Header = prepared.Headers.Clone()

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "provider request failed")
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read provider response")
	}
	return &ProviderResponse{StatusCode: httpResp.StatusCode, Body: body}, nil
}

// redactHeaders returns a loggable copy with secrets masked.
func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vs := range headers {
		if len(vs) == 0 {
			continue
		}
		if redactedHeaders[strings.ToLower(k)] {
			out[k] = "[redacted]"
		} else {
			out[k] = vs[0]
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
