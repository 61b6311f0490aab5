package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	events []string
}

func (c *eventCollector) Log(eventType string, _ any) {
	c.events = append(c.events, eventType)
}

func newTestRequester() *Requester {
	r := NewRequester(RequesterConfig{})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func preparedFor(url string) *PreparedRequest {
	return &PreparedRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{}`),
		Timeout: 5 * time.Second,
		Model:   "gpt-test",
	}
}

func TestDoRetriesOnceOnRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newTestRequester().Do(context.Background(), preparedFor(srv.URL), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, attempts)
	require.Equal(t, 2, resp.Attempts)
}

func TestDoRetriesOnceOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := newTestRequester().Do(context.Background(), preparedFor(srv.URL), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, "exhausted retries return the last response")
	require.Equal(t, 2, attempts, "exactly one retry, never more")
}

func TestDoNoRetryOnClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := newTestRequester().Do(context.Background(), preparedFor(srv.URL), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 1, attempts)
}

func TestDoNetworkErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	collector := &eventCollector{}
	_, err := newTestRequester().Do(context.Background(), preparedFor(srv.URL), collector)
	require.Error(t, err)
	require.Contains(t, collector.events, "provider_error")
	require.NotContains(t, collector.events, "provider_response", "network failures are not retried")
}

func TestDoEmitsTraceEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	collector := &eventCollector{}
	_, err := newTestRequester().Do(context.Background(), preparedFor(srv.URL), collector)
	require.NoError(t, err)
	require.Equal(t, []string{"provider_request", "provider_response"}, collector.events)
}

func TestRedactHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-secret")
	headers.Set("Api-Key", "azure-secret")
	headers.Set("X-Api-Key", "other-secret")
	headers.Set("Cookie", "session=abc")
	headers.Set("Content-Type", "application/json")

	out := redactHeaders(headers)
	require.Equal(t, "[redacted]", out["Authorization"])
	require.Equal(t, "[redacted]", out["Api-Key"])
	require.Equal(t, "[redacted]", out["X-Api-Key"])
	require.Equal(t, "[redacted]", out["Cookie"])
	require.Equal(t, "application/json", out["Content-Type"])
}
