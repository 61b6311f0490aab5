package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/server/profile"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db/sqlite"
)

// anonKey matches the RemoteAddr httptest.NewRequest stamps on requests.
const anonKey = "192.0.2.1"

type testEnv struct {
	echo     *echo.Echo
	store    *store.Store
	provider *httptest.Server
	requests int
}

func newTestEnv(t *testing.T, anonLimit int32) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.provider = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		env.requests++
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "mock answer"}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`)
	}))
	t.Cleanup(env.provider.Close)

	dataDir := t.TempDir()
	driver, err := sqlite.NewDB(filepath.Join(dataDir, "test.db"))
	require.NoError(t, err)
	env.store = store.New(driver)
	require.NoError(t, env.store.Migrate(context.Background()))
	t.Cleanup(func() { _ = env.store.Close() })

	prof := &profile.Profile{
		Mode:                "dev",
		Data:                dataDir,
		Driver:              "sqlite",
		Secret:              "test-secret",
		UserDailyLimit:      100,
		AnonymousDailyLimit: anonLimit,
		DefaultTemperature:  0.7,
		DefaultMaxTokens:    256,
		ProviderTimeout:     5 * time.Second,
		RateLimitBackoff:    10 * time.Millisecond,
		ServerErrorBackoff:  10 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(prof.TraceDir(), 0o750))

	env.echo = echo.New()
	NewAPIV1Service(prof.Secret, prof, env.store).Register(env.echo)
	return env
}

func (env *testEnv) createSession(t *testing.T) *store.ChatSession {
	t.Helper()
	model, err := env.store.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "mock-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       env.provider.URL,
		ContextWindow: 4096,
	})
	require.NoError(t, err)
	sess, err := env.store.CreateChatSession(context.Background(), &store.ChatSession{
		UID:     "e2e-session",
		AnonKey: anonKey,
		Title:   "Existing Title",
		ModelID: model.ID,
	})
	require.NoError(t, err)
	return sess
}

func (env *testEnv) complete(t *testing.T, uid, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+uid+"/completion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestCompletionHappyPath(t *testing.T) {
	env := newTestEnv(t, 10)
	sess := env.createSession(t)

	rec, out := env.complete(t, sess.UID, `{"content": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "mock answer", out["content"])
	require.Equal(t, false, out["messageWasReused"])

	usage := out["usage"].(map[string]any)
	require.Equal(t, float64(20), usage["prompt_tokens"])
	require.Equal(t, float64(5), usage["completion_tokens"])
	require.Equal(t, float64(4096), usage["context_limit"])
	require.Equal(t, "provider", usage["source"])

	quota := out["quota"].(map[string]any)
	require.Equal(t, float64(1), quota["usedCount"])
	require.NotEmpty(t, out["traceId"])

	msgs, err := env.store.ListMessages(context.Background(), &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 2, "user turn and assistant reply persisted")
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestCompletionDedupIdempotence(t *testing.T) {
	env := newTestEnv(t, 10)
	sess := env.createSession(t)

	body := `{"content": "hello", "clientMessageId": "dup-1"}`
	rec, first := env.complete(t, sess.UID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, first["messageWasReused"])

	rec, second := env.complete(t, sess.UID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, second["messageWasReused"])

	firstQuota := first["quota"].(map[string]any)
	secondQuota := second["quota"].(map[string]any)
	require.Equal(t, firstQuota["usedCount"], secondQuota["usedCount"], "duplicate turn is never charged")

	msgs, err := env.store.ListMessages(context.Background(), &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	userCount := 0
	for _, m := range msgs {
		if m.Role == "user" {
			userCount++
		}
	}
	require.Equal(t, 1, userCount, "only one user row despite two submissions")
}

func TestCompletionDailyLimitScenario(t *testing.T) {
	env := newTestEnv(t, 5)
	sess := env.createSession(t)

	for i := 1; i <= 5; i++ {
		rec, out := env.complete(t, sess.UID, fmt.Sprintf(`{"content": "turn %d"}`, i))
		require.Equal(t, http.StatusOK, rec.Code)
		quota := out["quota"].(map[string]any)
		require.Equal(t, float64(i), quota["usedCount"])
		require.Equal(t, float64(5-i), quota["remaining"])
	}

	rec, out := env.complete(t, sess.UID, `{"content": "one too many"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	quota := out["quota"].(map[string]any)
	require.Equal(t, float64(5), quota["usedCount"])
	require.Equal(t, float64(0), quota["remaining"])
	require.Equal(t, 5, env.requests, "rejected turn never reaches the provider")

	msgs, err := env.store.ListMessages(context.Background(), &store.FindMessage{SessionID: sess.ID})
	require.NoError(t, err)
	userCount := 0
	for _, m := range msgs {
		if m.Role == "user" {
			userCount++
		}
	}
	require.Equal(t, 5, userCount, "the rejected turn is not persisted")
}

func TestCompletionForeignSessionHidden(t *testing.T) {
	env := newTestEnv(t, 10)

	model, err := env.store.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "mock-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       env.provider.URL,
		ContextWindow: 4096,
	})
	require.NoError(t, err)
	_, err = env.store.CreateChatSession(context.Background(), &store.ChatSession{
		UID:       "someone-elses",
		CreatorID: 42,
		ModelID:   model.ID,
	})
	require.NoError(t, err)

	rec, _ := env.complete(t, "someone-elses", `{"content": "hello"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompletionEmptyContentRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	sess := env.createSession(t)

	rec, _ := env.complete(t, sess.UID, `{"content": "   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, env.requests)
}

func TestQuotaInspectEndpoint(t *testing.T) {
	env := newTestEnv(t, 5)
	sess := env.createSession(t)
	env.complete(t, sess.UID, `{"content": "hello"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, "ANONYMOUS", snapshot["scope"])
	require.Equal(t, float64(1), snapshot["usedCount"])
	require.Equal(t, float64(4), snapshot["remaining"])

	// Inspect must not debit.
	rec = httptest.NewRecorder()
	env.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, float64(1), snapshot["usedCount"])
}

func TestRetryOnProviderRateLimit(t *testing.T) {
	attempts := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices": [{"message": {"content": "recovered"}}]}`)
	}))
	defer flaky.Close()

	env := newTestEnv(t, 10)
	model, err := env.store.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "flaky-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       flaky.URL,
		ContextWindow: 4096,
	})
	require.NoError(t, err)
	sess, err := env.store.CreateChatSession(context.Background(), &store.ChatSession{
		UID:     "flaky-session",
		AnonKey: anonKey,
		ModelID: model.ID,
	})
	require.NoError(t, err)

	rec, out := env.complete(t, sess.UID, `{"content": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "recovered", out["content"])
	require.Equal(t, 2, attempts)
}
