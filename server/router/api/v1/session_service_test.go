package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/store"
)

func doJSON(t *testing.T, env *testEnv, method, path, body string) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec, rec.Body.Bytes()
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, 10)
	model, err := env.store.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "mock-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       env.provider.URL,
		ContextWindow: 4096,
	})
	require.NoError(t, err)

	rec, body := doJSON(t, env, http.MethodPost, "/api/v1/sessions",
		`{"title": "My Chat", "modelId": `+jsonInt(model.ID)+`, "prompt": "be brief"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(body, &created))
	uid := created["uid"].(string)
	require.NotEmpty(t, uid)
	require.Equal(t, "My Chat", created["title"])

	rec, body = doJSON(t, env, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	rec, body = doJSON(t, env, http.MethodPatch, "/api/v1/sessions/"+uid, `{"title": "Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated map[string]any
	require.NoError(t, json.Unmarshal(body, &updated))
	require.Equal(t, "Renamed", updated["title"])

	rec, _ = doJSON(t, env, http.MethodPatch, "/api/v1/sessions/"+uid, `{"title": "  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, env, http.MethodDelete, "/api/v1/sessions/"+uid, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = doJSON(t, env, http.MethodGet, "/api/v1/sessions/"+uid+"/messages", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionUnknownModel(t *testing.T) {
	env := newTestEnv(t, 10)
	rec, _ := doJSON(t, env, http.MethodPost, "/api/v1/sessions", `{"title": "x", "modelId": 999}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)
	sess := env.createSession(t)

	var memberIDs []int32
	for i := 0; i < 3; i++ {
		m, err := env.store.CreateMessage(context.Background(), &store.CreateMessage{
			SessionID: sess.ID,
			Role:      "user",
			Content:   "old message",
		})
		require.NoError(t, err)
		memberIDs = append(memberIDs, m.ID)
	}
	group, err := env.store.CreateMessageGroup(context.Background(), &store.CreateMessageGroup{
		UID:           "grp-api",
		SessionID:     sess.ID,
		Summary:       "digest",
		Snapshot:      "[]",
		LastMessageID: memberIDs[2],
		MemberIDs:     memberIDs,
	})
	require.NoError(t, err)

	rec, body := doJSON(t, env, http.MethodGet, "/api/v1/sessions/"+sess.UID+"/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []map[string]any
	require.NoError(t, json.Unmarshal(body, &groups))
	require.Len(t, groups, 1)
	require.Equal(t, false, groups[0]["cancelled"])

	rec, body = doJSON(t, env, http.MethodPost,
		"/api/v1/sessions/"+sess.UID+"/groups/"+group.UID+"/expanded", `{"expanded": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = doJSON(t, env, http.MethodPost,
		"/api/v1/sessions/"+sess.UID+"/groups/"+group.UID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled map[string]any
	require.NoError(t, json.Unmarshal(body, &cancelled))
	require.Equal(t, float64(3), cancelled["releasedMessages"])

	rec, body = doJSON(t, env, http.MethodPost,
		"/api/v1/sessions/"+sess.UID+"/groups/"+group.UID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body, &cancelled))
	require.Equal(t, float64(0), cancelled["releasedMessages"], "second cancel releases nothing")
}

func TestListModelsHidesSecrets(t *testing.T) {
	env := newTestEnv(t, 10)
	_, err := env.store.CreateProviderModel(context.Background(), &store.ProviderModel{
		Name:          "secret-model",
		Family:        store.ProviderOpenAI,
		BaseURL:       env.provider.URL,
		APIKey:        "sk-very-secret",
		ContextWindow: 4096,
	})
	require.NoError(t, err)

	rec, body := doJSON(t, env, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, string(body), "sk-very-secret")
	require.NotContains(t, string(body), "baseUrl")
}

func jsonInt(v int32) string {
	b, _ := json.Marshal(v)
	return string(b)
}
