package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"offlinequeue/internal/config"
	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/models"
	"offlinequeue/internal/offline"
	"offlinequeue/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *repository.MemoryStore
	monitor *connectivity.Monitor
	svc     *offline.Service
	ts      *httptest.Server
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	monitor := connectivity.NewMonitor(connectivity.Options{}, nil)
	svc := offline.NewService(offline.Deps{Store: store, Monitor: monitor}, nil)
	t.Cleanup(svc.Close)

	server := NewHTTPServer(cfg, svc, monitor, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, monitor: monitor, svc: svc, ts: ts}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEnqueueAndListOperations(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/operations", map[string]any{
		"type":    "update",
		"target":  "tickets",
		"payload": map[string]any{"estado": "finalizado"},
		"filters": map[string]any{"id": map[string]any{"eq": 5}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	_, err := env.svc.EnqueueOperation(t.Context(), models.OperationInsert, "notes", map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/operations", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/operations?target=tickets", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ops := body["operations"].([]any)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].(map[string]any)["id"])

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/operations/count", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["pending"])
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	tests := []struct {
		name string
		body any
	}{
		{name: "unknown type", body: map[string]any{"type": "upsert", "target": "t", "payload": map[string]any{}}},
		{name: "delete without filters", body: map[string]any{"type": "delete", "target": "t"}},
		{name: "unknown field", body: map[string]any{"type": "insert", "target": "t", "payload": map[string]any{"a": 1}, "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/operations", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	n, err := env.store.Count(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncAndConnectivity(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/sync", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])

	resp, body = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/sync", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["queued"], "second request coalesces with the pending one")

	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/connectivity", map[string]bool{"online": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.monitor.Online())

	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/connectivity", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/sync", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{Auth: config.APIAuthConfig{Enabled: true}})

	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "health is not behind auth")
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}
