package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Auth.APIKey = "runtime-key"
	cfg.Bus.Enabled = false
	cfg.Voices.Path = filepath.Join(dir, "voices")
	cfg.Voices.Database = filepath.Join(dir, "voices.db")
	cfg.EventStore.RetentionMode = "ephemeral"
	return cfg
}

func buildRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	r := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := r.build(context.Background())
	t.Cleanup(r.close)
	require.NoError(t, err)
	return r
}

func runSync(t *testing.T, h http.Handler, endpoint string, params any) (int, protocol.Response) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(protocol.Envelope{Input: protocol.Input{APIKey: "runtime-key", Endpoint: endpoint, Params: raw}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runsync", bytes.NewReader(body)))
	var resp protocol.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestReadinessFollowsComponents(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	h := r.routes(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	r.gateway.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoutesServeJobs(t *testing.T) {
	r := buildRuntime(t, testConfig(t))
	h := r.routes(nil)

	code, resp := runSync(t, h, "chat", map[string]any{"message": "hello", "conversation_id": "rt"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.Len(t, r.sessions.History("rt"), 2)

	code, resp = runSync(t, h, "list_voices", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"voices":[]}`, string(resp.Output))
}

func TestObjectStoreRequiresBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Voices.Storage = "objectstore"
	r := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.close)
	require.Error(t, r.build(context.Background()))
}

func TestEmbeddedBusWithObjectStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Voices.Storage = "objectstore"
	cfg.Voices.Bucket = "runtime-voices"

	r := buildRuntime(t, cfg)
	require.NotNil(t, r.queue)
	require.True(t, r.bus.Healthy())
	r.ready.Store(true)

	rec := httptest.NewRecorder()
	r.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
