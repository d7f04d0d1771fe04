package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/bus/transport"
	"github.com/extmesh/extmesh/internal/codec"
	"github.com/extmesh/extmesh/internal/infrastructure/config"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/locus"
	"github.com/extmesh/extmesh/internal/netrules"
	"github.com/extmesh/extmesh/internal/netrules/engine"
	"github.com/extmesh/extmesh/internal/registry"
	"github.com/extmesh/extmesh/internal/vault"
)

func newTestServer(t *testing.T) (*Server, *engine.Memory, vault.Vault) {
	t.Helper()

	cfg := config.Default()
	cfg.Logging.Development = false
	cfg.Server.RateLimitEnabled = false

	log := logging.NewNop()
	reg := codec.NewRegistry(codec.DefaultRegistryConfig())
	t.Cleanup(reg.Stop)

	detector := locus.NewDetector(locus.Environment{
		Protocol:      "ext",
		HasRuleAPI:    true,
		HasStorageAPI: true,
	})
	hub := transport.NewHub()
	b := bus.New(
		bus.Config{AppName: cfg.App.Name, RequestTimeout: time.Second},
		detector, codec.New(reg), log,
		bus.WithTransport(hub),
	)
	require.NoError(t, b.Init())
	t.Cleanup(func() { b.Destroy() })

	eng := engine.NewMemory()
	v := vault.NewMemory()
	require.NoError(t, v.Init())
	rules := netrules.New(
		netrules.Config{RuleTTL: 30 * time.Second, SweepInterval: 10 * time.Second},
		registry.Defaults(), v, eng, log,
	)
	require.NoError(t, rules.Start(t.Context()))
	t.Cleanup(func() { rules.Stop(t.Context()) })

	s := New(cfg, Deps{
		Bus:      b,
		Hub:      hub,
		Rules:    rules,
		Registry: registry.Defaults(),
		Vault:    v,
		Metrics:  monitoring.NewMetrics(),
	}, log)
	return s, eng, v
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var payload *bytes.Reader
	if body != nil {
		data, _ := sonic.Marshal(body)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["bus_ready"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "extmesh_")
}

func TestObserveActivatesRules(t *testing.T) {
	s, eng, v := newTestServer(t)
	require.NoError(t, v.Set("openai", &vault.Credential{
		Provider:    "openai",
		AccessToken: "sk-test",
	}))

	w := do(s, http.MethodPost, "/observe", map[string]any{
		"url":    "https://api.openai.com/v1/chat/completions",
		"tab_id": 5,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool { return eng.Len() > 0 }, time.Second, 5*time.Millisecond)
}

func TestObserveRejectsEmptyURL(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodPost, "/observe", map[string]any{"tab_id": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActivateAndDeactivate(t *testing.T) {
	s, eng, v := newTestServer(t)
	require.NoError(t, v.Set("anthropic", &vault.Credential{
		Provider:    "anthropic",
		AccessToken: "sk-ant-test",
	}))

	w := do(s, http.MethodPost, "/rules/anthropic/tabs/3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["installed"])
	assert.Greater(t, eng.Len(), 0)

	w = do(s, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["count"])

	w = do(s, http.MethodDelete, "/rules/anthropic/tabs/3", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, eng.Len())
}

func TestActivateWithoutCredentialInstallsNothing(t *testing.T) {
	s, eng, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/rules/openai/tabs/3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["installed"])
	assert.Equal(t, 0, eng.Len())
}

func TestActivateUnknownProvider(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodPost, "/rules/unheard-of/tabs/3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTabClosedCleansRules(t *testing.T) {
	s, eng, v := newTestServer(t)
	require.NoError(t, v.Set("openai", &vault.Credential{
		Provider:    "openai",
		AccessToken: "sk-test",
	}))
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/rules/openai/tabs/9", nil).Code)
	require.Greater(t, eng.Len(), 0)

	w := do(s, http.MethodDelete, "/tabs/9", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, eng.Len())
}

func TestCredentialLifecycle(t *testing.T) {
	s, _, v := newTestServer(t)

	w := do(s, http.MethodPut, "/credentials/openai", map[string]any{
		"access_token": "sk-fresh",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	cred, err := v.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-fresh", cred.AccessToken)
	assert.Equal(t, "openai", cred.Provider)

	w = do(s, http.MethodDelete, "/credentials/openai", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	_, err = v.Get("openai")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	// Deleting again stays a no-op.
	w = do(s, http.MethodDelete, "/credentials/openai", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPutCredentialValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodPut, "/credentials/openai", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodPut, "/credentials/unheard-of", map[string]any{
		"access_token": "sk-x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProviders(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["hosts"])
	assert.NotEmpty(t, body["endpoints"])
}
