package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/shared/types"
)

func sampleRules() []types.NetworkRule {
	return []types.NetworkRule{
		{
			ID:       "openai:tab3:0",
			Priority: 1,
			Condition: types.RuleCondition{
				URLPattern:    "https://api.openai.com/*",
				ResourceTypes: []string{"xmlhttprequest"},
				TabID:         3,
			},
			Actions: []types.HeaderOp{
				{Kind: types.HeaderSet, Name: "Authorization", Value: "Bearer sk-test"},
			},
		},
	}
}

func TestMemoryInstallReplaceRemove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, sampleRules()))
	assert.Equal(t, 1, m.Len())

	// Reinstalling the same id replaces, not duplicates.
	updated := sampleRules()
	updated[0].Actions[0].Value = "Bearer sk-rotated"
	require.NoError(t, m.Install(ctx, updated))
	assert.Equal(t, 1, m.Len())
	got, ok := m.Rule("openai:tab3:0")
	require.True(t, ok)
	assert.Equal(t, "Bearer sk-rotated", got.Actions[0].Value)

	ids, err := m.Installed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai:tab3:0"}, ids)

	require.NoError(t, m.Remove(ctx, []string{"openai:tab3:0", "never-existed"}))
	assert.Equal(t, 0, m.Len())
}

func TestHTTPEngine(t *testing.T) {
	var installed []types.NetworkRule
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&installed))
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			var ids []string
			require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&ids))
			installed = nil
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			ids := make([]string, 0, len(installed))
			for _, r := range installed {
				ids = append(ids, r.ID)
			}
			data, _ := sonic.Marshal(ids)
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eng := NewHTTP(srv.URL, logging.NewNop())
	ctx := context.Background()

	require.NoError(t, eng.Install(ctx, sampleRules()))
	require.Len(t, installed, 1)

	ids, err := eng.Installed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai:tab3:0"}, ids)

	require.NoError(t, eng.Remove(ctx, ids))
	ids, err = eng.Installed(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHTTPEngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	eng := NewHTTP(srv.URL, logging.NewNop())
	err := eng.Install(context.Background(), sampleRules())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
