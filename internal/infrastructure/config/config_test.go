package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "extmesh", cfg.App.Name)
	assert.Equal(t, "8700", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Rules.RuleTTL)
	assert.Equal(t, 10*time.Second, cfg.Rules.SweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Recovery.RestartGraceWindow)
	assert.Equal(t, 5*time.Minute, cfg.Codec.BlobTTL)
	assert.Equal(t, 10*time.Minute, cfg.Codec.CallableTTL)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("APP_NAME", "extmesh-test")
	os.Setenv("RULES_TTL", "45s")
	defer os.Unsetenv("APP_NAME")
	defer os.Unsetenv("RULES_TTL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "extmesh-test", cfg.App.Name)
	assert.Equal(t, 45*time.Second, cfg.Rules.RuleTTL)
}

func TestLoadOrDefaultNeverNil(t *testing.T) {
	cfg := LoadOrDefault()
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.Server.Port)
}
