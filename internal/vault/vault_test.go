package vault

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	v := NewMemory()
	require.NoError(t, v.Init())

	require.NoError(t, v.Set("provider-a", &Credential{
		AccessToken: "tok-1",
		HeaderName:  "Authorization",
	}))

	cred, err := v.Get("provider-a")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)
	assert.Equal(t, "provider-a", cred.Provider)
}

func TestMemoryGetMissing(t *testing.T) {
	v := NewMemory()

	_, err := v.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryDelete(t *testing.T) {
	v := NewMemory()
	require.NoError(t, v.Set("p", &Credential{AccessToken: "x"}))
	require.NoError(t, v.Delete("p"))

	_, err := v.Get("p")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExpired(t *testing.T) {
	assert.True(t, Expired(nil))
	assert.True(t, Expired(&Credential{ExpiresAt: time.Now().Add(-time.Minute)}))
	assert.False(t, Expired(&Credential{ExpiresAt: time.Now().Add(time.Minute)}))
	assert.False(t, Expired(&Credential{}), "zero expiry means non-expiring")
}

func TestClearExpired(t *testing.T) {
	v := NewMemory()
	require.NoError(t, v.Set("stale", &Credential{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))
	require.NoError(t, v.Set("fresh", &Credential{
		AccessToken: "new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	require.NoError(t, v.ClearExpired())

	all, err := v.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "fresh")
}

func TestMemoryReturnsCopies(t *testing.T) {
	v := NewMemory()
	require.NoError(t, v.Set("p", &Credential{AccessToken: "orig"}))

	cred, _ := v.Get("p")
	cred.AccessToken = "mutated"

	again, _ := v.Get("p")
	assert.Equal(t, "orig", again.AccessToken)
}
