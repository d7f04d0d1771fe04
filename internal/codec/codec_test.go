package codec

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	reg := NewRegistry(DefaultRegistryConfig())
	t.Cleanup(reg.Stop)
	return New(reg)
}

func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()
	data, err := c.Encode(v)
	require.NoError(t, err)
	return c.Decode(data)
}

func TestPlainValuesPassThrough(t *testing.T) {
	c := newTestCodec(t)

	in := map[string]any{
		"str":    "hello",
		"num":    float64(42),
		"flag":   true,
		"null":   nil,
		"nested": []any{float64(1), "two", map[string]any{"three": float64(3)}},
	}
	out := roundTrip(t, c, in)
	assert.Equal(t, in, out)
}

func TestDateRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	out := roundTrip(t, c, in)

	got, ok := out.(time.Time)
	require.True(t, ok, "expected time.Time, got %T", out)
	assert.True(t, in.Equal(got))
}

func TestRegexpRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := regexp.MustCompile(`^api\.provider-[a-z]+\.com$`)
	out := roundTrip(t, c, in)

	got, ok := out.(*regexp.Regexp)
	require.True(t, ok, "expected *regexp.Regexp, got %T", out)
	assert.Equal(t, in.String(), got.String())
}

func TestErrorRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := &RemoteError{Name: "TimeoutError", Message: "no reply in 15s", Stack: "Send\nPoll"}
	out := roundTrip(t, c, in)
	assert.Equal(t, in, out)

	// Plain Go errors survive as RemoteError with a generic name.
	out = roundTrip(t, c, errors.New("boom"))
	got, ok := out.(*RemoteError)
	require.True(t, ok)
	assert.Equal(t, "Error", got.Name)
	assert.Equal(t, "boom", got.Message)
}

func TestBytesRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := []byte{0, 1, 127, 128, 255}
	out := roundTrip(t, c, in)
	assert.Equal(t, in, out)
}

func TestSetRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := NewSet("a", float64(2), "a") // duplicate collapses
	out := roundTrip(t, c, in)

	got, ok := out.(*Set)
	require.True(t, ok, "expected *Set, got %T", out)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, []any{"a", float64(2)}, got.Values())
}

func TestMapWithNonStringKeys(t *testing.T) {
	c := newTestCodec(t)

	in := NewMap()
	in.Set(float64(7), "tab seven")
	in.Set("name", "value")

	out := roundTrip(t, c, in)
	got, ok := out.(*Map)
	require.True(t, ok, "expected *Map, got %T", out)

	v, found := got.Get(float64(7))
	require.True(t, found)
	assert.Equal(t, "tab seven", v)
}

func TestCallableInvokesThroughRegistry(t *testing.T) {
	c := newTestCodec(t)

	called := 0
	fn := Callable(func(args ...any) (any, error) {
		called++
		return args[0], nil
	})

	out := roundTrip(t, c, fn)
	got, ok := out.(Callable)
	require.True(t, ok, "expected Callable, got %T", out)

	result, err := got("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", result)
	assert.Equal(t, 1, called)
}

func TestExpiredCallableErrorsOnlyWhenInvoked(t *testing.T) {
	reg := NewRegistry(RegistryConfig{CallableTTL: time.Millisecond, BlobTTL: time.Millisecond})
	defer reg.Stop()
	c := New(reg)

	data, err := c.Encode(Callable(func(args ...any) (any, error) { return nil, nil }))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// Decode itself must not fail.
	out := c.Decode(data)
	got, ok := out.(Callable)
	require.True(t, ok)

	_, err = got()
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "StaleCallable", remote.Name)
}

func TestForeignCallableStandsIn(t *testing.T) {
	// Encode in one context, decode in another: the registry entry lives
	// only on the encoding side.
	sender := newTestCodec(t)
	receiver := newTestCodec(t)

	data, err := sender.Encode(Callable(func(args ...any) (any, error) { return "real", nil }))
	require.NoError(t, err)

	out := receiver.Decode(data)
	got, ok := out.(Callable)
	require.True(t, ok)

	_, err = got()
	require.Error(t, err)
}

func TestBlobByReference(t *testing.T) {
	c := newTestCodec(t)

	in := &Blob{Data: []byte("large payload")}
	data, err := c.Encode(in)
	require.NoError(t, err)

	// The payload bytes must not appear in the wire form.
	assert.NotContains(t, string(data), "large payload")

	out := c.Decode(data)
	got, ok := out.(*Blob)
	require.True(t, ok)
	assert.Equal(t, in.Data, got.Data)
}

func TestForeignBlobStandsInEmpty(t *testing.T) {
	sender := newTestCodec(t)
	receiver := newTestCodec(t)

	data, err := sender.Encode(&Blob{Data: []byte{1, 2, 3}})
	require.NoError(t, err)

	out := receiver.Decode(data)
	got, ok := out.(*Blob)
	require.True(t, ok, "foreign blob must decode to a stand-in, got %T", out)
	assert.Empty(t, got.Data)
}

func TestCyclicValuesError(t *testing.T) {
	c := newTestCodec(t)

	t.Run("self-referencing map", func(t *testing.T) {
		m := map[string]any{"name": "loop"}
		m["self"] = m
		_, err := c.Encode(m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cyclic")
	})

	t.Run("self-referencing slice", func(t *testing.T) {
		s := make([]any, 1)
		s[0] = s
		_, err := c.Encode(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cyclic")
	})

	t.Run("mutually referencing maps", func(t *testing.T) {
		a := map[string]any{}
		b := map[string]any{"a": a}
		a["b"] = b
		_, err := c.Encode(a)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cyclic")
	})

	t.Run("shared subtree is not a cycle", func(t *testing.T) {
		shared := map[string]any{"k": "v"}
		in := []any{shared, shared}
		out := roundTrip(t, c, in)
		assert.Equal(t, []any{map[string]any{"k": "v"}, map[string]any{"k": "v"}}, out)
	})
}

func TestMalformedInputNeverPanics(t *testing.T) {
	c := newTestCodec(t)

	for _, raw := range []string{"", "{", "\xff\xfe", `{"$type":"date","value":12}`} {
		out := c.Decode([]byte(raw))
		require.NotNil(t, out)
	}

	// Outright parse failures come back as a tagged error value.
	out := c.Decode([]byte("{not json"))
	remote, ok := out.(*RemoteError)
	require.True(t, ok, "expected *RemoteError, got %T", out)
	assert.Equal(t, "DecodeError", remote.Name)
}

func TestLiteralEscapeForTagCollision(t *testing.T) {
	c := newTestCodec(t)

	in := map[string]any{"$type": "innocent", "other": "data"}
	out := roundTrip(t, c, in)
	assert.Equal(t, in, out)
}

func TestUnknownTagPassesThrough(t *testing.T) {
	c := newTestCodec(t)

	out := c.Decode([]byte(`{"$type":"future-thing","payload":1}`))
	got, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "future-thing", got["$type"])
}

func TestNestedExtendedValues(t *testing.T) {
	c := newTestCodec(t)

	in := map[string]any{
		"when":  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"bytes": []byte{9, 8, 7},
		"inner": []any{NewSet("x")},
	}
	out := roundTrip(t, c, in)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	_, ok = m["when"].(time.Time)
	assert.True(t, ok)
	assert.Equal(t, []byte{9, 8, 7}, m["bytes"])
}

func TestRegistrySweep(t *testing.T) {
	reg := NewRegistry(RegistryConfig{CallableTTL: time.Minute, BlobTTL: time.Minute})
	defer reg.Stop()

	reg.PutBlob(&Blob{Data: []byte{1}})
	reg.PutCallable(func(args ...any) (any, error) { return nil, nil })
	assert.Equal(t, 2, reg.Len())

	removed := reg.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryRelease(t *testing.T) {
	reg := NewRegistry(DefaultRegistryConfig())
	defer reg.Stop()

	ref := reg.PutBlob(&Blob{Data: []byte{1}})
	_, ok := reg.Blob(ref)
	require.True(t, ok)

	reg.Release(ref)
	_, ok = reg.Blob(ref)
	assert.False(t, ok)
}
