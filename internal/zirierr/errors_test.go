package zirierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsRetryableFromKind(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{ProviderRateLimit, true},
		{ProviderTimeout, true},
		{ProviderNetwork, true},
		{ProviderServer, true},
		{ProviderAuth, false},
		{ProviderClient, false},
		{Configuration, false},
		{FileBinary, false},
	}
	for _, c := range cases {
		err := New(c.kind, "boom", nil)
		assert.Equal(t, c.retryable, err.Retryable, "kind %s", c.kind)
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(ProviderTimeout, "first", nil)
	b := New(ProviderTimeout, "second", errors.New("wrapped"))
	assert.True(t, errors.Is(a, b))

	c := New(ProviderAuth, "different kind", nil)
	assert.False(t, errors.Is(a, c))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(Storage, nil))
}

func TestWithDetailChains(t *testing.T) {
	err := New(FileRead, "could not read", nil).
		WithDetail("path", "foo.go").
		WithDetail("repository_id", "abc123")
	require.Len(t, err.Details, 2)
	assert.Equal(t, "foo.go", err.Details["path"])
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestIsRetryableHandlesNonZirierr(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestKindOfHandlesNonZirierr(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
