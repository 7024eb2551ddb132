package cdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStringStoreInlinesShortText keeps short values complete.
func TestStringStoreInlinesShortText(t *testing.T) {
	t.Parallel()

	s := newStringStore(8)
	h := s.handle("short")
	assert.True(t, h.Complete())
	assert.Empty(t, h.ID)
	assert.Equal(t, 0, s.len())
}

// TestStringStoreServesRemainder covers chunked reads and release at the end.
func TestStringStoreServesRemainder(t *testing.T) {
	t.Parallel()

	s := newStringStore(4)
	h := s.handle("abcdefghij")
	require.False(t, h.Complete())
	assert.Equal(t, "abcd", h.Initial)
	assert.Equal(t, 10, h.Length)
	assert.Equal(t, 1, s.len())

	part, err := s.remainder(h.ID, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "efg", part)
	assert.Equal(t, 1, s.len())

	part, err = s.remainder(h.ID, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, "hij", part)
	assert.Equal(t, 0, s.len())

	_, err = s.remainder(h.ID, 0, 1)
	require.ErrorIs(t, err, ErrUnknownHandle)
}

// TestStringStoreCutsOnRuneBoundary never splits a multi-byte rune.
func TestStringStoreCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	s := newStringStore(2)
	h := s.handle("héllo")
	assert.Equal(t, "h", h.Initial)
	assert.Equal(t, len("héllo"), h.Length)
}

// TestStringStoreRejectsBadRange validates offsets.
func TestStringStoreRejectsBadRange(t *testing.T) {
	t.Parallel()

	s := newStringStore(1)
	h := s.handle("abc")
	_, err := s.remainder(h.ID, 10, 1)
	require.Error(t, err)
	_, err = s.remainder(h.ID, -1, 1)
	require.Error(t, err)
}
