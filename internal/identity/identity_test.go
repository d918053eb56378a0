package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should produce distinct identities per call", func(t *testing.T) {
		a, err := New()
		require.NoError(t, err)
		b, err := New()
		require.NoError(t, err)

		assert.False(t, a.Equal(b))
		assert.NotEqual(t, a.Hex(), b.Hex())
	})

	t.Run("should encode 16 bytes as 32 hex chars", func(t *testing.T) {
		id := MustNew()
		assert.Len(t, id.Hex(), 2*Size)
		assert.Len(t, id.Short(), 8)
		assert.Equal(t, id.Hex(), id.String())
	})
}

func TestFromBytes(t *testing.T) {
	t.Run("should round trip known bytes", func(t *testing.T) {
		raw := bytes.Repeat([]byte{0xab}, Size)
		id, err := FromBytes(raw)
		require.NoError(t, err)

		assert.Equal(t, "abababababababababababababababab", id.Hex())
		assert.Equal(t, raw, id.Bytes())
	})

	t.Run("should reject wrong length", func(t *testing.T) {
		_, err := FromBytes([]byte{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("should not expose internal storage", func(t *testing.T) {
		id := MustNew()
		b := id.Bytes()
		b[0] ^= 0xff
		assert.NotEqual(t, b, id.Bytes())
	})
}
