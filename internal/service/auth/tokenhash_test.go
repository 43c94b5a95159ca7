package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_TokenHasher(t *testing.T) {
	t.Parallel()

	h, err := NewTokenHasher("test-pepper")
	require.NoError(t, err)

	t.Run("hash token", func(t *testing.T) {
		got, err := h.Hash("raw-token")
		require.NoError(t, err)

		require.Len(t, got, 64, "blake2b-256 digest is 32 bytes hex encoded")

		again, err := h.Hash("raw-token")
		require.NoError(t, err)
		require.Equal(t, got, again, "digest must be deterministic for lookups")
	})

	t.Run("pepper changes the digest", func(t *testing.T) {
		other, err := NewTokenHasher("another-pepper")
		require.NoError(t, err)

		first, err := h.Hash("raw-token")
		require.NoError(t, err)
		second, err := other.Hash("raw-token")
		require.NoError(t, err)

		require.NotEqual(t, first, second)
	})

	t.Run("compare token ok", func(t *testing.T) {
		hash, err := h.Hash("raw-token")
		require.NoError(t, err)

		err = h.Compare(hash, "raw-token")

		require.NoError(t, err)
	})

	t.Run("fail compare if wrong token", func(t *testing.T) {
		hash, err := h.Hash("raw-token")
		require.NoError(t, err)

		err = h.Compare(hash, "forged-token")

		require.Error(t, err)
	})

	t.Run("empty pepper allowed", func(t *testing.T) {
		plain, err := NewTokenHasher("")
		require.NoError(t, err)

		_, err = plain.Hash("raw-token")
		require.NoError(t, err)
	})

	t.Run("oversized pepper rejected", func(t *testing.T) {
		_, err := NewTokenHasher(string(make([]byte, 65)))
		require.Error(t, err)
	})
}
