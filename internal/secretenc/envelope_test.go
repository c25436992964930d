package secretenc

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKeyB64(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestSealOpen_RoundTrips(t *testing.T) {
	kr, err := NewKeyring(randomKeyB64(t))
	require.NoError(t, err)

	sealed, err := kr.Seal("board-1", "super-secret-power-token")
	require.NoError(t, err)
	require.True(t, IsSealed(sealed))
	require.NotContains(t, sealed, "super-secret-power-token")

	plaintext, err := kr.Open("board-1", sealed)
	require.NoError(t, err)
	require.Equal(t, "super-secret-power-token", plaintext)
}

func TestOpen_WrongAssetIDFailsAuthentication(t *testing.T) {
	kr, err := NewKeyring(randomKeyB64(t))
	require.NoError(t, err)

	sealed, err := kr.Seal("board-1", "super-secret-power-token")
	require.NoError(t, err)

	_, err = kr.Open("board-2", sealed)
	require.Error(t, err)
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	kr, err := NewKeyring(randomKeyB64(t))
	require.NoError(t, err)

	sealed, err := kr.Seal("board-1", "super-secret-power-token")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "xy"
	_, err = kr.Open("board-1", tampered)
	require.Error(t, err)
}

func TestOpen_MalformedInputRejected(t *testing.T) {
	kr, err := NewKeyring(randomKeyB64(t))
	require.NoError(t, err)

	_, err = kr.Open("board-1", "not-a-valid-envelope")
	require.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestNewKeyring_RejectsWrongLengthKey(t *testing.T) {
	_, err := NewKeyring(base64.StdEncoding.EncodeToString([]byte("too-short")))
	require.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestSeal_DifferentAssetsProduceDifferentCiphertextsForSamePlaintext(t *testing.T) {
	kr, err := NewKeyring(randomKeyB64(t))
	require.NoError(t, err)

	a, err := kr.Seal("board-1", "shared-token")
	require.NoError(t, err)
	b, err := kr.Seal("board-2", "shared-token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
