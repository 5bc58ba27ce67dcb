package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	v := NewVault("encryption-secret")
	require.True(t, v.Enabled())

	plaintext := []byte("session=abc123; other=value")

	sealed, err := v.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "abc123")

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestVaultWrongSecret(t *testing.T) {
	sealed, err := NewVault("secret-one").Seal([]byte("cookie"))
	require.NoError(t, err)

	_, err = NewVault("secret-two").Open(sealed)
	assert.Error(t, err)
}

func TestVaultDisabledPassthrough(t *testing.T) {
	v := NewVault("")
	assert.False(t, v.Enabled())

	sealed, err := v.Seal([]byte("cookie"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cookie"), sealed)

	opened, err := v.Open([]byte("cookie"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cookie"), opened)
}

func TestVaultOpenUnsealedValue(t *testing.T) {
	// Values written before encryption was enabled come back unchanged.
	v := NewVault("secret")
	opened, err := v.Open([]byte("plain-cookie-string"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain-cookie-string"), opened)
}

func TestVaultSealsDiffer(t *testing.T) {
	// Fresh salt and nonce per seal: identical plaintexts encrypt
	// differently.
	v := NewVault("secret")
	a, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
