package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	payload := []byte(`{"side":"for","amount":100}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	got, err := RecoverSigner(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	other, err := RecoverSigner([]byte(`{"side":"for","amount":101}`), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other, "tampered payload recovers a different key")
}

func TestNewSignerKnownKey(t *testing.T) {
	// Well-known development key.
	s, err := NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = NewSigner("zz")
	require.Error(t, err)
}

func TestRecoverSignerRejectsMalformed(t *testing.T) {
	for _, sig := range []string{"", "0x1234", "not-hex", "0x" + strings.Repeat("ab", 66)} {
		_, err := RecoverSigner([]byte("x"), sig)
		require.ErrorIs(t, err, ErrBadSignature, sig)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	secret := []byte("authority-secret-0123456789")
	blob, err := EncryptSecret(secret, "hunter2")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = DecryptSecret(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptSecret(secret, "")
	require.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "raw-secret"})
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-secret"), got)

	blob, err := EncryptSecret([]byte("file-secret"), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []byte("file-secret"), got)

	_, err = LoadSecret(SecretConfig{})
	require.Error(t, err)
}
