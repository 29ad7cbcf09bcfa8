package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptStateNoKeyIsPassthrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"name":"web"}`)
	out, err := EncryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.False(t, IsEncrypted(out))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "test-key")

	content := []byte(`{"name":"web","resources":[]}`)
	encrypted, err := EncryptState(content)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "web")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestDecryptStateWrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte("secret"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestDecryptStateMissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte("secret"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestEveryPassphraseByteMatters(t *testing.T) {
	// Two long passphrases that agree on their first 32 bytes must still
	// derive different keys.
	prefix := strings.Repeat("a", 32)
	t.Setenv(EncryptionKeyEnvVar, prefix+"x")
	encrypted, err := EncryptState([]byte("secret"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, prefix+"y")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")

	t.Setenv(EncryptionKeyEnvVar, prefix+"x")
	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), decrypted)
}

func TestDecryptStatePlaintextPassthrough(t *testing.T) {
	content := []byte(`{"name":"web"}`)
	out, err := DecryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}
