package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawKeyFor(t *testing.T, policy Policy, fill byte) []byte {
	t.Helper()
	n := policy.SigningKeyLength() + policy.EncryptingKeyLength() + 4
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestPolicyFor_ResolvesKnownURIs(t *testing.T) {
	p128, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	assert.Equal(t, PolicyAes128CTR, p128.URI())
	assert.Equal(t, 16, p128.EncryptingKeyLength())

	p256, err := PolicyFor(PolicyAes256CTR)
	require.NoError(t, err)
	assert.Equal(t, PolicyAes256CTR, p256.URI())
	assert.Equal(t, 32, p256.EncryptingKeyLength())
}

func TestPolicyFor_RejectsUnknownURI(t *testing.T) {
	_, err := PolicyFor("http://example.org/bogus")
	assert.Error(t, err)
}

func TestSplitKey_RejectsShortInput(t *testing.T) {
	policy, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	_, err = policy.SplitKey(make([]byte, 4))
	assert.Error(t, err)
}

func TestSplitKey_SlicesIntoThreeParts(t *testing.T) {
	policy, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	raw := rawKeyFor(t, policy, 0x42)

	km, err := policy.SplitKey(raw)
	require.NoError(t, err)
	assert.Len(t, km.SigningKey, policy.SigningKeyLength())
	assert.Len(t, km.EncryptingKey, policy.EncryptingKeyLength())
	assert.Len(t, km.KeyNonce, 4)
}

func TestSignVerify_RoundTrips(t *testing.T) {
	policy, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	km, err := policy.SplitKey(rawKeyFor(t, policy, 1))
	require.NoError(t, err)

	sig, err := policy.Sign(km, []byte("header+payload"))
	require.NoError(t, err)
	assert.NoError(t, policy.Verify(km, []byte("header+payload"), sig))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	policy, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	km, err := policy.SplitKey(rawKeyFor(t, policy, 1))
	require.NoError(t, err)

	sig, err := policy.Sign(km, []byte("original"))
	require.NoError(t, err)
	assert.Error(t, policy.Verify(km, []byte("tampered"), sig))
}

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	for _, uri := range []PolicyURI{PolicyAes128CTR, PolicyAes256CTR} {
		policy, err := PolicyFor(uri)
		require.NoError(t, err)
		km, err := policy.SplitKey(rawKeyFor(t, policy, 7))
		require.NoError(t, err)

		nonce := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
		plaintext := []byte("the quick brown fox jumps over the lazy dog")

		ciphertext, err := policy.Encrypt(km, nonce, plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := policy.Decrypt(km, nonce, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncrypt_DifferentNoncesProduceDifferentCiphertext(t *testing.T) {
	policy, err := PolicyFor(PolicyAes128CTR)
	require.NoError(t, err)
	km, err := policy.SplitKey(rawKeyFor(t, policy, 9))
	require.NoError(t, err)

	plaintext := []byte("same plaintext for both nonces")
	c1, err := policy.Encrypt(km, [8]byte{0, 0, 0, 0, 0, 0, 0, 1}, plaintext)
	require.NoError(t, err)
	c2, err := policy.Encrypt(km, [8]byte{0, 0, 0, 0, 0, 0, 0, 2}, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, c1, c2)
}
