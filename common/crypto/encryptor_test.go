package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	enc, err := New(key, "proj_test")
	require.NoError(t, err)
	return enc
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"), "p")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := testEncryptor(t)

	plaintext := []byte(`devl{"x":1}`)
	sealed, err := enc.Encrypt(plaintext, "run_a")
	require.NoError(t, err)

	assert.Equal(t, Tag, string(sealed[:4]))
	assert.NotContains(t, string(sealed), `{"x":1}`, "ciphertext must not leak plaintext")

	opened, err := enc.Decrypt(sealed, "run_a")
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCrossRunDecryptionFails(t *testing.T) {
	enc := testEncryptor(t)

	sealed, err := enc.Encrypt([]byte(`{"x":1}`), "run_a")
	require.NoError(t, err)

	opened, err := enc.Decrypt(sealed, "run_b")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Nil(t, opened, "no plaintext may leak on auth failure")
}

func TestTamperedCiphertextFails(t *testing.T) {
	enc := testEncryptor(t)

	sealed, err := enc.Encrypt([]byte("payload"), "run_a")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = enc.Decrypt(sealed, "run_a")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestPlaintextBypassesDecryption(t *testing.T) {
	enc := testEncryptor(t)

	// Records written before encryption was enabled carry no "encr"
	// prefix and pass through.
	plain := []byte(`devl{"legacy":true}`)
	out, err := enc.Decrypt(plain, "run_a")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestNilEncryptorIsPlaintextPipeline(t *testing.T) {
	var enc *Encryptor

	in := []byte("data")
	sealed, err := enc.Encrypt(in, "run_a")
	require.NoError(t, err)
	assert.Equal(t, in, sealed)

	opened, err := enc.Decrypt(in, "run_a")
	require.NoError(t, err)
	assert.Equal(t, in, opened)
}

func TestNilEncryptorRejectsEncryptedData(t *testing.T) {
	enc := testEncryptor(t)
	sealed, err := enc.Encrypt([]byte("secret"), "run_a")
	require.NoError(t, err)

	var nilEnc *Encryptor
	_, err = nilEnc.Decrypt(sealed, "run_a")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestMalformedEncryptedPayload(t *testing.T) {
	enc := testEncryptor(t)
	_, err := enc.Decrypt([]byte("encrshort"), "run_a")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMaterialDescribesDerivation(t *testing.T) {
	enc := testEncryptor(t)

	mat, err := enc.Material("run_a")
	require.NoError(t, err)
	assert.Len(t, mat.Key, 32)
	assert.Equal(t, "proj_test|run_a", mat.DerivationContext)
	assert.Equal(t, "AES-256-GCM", mat.Algorithm)
	assert.Equal(t, "HKDF-SHA256", mat.KDF)

	other, err := enc.Material("run_b")
	require.NoError(t, err)
	assert.NotEqual(t, mat.Key, other.Key, "keys must differ per run")

	var nilEnc *Encryptor
	mat, err = nilEnc.Material("run_a")
	require.NoError(t, err)
	assert.Nil(t, mat)
}
