package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	plaintext := []byte(`{"FullName":"Ada Lovelace","MemberType":"IND"}`)

	blob, err := Encrypt(plaintext, "correct horse")
	require.NoError(t, err)

	got, err := Decrypt(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_WrongPassword(t *testing.T) {
	blob, err := Encrypt([]byte("secret payload"), "right")
	require.NoError(t, err)

	_, err = Decrypt(blob, "wrong")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecrypt_TamperedBlob(t *testing.T) {
	blob, err := Encrypt([]byte("secret payload"), "pw")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, "pw")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecrypt_InvalidInput(t *testing.T) {
	_, err := Decrypt("not base64 !!!", "pw")
	assert.Error(t, err)

	_, err = Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), "pw")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncrypt_FreshSaltPerCall(t *testing.T) {
	a, err := Encrypt([]byte("same payload"), "pw")
	require.NoError(t, err)
	b, err := Encrypt([]byte("same payload"), "pw")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncrypt_BlobLayout(t *testing.T) {
	plaintext := []byte("xyz")
	blob, err := Encrypt(plaintext, "pw")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	// salt + iv + ciphertext + 16-byte GCM tag
	assert.Len(t, raw, saltSize+ivSize+len(plaintext)+16)
}

func TestEncryptDecryptWithKey_RoundTrip(t *testing.T) {
	key := DeriveKey("master password", []byte("stable salt"))
	require.Len(t, key, keySize)

	blob, err := EncryptWithKey([]byte("environment password"), key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	assert.Len(t, raw, ivSize+len("environment password")+16)

	got, err := DecryptWithKey(blob, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("environment password"), got)
}

func TestDecryptWithKey_WrongKey(t *testing.T) {
	key := DeriveKey("master", []byte("salt"))
	other := DeriveKey("other", []byte("salt"))

	blob, err := EncryptWithKey([]byte("payload"), key)
	require.NoError(t, err)

	_, err = DecryptWithKey(blob, other)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptWithKey_RejectsShortKey(t *testing.T) {
	_, err := EncryptWithKey([]byte("payload"), []byte("short"))
	assert.Error(t, err)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	assert.Equal(t, DeriveKey("pw", salt), DeriveKey("pw", salt))
	assert.NotEqual(t, DeriveKey("pw", salt), DeriveKey("pw2", salt))
	assert.NotEqual(t, DeriveKey("pw", salt), DeriveKey("pw", []byte("fedcba9876543210")))
}
