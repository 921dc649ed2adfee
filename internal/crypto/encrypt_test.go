package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "correct horse battery staple"

func encryptAll(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewEncryptWriter(&buf, testPassphrase)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestEncryptRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":       {},
		"small":       []byte("vm disk image bytes"),
		"frame sized": bytes.Repeat([]byte{0xAB}, frameSize),
		"multi frame": bytes.Repeat([]byte("0123456789abcdef"), (frameSize/16)+512),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			sealed := encryptAll(t, payload)

			r, err := NewDecryptReader(bytes.NewReader(sealed), testPassphrase)
			require.NoError(t, err)
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, out))
		})
	}
}

func TestEncrypt_FreshSaltPerStream(t *testing.T) {
	a := encryptAll(t, []byte("same plaintext"))
	b := encryptAll(t, []byte("same plaintext"))
	assert.NotEqual(t, a, b)
}

func TestEncrypt_NoKey(t *testing.T) {
	_, err := NewEncryptWriter(io.Discard, "")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = NewDecryptReader(bytes.NewReader(nil), "")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestDecrypt_WrongPassphrase(t *testing.T) {
	sealed := encryptAll(t, []byte("secret"))

	r, err := NewDecryptReader(bytes.NewReader(sealed), "wrong passphrase")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecrypt_FlippedByteFails(t *testing.T) {
	sealed := encryptAll(t, bytes.Repeat([]byte("data"), 1024))

	// Flip a byte inside the first frame's ciphertext.
	sealed[len(streamMagic)+saltSize+4+10] ^= 0xFF

	r, err := NewDecryptReader(bytes.NewReader(sealed), testPassphrase)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecrypt_TruncatedStreamFails(t *testing.T) {
	sealed := encryptAll(t, bytes.Repeat([]byte("data"), 1024))

	r, err := NewDecryptReader(bytes.NewReader(sealed[:len(sealed)-8]), testPassphrase)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecrypt_TrailingGarbageFails(t *testing.T) {
	sealed := encryptAll(t, []byte("payload"))
	sealed = append(sealed, 0xDE, 0xAD)

	r, err := NewDecryptReader(bytes.NewReader(sealed), testPassphrase)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecrypt_BadMagic(t *testing.T) {
	_, err := NewDecryptReader(bytes.NewReader([]byte("XXXXX0123456789abcdef")), testPassphrase)
	assert.ErrorIs(t, err, ErrDecryption)
}

// legacyCBCEncrypt reproduces the reference writer format for the
// compatibility reader: IV prefix, key = SHA-256(passphrase), PKCS#7.
func legacyCBCEncrypt(t *testing.T, passphrase string, plain []byte) []byte {
	t.Helper()
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := append([]byte(nil), iv...)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return append(out, ct...)
}

func TestLegacyCBCReader(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 4096, 1<<16 + 33} {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		sealed := legacyCBCEncrypt(t, testPassphrase, payload)
		r, err := NewLegacyCBCReader(bytes.NewReader(sealed), testPassphrase)
		require.NoError(t, err)
		out, err := io.ReadAll(r)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(payload, out), "size %d", size)
	}
}

func TestLegacyCBCReader_BadPadding(t *testing.T) {
	// A block whose final plaintext byte is 0 is never valid PKCS#7.
	key := sha256.Sum256([]byte(testPassphrase))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	plain := bytes.Repeat([]byte{0x41}, aes.BlockSize)
	plain[aes.BlockSize-1] = 0
	ct := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plain)
	sealed := append(append([]byte(nil), iv...), ct...)

	r, err := NewLegacyCBCReader(bytes.NewReader(sealed), testPassphrase)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))
}

func TestLegacyCBCReader_MisalignedCiphertext(t *testing.T) {
	sealed := legacyCBCEncrypt(t, testPassphrase, []byte("legacy archive"))
	sealed = sealed[:len(sealed)-5]

	r, err := NewLegacyCBCReader(bytes.NewReader(sealed), testPassphrase)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestAgeRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("age encrypted archive "), 2048)

	var buf bytes.Buffer
	w, err := NewAgeEncryptWriter(&buf, testPassphrase)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewAgeDecryptReader(&buf, testPassphrase)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestAgeDecrypt_WrongPassphrase(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewAgeEncryptWriter(&buf, testPassphrase)
	require.NoError(t, err)
	_, err = w.Write([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = NewAgeDecryptReader(&buf, "wrong passphrase")
	assert.ErrorIs(t, err, ErrDecryption)
}
