package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/scrypt"
)

// ErrDecryption marks an authentication, truncation or padding failure
// while decrypting an archive stream.
var ErrDecryption = errors.New("archive decryption failed")

// ErrNoKey is returned when an encrypting transform is requested without
// a configured passphrase. Callers are expected to skip encryption (and
// surface the skip) rather than fail the whole backup.
var ErrNoKey = errors.New("no encryption key configured")

// Framed AES-256-GCM archive stream:
//
//	"VMBK1" | 16-byte scrypt salt | frames...
//	frame = 4-byte big-endian length | GCM ciphertext
//
// Each frame seals up to frameSize plaintext bytes. The nonce is the
// frame counter (little-endian in the first 8 bytes) with the last nonce
// byte set on the final frame, so reordering, truncation and trailing
// garbage are all authentication failures.
const (
	streamMagic = "VMBK1"
	saltSize    = 16
	frameSize   = 4 << 20

	// finalFrameBit marks the final frame in the encoded frame length.
	finalFrameBit = 1 << 31
)

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func frameNonce(counter uint64, final bool) []byte {
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint64(nonce, counter)
	if final {
		nonce[11] = 1
	}
	return nonce
}

// NewEncryptWriter wraps w in the framed AES-256-GCM transform. The
// returned writer must be closed to seal the final frame.
func NewEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(streamMagic)); err != nil {
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	if _, err := w.Write(salt); err != nil {
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	return &sealWriter{w: w, aead: aead, buf: make([]byte, 0, frameSize)}, nil
}

type sealWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	buf     []byte
	counter uint64
	closed  bool
}

func (s *sealWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed encrypt writer")
	}
	total := len(p)
	for len(p) > 0 {
		n := frameSize - len(s.buf)
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		if len(s.buf) == frameSize {
			if err := s.flushFrame(false); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Close seals the remaining buffer as the final frame. A final frame is
// always written, even when empty, so truncation is detectable.
func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushFrame(true)
}

func (s *sealWriter) flushFrame(final bool) error {
	sealed := s.aead.Seal(nil, frameNonce(s.counter, final), s.buf, nil)
	s.counter++
	s.buf = s.buf[:0]

	length := uint32(len(sealed))
	if final {
		length |= finalFrameBit
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], length)
	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := s.w.Write(sealed); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// NewDecryptReader wraps r in the inverse transform. Tampered, truncated
// or reordered streams fail with an error wrapping ErrDecryption.
func NewDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	hdr := make([]byte, len(streamMagic)+saltSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: short stream header: %v", ErrDecryption, err)
	}
	if string(hdr[:len(streamMagic)]) != streamMagic {
		return nil, fmt.Errorf("%w: bad stream magic", ErrDecryption)
	}
	aead, err := newAEAD(passphrase, hdr[len(streamMagic):])
	if err != nil {
		return nil, err
	}
	return &openReader{r: r, aead: aead}, nil
}

type openReader struct {
	r       io.Reader
	aead    cipher.AEAD
	plain   []byte
	counter uint64
	done    bool
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.plain) == 0 {
		if o.done {
			return 0, io.EOF
		}
		if err := o.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.plain)
	o.plain = o.plain[n:]
	return n, nil
}

func (o *openReader) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		return fmt.Errorf("%w: truncated stream: %v", ErrDecryption, err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	final := length&finalFrameBit != 0
	length &^= finalFrameBit
	if length > frameSize+uint32(o.aead.Overhead()) {
		return fmt.Errorf("%w: oversized frame", ErrDecryption)
	}
	sealed := make([]byte, length)
	if _, err := io.ReadFull(o.r, sealed); err != nil {
		return fmt.Errorf("%w: truncated frame: %v", ErrDecryption, err)
	}
	plain, err := o.aead.Open(nil, frameNonce(o.counter, final), sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	o.counter++
	o.plain = plain
	if final {
		// Anything past the final frame is garbage.
		var extra [1]byte
		if n, _ := o.r.Read(extra[:]); n != 0 {
			return fmt.Errorf("%w: data after final frame", ErrDecryption)
		}
		o.done = true
	}
	return nil
}

// NewLegacyCBCReader decrypts the reference AES-256-CBC archive format:
// 16-byte IV prefix, key = SHA-256 of the passphrase, PKCS#7 padding.
// Decrypt-only; new archives always use the authenticated framed format.
func NewLegacyCBCReader(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("%w: short IV: %v", ErrDecryption, err)
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &cbcReader{r: r, mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

type cbcReader struct {
	r    io.Reader
	mode cipher.BlockMode
	// hold holds the last decrypted block until the next read proves it
	// is not the padding block.
	hold  []byte
	plain []byte
	done  bool
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for len(c.plain) == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

// fill decrypts the next run of blocks. The last decrypted block is held
// back until the following read proves more ciphertext exists; when EOF
// arrives it is the padding block and gets stripped.
func (c *cbcReader) fill() error {
	buf := make([]byte, 32*aes.BlockSize)
	n, err := io.ReadFull(c.r, buf)
	if rem := n % aes.BlockSize; rem != 0 {
		return fmt.Errorf("%w: ciphertext not block-aligned", ErrDecryption)
	}
	if n > 0 {
		c.mode.CryptBlocks(buf[:n], buf[:n])
	}
	combined := append(c.hold, buf[:n]...)
	c.hold = nil

	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if len(combined) == 0 {
			return fmt.Errorf("%w: empty ciphertext", ErrDecryption)
		}
		stripped, perr := stripPKCS7(combined)
		if perr != nil {
			return perr
		}
		c.plain = stripped
		c.done = true
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	// Hold the trailing block back in case it is the padding block.
	c.hold = append([]byte(nil), combined[len(combined)-aes.BlockSize:]...)
	c.plain = combined[:len(combined)-aes.BlockSize]
	return nil
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", ErrDecryption)
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	return b[:len(b)-pad], nil
}

// NewAgeEncryptWriter wraps w in an age encryption stream using a scrypt
// recipient derived from the passphrase. The writer must be closed.
func NewAgeEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("age recipient: %w", err)
	}
	aw, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return aw, nil
}

// NewAgeDecryptReader is the inverse of NewAgeEncryptWriter. Wrong
// passphrases and tampered streams fail with ErrDecryption.
func NewAgeDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("age identity: %w", err)
	}
	ar, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return decryptTaggingReader{ar}, nil
}

// decryptTaggingReader rewraps age read errors so tampering detected
// mid-stream also reports ErrDecryption.
type decryptTaggingReader struct{ r io.Reader }

func (d decryptTaggingReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return n, err
}
