package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32 // AES-256
	SaltSize   = 32
	NonceSize  = 12
	TagSize    = 16
	ChunkSize  = 64 * 1024 // 64KB chunks for GCM streaming
	MagicBytes = "BKPE"
	Version    = 2
	Iterations = 100_000
)

// KeyManager holds either a passphrase (stretched per package with the
// header salt) or a raw 32 byte key.
type KeyManager struct {
	secret []byte
	raw    bool
}

// NewKeyManager loads the secret. passwordFile holds a passphrase on its
// first line, keyFile holds key bytes.
func NewKeyManager(passphrase, passwordFile, keyFile string) (*KeyManager, error) {
	switch {
	case keyFile != "":
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		if len(key) != KeySize {
			h := sha256.Sum256(key)
			key = h[:]
		}
		return &KeyManager{secret: key, raw: true}, nil
	case passwordFile != "":
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file: %w", err)
		}
		pass, _, _ := strings.Cut(string(data), "\n")
		pass = strings.TrimRight(pass, "\r")
		if pass == "" {
			return nil, fmt.Errorf("password file %s is empty", passwordFile)
		}
		return &KeyManager{secret: []byte(pass)}, nil
	case passphrase != "":
		return &KeyManager{secret: []byte(passphrase)}, nil
	}
	return nil, fmt.Errorf("one of password, password_file or key_file must be provided for encryption")
}

// DeriveKey derives a fixed-size key from a passphrase and salt
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, Iterations, KeySize, sha256.New)
}

func (km *KeyManager) key(salt []byte) []byte {
	if km.raw {
		return km.secret
	}
	return DeriveKey(km.secret, salt)
}

// salt is keyed on the secret so equal packages under different secrets do
// not share one.
func (km *KeyManager) salt(digest []byte) []byte {
	m := hmac.New(sha256.New, km.secret)
	m.Write([]byte("salt"))
	m.Write(digest)
	return m.Sum(nil)
}

// EncryptWriter wraps a writer with AES-256-GCM encryption. Salt and nonces
// are derived from digest (the plaintext's SHA-256), so the same input
// always produces the same output.
type EncryptWriter struct {
	w     io.Writer
	gcm   cipher.AEAD
	mac   []byte
	buf   []byte
	index uint64
	err   error
}

func NewEncryptWriter(w io.Writer, km *KeyManager, digest []byte) (*EncryptWriter, error) {
	salt := km.salt(digest)
	key := km.key(salt)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Header: Magic (4) + Version (1) + Salt (32)
	header := append([]byte(MagicBytes), Version)
	header = append(header, salt...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	return &EncryptWriter{
		w:   w,
		gcm: gcm,
		mac: key,
		buf: make([]byte, 0, ChunkSize),
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (ew *EncryptWriter) Write(p []byte) (n int, err error) {
	if ew.err != nil {
		return 0, ew.err
	}

	n = len(p)
	for len(p) > 0 {
		space := ChunkSize - len(ew.buf)
		if space > len(p) {
			ew.buf = append(ew.buf, p...)
			p = nil
		} else {
			ew.buf = append(ew.buf, p[:space]...)
			p = p[space:]
			if err := ew.flush(); err != nil {
				ew.err = err
				return 0, err
			}
		}
	}
	return n, nil
}

func chunkAD(index uint64) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint64(ad, index)
	return ad
}

func (ew *EncryptWriter) flush() error {
	if len(ew.buf) == 0 {
		return nil
	}

	ad := chunkAD(ew.index)
	m := hmac.New(sha256.New, ew.mac)
	m.Write(ad)
	m.Write(ew.buf)
	nonce := m.Sum(nil)[:NonceSize]

	ciphertext := ew.gcm.Seal(nil, nonce, ew.buf, ad)

	// Chunk format: [Nonce (12)] + [Len (4)] + [Ciphertext (len + 16 tag)]
	chunkHeader := make([]byte, NonceSize+4)
	copy(chunkHeader, nonce)
	binary.BigEndian.PutUint32(chunkHeader[NonceSize:], uint32(len(ciphertext)))

	if _, err := ew.w.Write(chunkHeader); err != nil {
		return err
	}
	if _, err := ew.w.Write(ciphertext); err != nil {
		return err
	}

	ew.buf = ew.buf[:0]
	ew.index++
	return nil
}

// Close flushes the last chunk. It does not close the underlying writer.
func (ew *EncryptWriter) Close() error {
	if ew.err != nil {
		return ew.err
	}
	return ew.flush()
}

// DecryptReader wraps a reader with AES-256-GCM decryption
type DecryptReader struct {
	r      io.Reader
	gcm    cipher.AEAD
	km     *KeyManager
	buf    []byte
	pos    int
	index  uint64
	header bool
	err    error
}

func NewDecryptReader(r io.Reader, km *KeyManager) *DecryptReader {
	return &DecryptReader{
		r:  r,
		km: km,
	}
}

func (dr *DecryptReader) Read(p []byte) (int, error) {
	if dr.err != nil {
		return 0, dr.err
	}

	if !dr.header {
		if err := dr.readHeader(); err != nil {
			dr.err = err
			return 0, err
		}
		dr.header = true
	}

	if dr.pos >= len(dr.buf) {
		if err := dr.nextChunk(); err != nil {
			dr.err = err
			return 0, err
		}
	}

	n := copy(p, dr.buf[dr.pos:])
	dr.pos += n
	return n, nil
}

func (dr *DecryptReader) readHeader() error {
	head := make([]byte, 4+1+SaltSize)
	if _, err := io.ReadFull(dr.r, head); err != nil {
		return fmt.Errorf("failed to read encryption header: %w", err)
	}

	if string(head[:4]) != MagicBytes {
		return fmt.Errorf("corrupt package: missing security magic")
	}
	if head[4] != Version {
		return fmt.Errorf("unsupported encryption version %d", head[4])
	}

	gcm, err := newGCM(dr.km.key(head[5:]))
	if err != nil {
		return err
	}
	dr.gcm = gcm
	return nil
}

func (dr *DecryptReader) nextChunk() error {
	head := make([]byte, NonceSize+4)
	if _, err := io.ReadFull(dr.r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("truncated chunk header: %w", err)
		}
		return err // io.EOF ends the stream
	}

	nonce := head[:NonceSize]
	length := binary.BigEndian.Uint32(head[NonceSize:])
	if length > ChunkSize+TagSize {
		return fmt.Errorf("corrupt package: chunk length %d", length)
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(dr.r, ciphertext); err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}

	plaintext, err := dr.gcm.Open(nil, nonce, ciphertext, chunkAD(dr.index))
	if err != nil {
		return fmt.Errorf("decryption failed: invalid key or tampered data")
	}

	dr.buf = plaintext
	dr.pos = 0
	dr.index++
	return nil
}
