package crypto

import (
	"context"
	stdcrypto "crypto"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	apperrors "github.com/lupppig/backup/internal/errors"
)

// Encryptor turns the package file at in into an encrypted sibling and
// returns its path. The input is consumed. Identical input and
// configuration give identical output.
type Encryptor interface {
	Name() string
	Extension() string
	Wrap(ctx context.Context, in string) (string, error)
}

type AESOptions struct {
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	KeyFile      string `mapstructure:"key_file"`
}

// AESEncryptor writes the chunked AES-256-GCM format of EncryptWriter.
type AESEncryptor struct {
	km *KeyManager
}

func NewAESEncryptor(opts AESOptions) (*AESEncryptor, error) {
	km, err := NewKeyManager(opts.Password, opts.PasswordFile, opts.KeyFile)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid openssl encryptor options", "")
	}
	return &AESEncryptor{km: km}, nil
}

func (e *AESEncryptor) Name() string      { return "aes-256-gcm" }
func (e *AESEncryptor) Extension() string { return ".enc" }

func (e *AESEncryptor) Wrap(ctx context.Context, in string) (string, error) {
	return wrapFile(ctx, in, e.Extension(), e.Name(), func(dst io.Writer, src io.Reader, digest []byte) error {
		ew, err := NewEncryptWriter(dst, e.km, digest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(ew, src); err != nil {
			return err
		}
		return ew.Close()
	})
}

type GPGOptions struct {
	Passphrase string `mapstructure:"passphrase"`
	Armor      bool   `mapstructure:"armor"`
}

// GPGEncryptor produces OpenPGP symmetrically encrypted packages readable
// with `gpg --decrypt`.
type GPGEncryptor struct {
	passphrase []byte
	armor      bool
}

func NewGPGEncryptor(opts GPGOptions) (*GPGEncryptor, error) {
	if opts.Passphrase == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "gpg encryptor requires a passphrase", "")
	}
	return &GPGEncryptor{passphrase: []byte(opts.Passphrase), armor: opts.Armor}, nil
}

func (e *GPGEncryptor) Name() string { return "gpg" }

func (e *GPGEncryptor) Extension() string {
	if e.armor {
		return ".asc"
	}
	return ".gpg"
}

func (e *GPGEncryptor) Wrap(ctx context.Context, in string) (string, error) {
	return wrapFile(ctx, in, e.Extension(), e.Name(), func(dst io.Writer, src io.Reader, digest []byte) error {
		cfg := &packet.Config{
			Rand:          newDeterministicRand(e.passphrase, digest),
			DefaultHash:   stdcrypto.SHA256,
			DefaultCipher: packet.CipherAES256,
		}
		out := dst
		var armored io.WriteCloser
		if e.armor {
			var err error
			armored, err = armor.Encode(dst, "PGP MESSAGE", nil)
			if err != nil {
				return err
			}
			out = armored
		}
		pw, err := openpgp.SymmetricallyEncrypt(out, e.passphrase, &openpgp.FileHints{IsBinary: true}, cfg)
		if err != nil {
			return err
		}
		if _, err := io.Copy(pw, src); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
		if armored != nil {
			return armored.Close()
		}
		return nil
	})
}

// deterministicRand is an HMAC-SHA256 counter stream keyed on the secret and
// seeded with the plaintext digest. It feeds the OpenPGP salt and IV.
type deterministicRand struct {
	key     []byte
	seed    []byte
	counter uint64
	buf     []byte
}

func newDeterministicRand(key, seed []byte) *deterministicRand {
	return &deterministicRand{key: key, seed: seed}
}

func (d *deterministicRand) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(d.buf) == 0 {
			m := hmac.New(sha256.New, d.key)
			m.Write(d.seed)
			var c [8]byte
			binary.BigEndian.PutUint64(c[:], d.counter)
			m.Write(c[:])
			d.buf = m.Sum(nil)
			d.counter++
		}
		k := copy(p[n:], d.buf)
		d.buf = d.buf[k:]
		n += k
	}
	return n, nil
}

type encryptFunc func(dst io.Writer, src io.Reader, digest []byte) error

// wrapFile hashes in, then streams it through enc into in+ext.
func wrapFile(ctx context.Context, in, ext, name string, enc encryptFunc) (string, error) {
	out := in + ext
	fail := func(err error) (string, error) {
		os.Remove(out)
		return "", apperrors.Wrap(err, apperrors.TypeEncryption,
			fmt.Sprintf("%s encryption of %s failed", name, filepath.Base(in)), "")
	}

	digest, err := fileDigest(ctx, in)
	if err != nil {
		return fail(err)
	}

	src, err := os.Open(in)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	dst, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fail(err)
	}
	if err := enc(dst, &ctxReader{ctx: ctx, r: src}, digest); err != nil {
		dst.Close()
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		return fail(err)
	}
	src.Close()

	if err := os.Remove(in); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to remove plaintext package", "")
	}
	return out, nil
}

func fileDigest(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
