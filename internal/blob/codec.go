package blob

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Stored blobs start with a one-byte header describing the pipeline that
// produced them, so a store can read blobs written under a different setting.
const (
	flagCompressed byte = 1 << iota
	flagEncrypted
)

var errCorrupt = errors.New("corrupt blob")

// Codec transforms blob bytes on their way to and from a backend.
// Pipeline: plaintext -> zstd compress -> XChaCha20-Poly1305 encrypt -> store.
type Codec struct {
	compress  bool
	masterKey *[32]byte

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCodec creates a codec. A nil masterKey disables encryption.
func NewCodec(compress bool, masterKey *[32]byte) *Codec {
	c := &Codec{compress: compress, masterKey: masterKey}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// DeriveMasterKey stretches a passphrase into a 32-byte master key.
func DeriveMasterKey(passphrase string) (*[32]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	var key [32]byte
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("patrakosh-blob-master"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &key, nil
}

// Encode turns plaintext stored under key into its stored form.
func (c *Codec) Encode(key string, plaintext []byte) ([]byte, error) {
	var flags byte
	body := plaintext
	if c.compress {
		enc := c.encoderPool.Get().(*zstd.Encoder)
		body = enc.EncodeAll(body, nil)
		c.encoderPool.Put(enc)
		flags |= flagCompressed
	}
	if c.masterKey != nil {
		sealed, err := c.seal(key, body)
		if err != nil {
			return nil, err
		}
		body = sealed
		flags |= flagEncrypted
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, flags)
	return append(out, body...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(key string, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errCorrupt
	}
	flags, body := stored[0], stored[1:]
	if flags&flagEncrypted != 0 {
		if c.masterKey == nil {
			return nil, fmt.Errorf("blob %s is encrypted and no key is configured", key)
		}
		opened, err := c.open(key, body)
		if err != nil {
			return nil, err
		}
		body = opened
	}
	if flags&flagCompressed != 0 {
		dec := c.decoderPool.Get().(*zstd.Decoder)
		defer c.decoderPool.Put(dec)
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress blob: %w", err)
		}
		body = out
	}
	return body, nil
}

// deriveKey derives a per-blob key bound to the storage key, so a blob copied
// under another key fails authentication.
func (c *Codec) deriveKey(key string) ([32]byte, error) {
	var k [32]byte
	r := hkdf.New(sha256.New, c.masterKey[:], []byte(key), []byte("patrakosh-blob"))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, fmt.Errorf("derive blob key: %w", err)
	}
	return k, nil
}

func (c *Codec) seal(key string, plaintext []byte) ([]byte, error) {
	k, err := c.deriveKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	// Blobs are rewritten under the same key, so the nonce is random.
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (c *Codec) open(key string, sealed []byte) ([]byte, error) {
	k, err := c.deriveKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errCorrupt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}
