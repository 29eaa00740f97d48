package sessionstore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommended).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen = 16
)

// sealedMagic prefixes every sealed blob. Layout:
// magic | salt (16) | nonce (12) | ciphertext.
var sealedMagic = []byte("BBS1")

// ErrDecrypt is returned when a sealed blob cannot be opened, usually
// because the passphrase changed.
var ErrDecrypt = fmt.Errorf("session blob decryption failed")

// Encrypted seals blobs with AES-256-GCM before handing them to the
// wrapped store. Blobs sealed by one Encrypted share a salt drawn at
// first use; keys derived for foreign salts are cached since Argon2id is
// slow by construction.
type Encrypted struct {
	inner      Store
	passphrase string

	mu   sync.Mutex
	salt []byte
	keys map[string][]byte
}

// NewEncrypted wraps inner.
func NewEncrypted(inner Store, passphrase string) *Encrypted {
	return &Encrypted{
		inner:      inner,
		passphrase: passphrase,
		keys:       make(map[string][]byte),
	}
}

func (e *Encrypted) Load(ctx context.Context, identity string) ([]byte, error) {
	sealed, err := e.inner.Load(ctx, identity)
	if err != nil || sealed == nil {
		return sealed, err
	}
	blob, err := e.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", identity, err)
	}
	return blob, nil
}

func (e *Encrypted) Save(ctx context.Context, identity string, blob []byte) error {
	sealed, err := e.seal(blob)
	if err != nil {
		return fmt.Errorf("save session %q: %w", identity, err)
	}
	return e.inner.Save(ctx, identity, sealed)
}

func (e *Encrypted) Delete(ctx context.Context, identity string) error {
	return e.inner.Delete(ctx, identity)
}

func (e *Encrypted) Close() error { return e.inner.Close() }

func (e *Encrypted) seal(plaintext []byte) ([]byte, error) {
	salt, err := e.sealSalt()
	if err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func (e *Encrypted) open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, sealedMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrDecrypt)
	}
	rest := sealed[len(sealedMagic):]
	if len(rest) < saltLen {
		return nil, fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	salt, rest := rest[:saltLen], rest[saltLen:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (e *Encrypted) sealSalt() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.salt == nil {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		e.salt = salt
	}
	return e.salt, nil
}

func (e *Encrypted) aead(salt []byte) (cipher.AEAD, error) {
	e.mu.Lock()
	key, ok := e.keys[string(salt)]
	if !ok {
		key = argon2.IDKey([]byte(e.passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		e.keys[string(salt)] = key
	}
	e.mu.Unlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
