package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/teranos/batchwatch/errors"
)

const (
	keySize   = 32
	nonceSize = 24

	kdfSalt = "batchwatch/secrets"
	kdfInfo = "secretbox-v1"
)

// Cipher seals credential values with a key derived from the master key
type Cipher struct {
	key [keySize]byte
}

// NewCipher derives the sealing key from masterKey with HKDF-SHA256
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.NewValidationError("secret key is empty (set %s)", "BATCHWATCH_SECRET_KEY")
	}

	c := &Cipher{}
	kdf := hkdf.New(sha256.New, []byte(masterKey), []byte(kdfSalt), []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, errors.Wrap(err, "failed to derive secret key")
	}
	return c, nil
}

// Seal encrypts plaintext; the result is nonce||box, base64 encoded
func (c *Cipher) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. A wrong master key fails authentication.
func (c *Cipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.MarkPermanent(errors.Wrap(err, "sealed value is not base64"))
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.MarkPermanent(errors.New("sealed value is too short"))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errors.MarkPermanent(errors.New("failed to decrypt secret: wrong key or corrupted value"))
	}
	return string(plain), nil
}
