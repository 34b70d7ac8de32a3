// Package vault stores API keys encrypted under a master password and gates
// action processing on unlocking them.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher parameters. Blobs written with other values
// cannot be opened.
const (
	Iterations = 100000
	SaltSize   = 16
	IVSize     = 12
	KeySize    = 32
)

var (
	// ErrBadPassword covers every decryption failure: a wrong password and a
	// damaged blob are indistinguishable under GCM.
	ErrBadPassword = errors.New("incorrect password or corrupted vault")
	// ErrNoVault is returned when unlocking without a stored vault.
	ErrNoVault = errors.New("no vault found; run 'sidekick vault setup' first")
)

// Blob is the encrypted vault as stored in the sync area. All fields are base64.
type Blob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// Encrypt seals plaintext under a key derived from password with a fresh salt and IV.
func Encrypt(plaintext []byte, password string) (Blob, error) {
	salt := make([]byte, SaltSize)
	iv := make([]byte, IVSize)
	if _, err := rand.Read(salt); err != nil {
		return Blob{}, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return Blob{}, fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return Blob{}, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)

	return Blob{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens a blob. Any failure is reported as ErrBadPassword.
func Decrypt(b Blob, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(b.Salt)
	if err != nil {
		return nil, ErrBadPassword
	}
	iv, err := base64.StdEncoding.DecodeString(b.IV)
	if err != nil || len(iv) != IVSize {
		return nil, ErrBadPassword
	}
	sealed, err := base64.StdEncoding.DecodeString(b.Ciphertext)
	if err != nil {
		return nil, ErrBadPassword
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, ErrBadPassword
	}
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plain, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
