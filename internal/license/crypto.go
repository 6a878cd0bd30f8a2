package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"entcore/pkg/contracts/domain"
)

// scrypt parameters sized for interactive use on the deployment host.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltSize     = 32
)

// tokenFileVersion guards the on-disk format.
const tokenFileVersion = 1

// ErrTokenCorrupt indicates the token file failed authenticated decryption.
var ErrTokenCorrupt = errors.New("license token file corrupt or tampered")

// tokenFile is the on-disk encrypted license token layout.
type tokenFile struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// TokenStore reads and writes the encrypted license token file. The token is
// the signed serialization of the license; encryption at rest keeps casual
// inspection and offline edits from being trivial, while the detached
// signature remains the actual integrity anchor.
type TokenStore struct {
	path   string
	secret []byte
}

// NewTokenStore creates a token store for the given path and deployment
// secret.
func NewTokenStore(path string, secret []byte) (*TokenStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty token secret")
	}
	return &TokenStore{path: path, secret: secret}, nil
}

// Save encrypts and writes the license token with restricted permissions.
func (t *TokenStore) Save(lic *domain.License) error {
	plaintext, err := json.Marshal(lic)
	if err != nil {
		return fmt.Errorf("marshal license: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := t.cipher(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := tokenFile{
		Version:    tokenFileVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Load reads and decrypts the license token. A missing file returns
// os.ErrNotExist; authenticated-decryption failure returns ErrTokenCorrupt.
func (t *TokenStore) Load() (*domain.License, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, err
	}
	var in tokenFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	if in.Version != tokenFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrTokenCorrupt, in.Version)
	}

	gcm, err := t.cipher(in.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, in.Nonce, in.Ciphertext, nil)
	if err != nil {
		return nil, ErrTokenCorrupt
	}

	var lic domain.License
	if err := json.Unmarshal(plaintext, &lic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	return &lic, nil
}

// Remove deletes the token file if present.
func (t *TokenStore) Remove() error {
	err := os.Remove(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (t *TokenStore) cipher(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(t.secret, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
