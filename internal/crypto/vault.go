package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// vaultVersion is the sealed-blob JSON schema version.
	vaultVersion = 1
)

// sealedJSON is the at-rest format for an encrypted session cookie.
type sealedJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Vault encrypts and decrypts the opaque upstream session cookie before it
// touches the store. The AES-256-GCM key is derived from the configured
// encryption secret with PBKDF2-HMAC-SHA256 and a per-blob random salt.
//
// A Vault constructed with an empty secret passes values through unchanged,
// so deployments without ENCRYPTION_SECRET still function (the cookie is
// simply stored in the clear).
type Vault struct {
	secret string
}

// NewVault creates a Vault for the given encryption secret.
func NewVault(secret string) *Vault {
	return &Vault{secret: secret}
}

// Enabled reports whether encryption is configured.
func (v *Vault) Enabled() bool { return v.secret != "" }

// Seal encrypts plaintext into a versioned JSON blob.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	if !v.Enabled() {
		return plaintext, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedJSON{
		Version:    vaultVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}
	return json.Marshal(out)
}

// Open decrypts a blob produced by Seal. Blobs that do not parse as a sealed
// envelope are returned unchanged, which covers values written before
// encryption was enabled.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	if !v.Enabled() {
		return blob, nil
	}

	var stored sealedJSON
	if err := json.Unmarshal(blob, &stored); err != nil || stored.Version == 0 {
		return blob, nil
	}
	if stored.Version != vaultVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong secret?): %w", err)
	}
	return plaintext, nil
}

// aead derives the AES-256-GCM cipher for the given salt.
func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	if v.secret == "" {
		return nil, errors.New("crypto: encryption secret not configured")
	}

	key := pbkdf2.Key([]byte(v.secret), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
