package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecrypt marks ciphertext that cannot be recovered: tampered, corrupted,
// or encrypted under a key this process does not hold. Callers must treat the
// affected secret as unusable rather than fall back to another backend.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Secret is an encrypted value at rest: AES-256-GCM ciphertext with its nonce
// and the version of the key that sealed it.
type Secret struct {
	KeyVersion string `json:"key_version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault seals and opens secrets with process-wide symmetric keys. It is the
// only component allowed to see plaintext secrets; everything it hands to
// storage or cache is a sealed Secret.
type Vault struct {
	version string
	keys    map[string][]byte
}

func New(version string, keys map[string][]byte) (*Vault, error) {
	if version == "" {
		return nil, fmt.Errorf("vault: current key version is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("vault: no keys provided")
	}
	if _, ok := keys[version]; !ok {
		return nil, fmt.Errorf("vault: current key version %q not found", version)
	}
	for v, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("vault: key %q must be 32 bytes", v)
		}
	}
	cp := make(map[string][]byte, len(keys))
	for v, key := range keys {
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[v] = buf
	}
	return &Vault{version: version, keys: cp}, nil
}

func (v *Vault) Encrypt(plaintext []byte) (Secret, error) {
	aead, err := v.aead(v.version)
	if err != nil {
		return Secret{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Secret{}, fmt.Errorf("vault: nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return Secret{
		KeyVersion: v.version,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (v *Vault) Decrypt(s Secret) ([]byte, error) {
	if _, ok := v.keys[s.KeyVersion]; !ok {
		return nil, fmt.Errorf("vault: unknown key version %q: %w", s.KeyVersion, ErrDecrypt)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vault: decode nonce: %w", ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", ErrDecrypt)
	}

	aead, err := v.aead(s.KeyVersion)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", ErrDecrypt)
	}
	return plaintext, nil
}

// EncryptString seals value and returns the JSON envelope suitable for a
// text column.
func (v *Vault) EncryptString(value string) (string, error) {
	s, err := v.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("vault: marshal secret: %w", err)
	}
	return string(b), nil
}

// DecryptString opens a JSON envelope produced by EncryptString.
func (v *Vault) DecryptString(raw string) (string, error) {
	var s Secret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("vault: unmarshal secret: %w", ErrDecrypt)
	}
	pt, err := v.Decrypt(s)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt reseals an envelope under the current key version.
func (v *Vault) ReEncrypt(raw string) (string, error) {
	plain, err := v.DecryptString(raw)
	if err != nil {
		return "", err
	}
	return v.EncryptString(plain)
}

func (v *Vault) aead(version string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.keys[version])
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return aead, nil
}
