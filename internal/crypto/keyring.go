// Package crypto seals interaction payloads at rest with AES-256-GCM. Every
// sealed value names the key that sealed it, so old records stay readable
// after the current key is rotated.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown key id")

// Envelope is the JSON form stored in place of a sealed payload.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher for key %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm for key %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, keys: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

// Seal encrypts plaintext with the current key and returns the JSON envelope
// together with the key id used.
func (k *Keyring) Seal(plaintext []byte) (sealed string, keyID string, err error) {
	aead := k.keys[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, []byte(k.currentKeyID))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), k.currentKeyID, nil
}

func (k *Keyring) Open(sealed string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	aead, ok := k.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Reseal opens a value sealed under any known key and seals it again under
// the current one.
func (k *Keyring) Reseal(sealed string) (string, string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", "", err
	}
	return k.Seal(plain)
}
