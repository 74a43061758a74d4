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

var (
	ErrUnknownKey = errors.New("unknown key id")
	ErrMalformed  = errors.New("malformed sealed value")
)

// sealed is the stored form of a secret.
type sealed struct {
	KeyID string `json:"kid"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// Sealer encrypts owner secrets (API keys) with AES-GCM. The owner id is
// bound as additional data, so a value only opens for the owner it was sealed
// for. Keys are looked up by id to allow rotation.
type Sealer struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
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
			return nil, fmt.Errorf("key %q: new cipher: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: new gcm: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (s *Sealer) Seal(owner, secret string) (string, error) {
	aead := s.aeads[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	b, err := json.Marshal(sealed{
		KeyID: s.currentKeyID,
		Nonce: base64.RawStdEncoding.EncodeToString(nonce),
		Data:  base64.RawStdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(secret), []byte(owner))),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

// Open returns the secret. stale is true when the value was sealed with a key
// other than the current one and should be sealed again.
func (s *Sealer) Open(owner, raw string) (secret string, stale bool, err error) {
	var v sealed
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, ok := s.aeads[v.KeyID]
	if !ok {
		return "", false, fmt.Errorf("%w %q", ErrUnknownKey, v.KeyID)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(v.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return "", false, fmt.Errorf("%w: bad nonce", ErrMalformed)
	}
	data, err := base64.RawStdEncoding.DecodeString(v.Data)
	if err != nil {
		return "", false, fmt.Errorf("%w: bad data", ErrMalformed)
	}
	plain, err := aead.Open(nil, nonce, data, []byte(owner))
	if err != nil {
		return "", false, fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), v.KeyID != s.currentKeyID, nil
}
