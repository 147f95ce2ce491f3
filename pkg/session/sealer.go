package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// sealer encrypts the secret session fields into the sealed token claim
// using AES-256-GCM with a key derived from the signing secret.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(secret string) *sealer {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key length; the key is always 32 bytes
		panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return &sealer{gcm: gcm}
}

// seal serialises and encrypts a field map; the nonce is prepended and the
// result hex-encoded for transport inside the token.
func (s *sealer) seal(fields map[string]interface{}) (string, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal secret fields: %w", err)
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// open decrypts a sealed claim back into its field map.
func (s *sealer) open(blob string) (map[string]interface{}, error) {
	ciphertext, err := hex.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode sealed claim: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("sealed claim too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed claim: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal secret fields: %w", err)
	}
	return fields, nil
}
