package propdata

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scryptN/scryptR/scryptP are the cost parameters used to derive the
// per-blob AES-256 key from the site secret. Values follow the scrypt
// interactive-login recommendation (N=2^15) since key derivation happens
// once per plug-in save/load, not on a hot path.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// Seal wraps an (optionally compressed) encoded blob in an AEAD frame,
// keyed by deriving an AES-256 key from siteSecret using the AEADMagic
// header bytes as the scrypt salt, in an AES-256-GCM-with-prepended-nonce
// convention.
func Seal(siteSecret string, blob []byte) ([]byte, error) {
	if siteSecret == "" {
		return nil, fmt.Errorf("propdata: site secret must not be empty")
	}
	key, err := deriveKey(siteSecret)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("propdata: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, blob, nil)
	out := make([]byte, 0, 6+len(sealed))
	out = append(out, AEADMagic[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal.
func Open(siteSecret string, framed []byte) ([]byte, error) {
	if len(framed) < 6+12 {
		return nil, fmt.Errorf("propdata: AEAD frame too short")
	}
	if string(framed[:6]) != string(AEADMagic[:]) {
		return nil, fmt.Errorf("propdata: bad AEAD frame header")
	}

	key, err := deriveKey(siteSecret)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := framed[6:]
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("propdata: ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("propdata: decrypt failed (wrong secret or corrupted data): %w", err)
	}
	return plaintext, nil
}

func deriveKey(siteSecret string) ([]byte, error) {
	key, err := scrypt.Key([]byte(siteSecret), AEADMagic[:], scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("propdata: derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("propdata: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("propdata: new GCM: %w", err)
	}
	return gcm, nil
}
