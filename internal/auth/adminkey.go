package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AdminKeyPrefix marks push-worker admin keys so they are recognizable in
// shell history and secret scanners.
const AdminKeyPrefix = "pwa_"

const adminKeyBytes = 32

// NewAdminKey returns a fresh admin API key and the bcrypt hash to put in
// admin.api_key_hash. Only the hash is ever stored.
func NewAdminKey() (key, hash string, err error) {
	b := make([]byte, adminKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate admin key: %w", err)
	}
	key = AdminKeyPrefix + hex.EncodeToString(b)

	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}
