package callers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const (
	keyPrefix  = "sk-conn-"
	idPrefix   = "conn_"
	keyEntropy = 24
	idEntropy  = 8
)

// HashKey returns the hex SHA-256 of an API key. Only hashes are stored.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return keyPrefix + randomHex(keyEntropy)
}

// GenerateID returns a new random caller id.
func GenerateID() string {
	return idPrefix + randomHex(idEntropy)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
