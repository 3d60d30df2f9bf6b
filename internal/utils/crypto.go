// internal/utils/crypto.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the hex encoded SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateHash reports whether data hashes to expectedHash.
func ValidateHash(data []byte, expectedHash string) bool {
	return HashBytes(data) == expectedHash
}
