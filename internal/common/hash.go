package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SaltedHash keys SHA-256 with a server-side salt. Used to store the 3DS
// success nonce so a database leak does not expose usable nonces.
func SaltedHash(salt, input string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}
