package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// Fingerprint returns a short, non-reversible identifier for a bearer token so
// rejections can be correlated in logs without writing the token itself.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}
