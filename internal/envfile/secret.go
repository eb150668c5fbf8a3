package envfile

import (
	"crypto/rand"
	"fmt"
)

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiased is the largest multiple of len(secretAlphabet) that fits in a
// byte. Bytes at or above it are discarded so every symbol is equally likely.
const maxUnbiased = 256 - 256%len(secretAlphabet)

// NewSecret returns n characters drawn uniformly from an alphanumeric
// alphabet using crypto/rand.
func NewSecret(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
