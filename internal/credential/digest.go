// Package credential derives and verifies salted password digests and
// manages user accounts.
package credential

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

const (
	// DigestRounds is the total number of SHA-512 applications.
	DigestRounds = 7
	// SaltLength is the number of characters in a generated salt.
	SaltLength = 50

	// Salt characters are drawn from code points saltMinRune..saltMaxRune.
	saltMinRune = 1
	saltMaxRune = 254
)

// GenerateSalt returns SaltLength characters drawn uniformly from a
// cryptographic source.
func GenerateSalt() (string, error) {
	span := big.NewInt(saltMaxRune - saltMinRune + 1)
	var b strings.Builder
	b.Grow(SaltLength * 2)
	for i := 0; i < SaltLength; i++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
		b.WriteRune(rune(saltMinRune + n.Int64()))
	}
	return b.String(), nil
}

// Digest hashes salt+password+salt with SHA-512 and re-hashes the output
// until DigestRounds applications have been made. The result is 64 bytes
// and depends only on its inputs.
func Digest(password, salt string) []byte {
	sum := sha512.Sum512([]byte(salt + password + salt))
	for i := 1; i < DigestRounds; i++ {
		sum = sha512.Sum512(sum[:])
	}
	return sum[:]
}

// Verify reports whether candidate hashes to stored under salt. The
// comparison time does not depend on where the digests differ.
func Verify(candidate, salt string, stored []byte) bool {
	return subtle.ConstantTimeCompare(Digest(candidate, salt), stored) == 1
}
