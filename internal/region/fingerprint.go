package region

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint is the hex-encoded hash of a region's normalized text.
// Regions with equal fingerprints are interchangeable for caching.
type Fingerprint string

// Normalize applies NFKC, lowercases and collapses whitespace runs to a single space
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// FingerprintOf hashes the normalized form of text
func FingerprintOf(text string) Fingerprint {
	return Fingerprint(fmt.Sprintf("%016x", xxhash.Sum64String(Normalize(text))))
}

// Short returns a prefix suitable for log lines
func (f Fingerprint) Short() string {
	if len(f) > 8 {
		return string(f[:8])
	}
	return string(f)
}
