package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Fingerprint derives a stable identity for a set of fields, used to
// deduplicate assertions and cache entries regardless of field order
// quirks at call sites.
func Fingerprint(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
