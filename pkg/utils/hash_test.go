package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStringIsStable(t *testing.T) {
	assert.Equal(t, HashString("hello"), HashString("hello"))
	assert.NotEqual(t, HashString("hello"), HashString("hello "))
	assert.Len(t, HashString("anything"), 32)
}

func TestFingerprintSeparatesFields(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.Equal(t, Fingerprint("a", "b", "c"), Fingerprint("a", "b", "c"))
}
