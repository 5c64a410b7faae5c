package vkclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Known CRC16/XMODOM + slot vectors, matching the reference values used by
// the Redis/Valkey cluster test suite.
func TestSlotForKeyKnownVectors(t *testing.T) {
	cases := []struct {
		key  string
		slot int
	}{
		// 0x31c3 is the standard XMODEM check value for "123456789".
		{"123456789", 0x31c3 % numSlots},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.slot, slotForKey([]byte(tc.key)))
	}
}

func TestHashTagUsesBracedSubstring(t *testing.T) {
	a := slotForKey([]byte("{user1000}.following"))
	b := slotForKey([]byte("{user1000}.followers"))
	assert.Equal(t, a, b, "keys sharing a hash tag must map to the same slot")
}

func TestHashTagEmptyBracesFallBackToWholeKey(t *testing.T) {
	withEmpty := slotForKey([]byte("foo{}bar"))
	whole := slotForKey([]byte("foo{}bar"))
	assert.Equal(t, whole, withEmpty)
	assert.Equal(t, []byte("foo{}bar"), hashTag([]byte("foo{}bar")))
}

func TestHashTagNoBracesHashesWholeKey(t *testing.T) {
	assert.Equal(t, []byte("plainkey"), hashTag([]byte("plainkey")))
}

func TestHashTagExtractsFirstPair(t *testing.T) {
	assert.Equal(t, []byte("tag"), hashTag([]byte("foo{tag}bar{other}")))
}

func TestSlotForKeyInRange(t *testing.T) {
	for _, k := range []string{"a", "b", "some-long-key-value", "{tag}x"} {
		s := slotForKey([]byte(k))
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, numSlots)
	}
}
