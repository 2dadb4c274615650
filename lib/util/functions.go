package util

import (
	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is a uint64 hash used as an ordering or identity key
type UintKey uint64

// HashString generates a 64 bit hash for a string.
// xxhash has a good distribution for short, similar strings such as key names
// that only differ in a numeric suffix (user:1, user:2, ...).
func HashString(s string) UintKey {
	return UintKey(xxhash.Sum64String(s))
}
