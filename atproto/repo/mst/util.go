package mst

import (
	"encoding/binary"
	"math/bits"

	sha256 "github.com/minio/sha256-simd"
)

// Layer of a key in the tree, counted from zero at the leaves: the number of leading zero bit-pairs in SHA-256(key). Each layer is 16 times sparser than the one below it.
func HeightForKey(key []byte) int {
	hv := sha256.Sum256(key)
	zeros := 0
	for i := 0; i < len(hv); i += 8 {
		w := binary.BigEndian.Uint64(hv[i : i+8])
		if w != 0 {
			zeros += bits.LeadingZeros64(w)
			break
		}
		zeros += 64
	}
	return zeros / 2
}

// Length of the common prefix of two byte strings.
func CountPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	a, b = a[:n], b[:n]
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

var keyChars [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		keyChars[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		keyChars[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		keyChars[c] = true
	}
	for _, c := range "_:.-/" {
		keyChars[c] = true
	}
}

// Checks MST key syntax: 1 to 256 bytes of ASCII letters, digits and `_:.-/`.
func IsValidKey(key []byte) bool {
	if len(key) == 0 || len(key) > 256 {
		return false
	}
	for _, b := range key {
		if !keyChars[b] {
			return false
		}
	}
	return true
}
