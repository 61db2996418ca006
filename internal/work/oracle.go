// internal/work/oracle.go
package work

import (
	"crypto/sha256"
	"encoding/binary"
)

// Oracle is the ground truth the device output is checked against.
type Oracle interface {
	// HashWord returns the most significant 32-bit word of the header hash
	// with nonce inserted.
	HashWord(u *Unit, nonce uint32) uint32
}

// SHA256d is the double SHA-256 oracle used by Bitcoin-style headers.
type SHA256d struct{}

// HashWord computes SHA256(SHA256(header)) with the nonce little-endian at
// bytes 76..79 and returns the top word of the hash read as a 256-bit
// little-endian number.
func (SHA256d) HashWord(u *Unit, nonce uint32) uint32 {
	header := u.Header
	binary.LittleEndian.PutUint32(header[76:80], nonce)

	first := sha256.Sum256(header[:])
	second := sha256.Sum256(first[:])
	return binary.LittleEndian.Uint32(second[28:32])
}

// Verify reports whether nonce meets the difficulty-1 share target.
func Verify(o Oracle, u *Unit, nonce uint32) bool {
	return o.HashWord(u, nonce) == 0
}
