// internal/work/unit.go
// Work units handed to the FPGA and the payload layout the bitstream expects
package work

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize   = 80
	MidstateSize = 32
	PayloadSize  = 12 + MidstateSize
)

// Unit is one immutable block header plus its precomputed SHA-256 midstate.
// Midstate holds the eight state words after the first 64 header bytes, each
// serialized little-endian.
type Unit struct {
	ID       uint64
	Header   [HeaderSize]byte
	Midstate [MidstateSize]byte
}

// NewUnit builds a work unit from an 80-byte header and computes its midstate.
func NewUnit(id uint64, header []byte) (*Unit, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("header must be exactly %d bytes, got %d", HeaderSize, len(header))
	}

	u := &Unit{ID: id}
	copy(u.Header[:], header)

	mid, err := computeMidstate(u.Header[:64])
	if err != nil {
		return nil, fmt.Errorf("compute midstate: %w", err)
	}
	u.Midstate = mid
	return u, nil
}

// computeMidstate extracts the compression state after one block. crypto/sha256
// exposes it through its binary marshaling: a 4-byte magic followed by the eight
// state words big-endian.
func computeMidstate(block []byte) ([MidstateSize]byte, error) {
	var mid [MidstateSize]byte

	h := sha256.New()
	h.Write(block)
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return mid, fmt.Errorf("sha256 digest does not expose its state")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return mid, err
	}
	if len(state) < 4+MidstateSize {
		return mid, fmt.Errorf("unexpected sha256 state length %d", len(state))
	}

	for i := 0; i < 8; i++ {
		w := binary.BigEndian.Uint32(state[4+i*4:])
		binary.LittleEndian.PutUint32(mid[i*4:], w)
	}
	return mid, nil
}

// Payload returns the 44 bytes sent to the hash core: the three trailing header
// words in reverse order followed by the midstate with every word byte-swapped.
func (u *Unit) Payload() [PayloadSize]byte {
	var buf [PayloadSize]byte

	copy(buf[0:4], u.Header[72:76])
	copy(buf[4:8], u.Header[68:72])
	copy(buf[8:12], u.Header[64:68])

	for i := 0; i < MidstateSize; i += 4 {
		w := binary.LittleEndian.Uint32(u.Midstate[i:])
		binary.BigEndian.PutUint32(buf[12+i:], w)
	}
	return buf
}

// Timestamp returns the header ntime field.
func (u *Unit) Timestamp() uint32 {
	return binary.LittleEndian.Uint32(u.Header[68:72])
}
