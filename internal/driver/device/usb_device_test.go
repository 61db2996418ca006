package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHashInfo_Version5(t *testing.T) {
	buf := make([]byte, hashInfoSize)
	buf[0] = 5                                      // descriptor version
	buf[1] = 1                                      // two nonce slots
	binary.LittleEndian.PutUint16(buf[2:4], 10001)  // offsNonces = 1
	binary.LittleEndian.PutUint16(buf[4:6], 400)    // 4.00 MHz per step
	buf[6] = 46                                     // default step
	buf[7] = 54                                     // max step
	binary.LittleEndian.PutUint16(buf[8:10], 127)   // 1 hash per clock
	buf[10] = 3                                     // extra solutions

	d, err := parseHashInfo(buf)
	require.NoError(t, err)

	assert.Equal(t, 2, d.NumNonces)
	assert.Equal(t, uint32(1), d.OffsNonces)
	assert.InDelta(t, 4.0, d.FreqM1, 1e-9)
	assert.Equal(t, 46, d.FreqM)
	assert.Equal(t, 46, d.FreqMDefault)
	assert.Equal(t, 54, d.FreqMaxM)
	assert.InDelta(t, 1.0, d.HashesPerClock, 1e-9)
	assert.Equal(t, 3, d.ExtraSolutions)
	assert.True(t, d.SuspendSupported)
}

func TestParseHashInfo_OldVersionHasNoExtras(t *testing.T) {
	buf := make([]byte, hashInfoSize)
	buf[0] = 2
	buf[10] = 7
	binary.LittleEndian.PutUint16(buf[2:4], 10000)

	d, err := parseHashInfo(buf)
	require.NoError(t, err)

	assert.Equal(t, 0, d.ExtraSolutions)
	assert.Equal(t, uint32(0), d.OffsNonces)
	assert.InDelta(t, 1.0, d.HashesPerClock, 1e-9)
	assert.False(t, d.SuspendSupported)
}

func TestParseHashInfo_TooShort(t *testing.T) {
	_, err := parseHashInfo([]byte{5, 1, 2})
	assert.Error(t, err)
}

func TestDecodeHashData_SubtractsOffset(t *testing.T) {
	desc := Descriptor{NumNonces: 2, ExtraSolutions: 1, OffsNonces: 1}
	buf := make([]byte, 2*16)
	put := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	put(0, 101)  // golden
	put(4, 201)  // nonce
	put(8, 0xaa) // hash7
	put(12, 301) // extra
	put(16, 0)   // no golden: wraps below the offset
	put(20, 401)
	put(24, 0xbb)
	put(28, 501)

	got, err := decodeHashData(buf, desc)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []uint32{100, 300}, got[0].GoldenNonce)
	assert.Equal(t, uint32(200), got[0].Nonce)
	assert.Equal(t, uint32(0xaa), got[0].Hash7)
	assert.Equal(t, []uint32{0xffffffff, 500}, got[1].GoldenNonce)
	assert.Equal(t, uint32(400), got[1].Nonce)
}

func TestDecodeHashData_ShortRead(t *testing.T) {
	_, err := decodeHashData(make([]byte, 10), Descriptor{NumNonces: 1})
	assert.Error(t, err)
}

func TestCheckZtexDescriptor(t *testing.T) {
	buf := make([]byte, ztexDescriptorSize)
	buf[0] = ztexDescriptorSize
	buf[1] = 1
	copy(buf[2:6], "ZTEX")
	assert.NoError(t, checkZtexDescriptor(buf))

	copy(buf[2:6], "ABCD")
	assert.Error(t, checkZtexDescriptor(buf))
	assert.Error(t, checkZtexDescriptor(buf[:10]))
}
