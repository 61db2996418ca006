// internal/driver/device/channel.go
// Transport contract for one physical ZTEX board
package device

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Physical.Do once the board has been released.
var ErrClosed = errors.New("device closed")

// Descriptor is what the bitstream reports about itself at detection time.
type Descriptor struct {
	Serial           string
	NumberOfFpgas    int
	NumNonces        int
	ExtraSolutions   int
	OffsNonces       uint32
	FreqM1           float64 // MHz per frequency step
	FreqM            int
	FreqMDefault     int
	FreqMaxM         int
	HashesPerClock   float64
	SuspendSupported bool
}

// Validate checks the invariants the miner relies on.
func (d Descriptor) Validate() error {
	if d.NumNonces <= 0 {
		return fmt.Errorf("descriptor: invalid nonce slot count %d", d.NumNonces)
	}
	if d.ExtraSolutions < 0 {
		return fmt.Errorf("descriptor: invalid extra solution count %d", d.ExtraSolutions)
	}
	if d.FreqMaxM < 0 || d.FreqMDefault < 0 || d.FreqMDefault > d.FreqMaxM {
		return fmt.Errorf("descriptor: default step %d outside [0, %d]", d.FreqMDefault, d.FreqMaxM)
	}
	if d.NumberOfFpgas < 1 {
		return fmt.Errorf("descriptor: invalid fpga count %d", d.NumberOfFpgas)
	}
	return nil
}

// HashData is one result slot of a poll. GoldenNonce[0] is the primary golden
// nonce; GoldenNonce[1:] are the extra solutions.
type HashData struct {
	GoldenNonce []uint32
	Nonce       uint32
	Hash7       uint32
}

// Channel is exclusive access to a ZTEX board. Calls are not safe for
// concurrent use; Physical serialises them.
type Channel interface {
	Descriptor() Descriptor
	SelectFpga(n int) error
	SendHashData(payload []byte) error
	ReadHashData() ([]HashData, error)
	SetFreq(step int) error
	ResetFpga() error
	ConfigureFpga() error
	Close() error
}
