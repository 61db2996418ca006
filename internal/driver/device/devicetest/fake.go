// internal/driver/device/devicetest/fake.go
// Scriptable in-memory Channel for tests
package devicetest

import (
	"errors"
	"sync"

	"ztexminer/internal/driver/device"
)

// ErrInjected is the default transport failure returned by Fail* helpers.
var ErrInjected = errors.New("injected transport failure")

// Fake is a device.Channel whose responses are queued by the test. Reads pop
// Batches in order; the last batch is repeated once the queue runs dry.
type Fake struct {
	mu sync.Mutex

	Desc         device.Descriptor
	Batches      [][]device.HashData
	SendErrs     []error
	ReadErrs     []error
	FreqErr      error
	ConfigureErr error
	CloseErr     error

	// OnRead runs after every successful read with the 1-based read count.
	OnRead func(n int)

	Sent    [][]byte
	Freqs   []int
	Selects []int
	Resets  int
	Reads   int
	Closed  bool
}

// New returns a single-FPGA fake with sane descriptor defaults.
func New() *Fake {
	return &Fake{
		Desc: device.Descriptor{
			Serial:         "04A32DB2E2",
			NumberOfFpgas:  1,
			NumNonces:      2,
			ExtraSolutions: 1,
			OffsNonces:     0xffffffff,
			FreqM1:         4.0,
			FreqM:          10,
			FreqMDefault:   10,
			FreqMaxM:       20,
			HashesPerClock: 1,
		},
	}
}

func (f *Fake) Descriptor() device.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Desc
}

func (f *Fake) SelectFpga(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Selects = append(f.Selects, n)
	return nil
}

func (f *Fake) SendHashData(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.Sent = append(f.Sent, append([]byte(nil), payload...))
	return nil
}

func (f *Fake) ReadHashData() ([]device.HashData, error) {
	f.mu.Lock()

	if len(f.ReadErrs) > 0 {
		err := f.ReadErrs[0]
		f.ReadErrs = f.ReadErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}

	var batch []device.HashData
	switch len(f.Batches) {
	case 0:
	case 1:
		batch = f.Batches[0]
	default:
		batch = f.Batches[0]
		f.Batches = f.Batches[1:]
	}
	f.Reads++
	n := f.Reads
	hook := f.OnRead
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return batch, nil
}

func (f *Fake) SetFreq(step int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FreqErr != nil {
		return f.FreqErr
	}
	f.Freqs = append(f.Freqs, step)
	return nil
}

func (f *Fake) ResetFpga() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resets++
	return nil
}

func (f *Fake) ConfigureFpga() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfigureErr
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return f.CloseErr
}

// FailSends queues n consecutive send failures.
func (f *Fake) FailSends(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.SendErrs = append(f.SendErrs, ErrInjected)
	}
}

// FailReads queues n consecutive read failures.
func (f *Fake) FailReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.ReadErrs = append(f.ReadErrs, ErrInjected)
	}
}

// Snapshot returns copies of the recorded calls.
func (f *Fake) Snapshot() (sent [][]byte, freqs []int, resets int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.Sent...), append([]int(nil), f.Freqs...), f.Resets, f.Closed
}
