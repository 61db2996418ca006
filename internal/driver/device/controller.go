// internal/driver/device/controller.go
package device

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// USB identity of ZTEX FPGA modules
	USBVendorID  = 0x221a
	USBProductID = 0x0100

	// Vendor requests (bmRequestType 0x40 out, 0xc0 in)
	ReqFpgaState      = 0x30
	ReqResetFpga      = 0x31
	ReqZtexDescriptor = 0x22
	ReqNumberOfFpgas  = 0x50
	ReqSelectFpga     = 0x51
	ReqSendHashData   = 0x80
	ReqReadHashData   = 0x81
	ReqHashDataInfo   = 0x82
	ReqSetFreq        = 0x83

	ControlTimeout = 1000 * time.Millisecond
)

// Stats counts channel traffic for one physical board.
type Stats struct {
	TotalRequests uint64
	ErrorCount    uint64
	PeakLatency   time.Duration
	mu            sync.RWMutex
}

// StatsSnapshot is a copy of Stats without the lock.
type StatsSnapshot struct {
	TotalRequests uint64
	ErrorCount    uint64
	PeakLatency   time.Duration
}

func (s *Stats) record(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalRequests++
	if err != nil {
		s.ErrorCount++
	}
	if latency > s.PeakLatency {
		s.PeakLatency = latency
	}
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		TotalRequests: s.TotalRequests,
		ErrorCount:    s.ErrorCount,
		PeakLatency:   s.PeakLatency,
	}
}

// Physical owns a board's channel and the lock every FPGA on it shares. Logical
// slices hold a *Physical but only the owner (FPGA 0) closes it.
type Physical struct {
	ch   Channel
	desc Descriptor

	mu       sync.Mutex
	selected int
	closed   atomic.Bool
	stats    Stats
}

// NewPhysical wraps a freshly opened channel.
func NewPhysical(ch Channel) *Physical {
	return &Physical{
		ch:       ch,
		desc:     ch.Descriptor(),
		selected: -1,
	}
}

func (p *Physical) Descriptor() Descriptor {
	return p.desc
}

// Do runs fn with exclusive access to the board and fpga selected. The lock is
// released as soon as fn returns.
func (p *Physical) Do(fpga int, fn func(Channel) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	err := p.selectLocked(fpga)
	if err == nil {
		err = fn(p.ch)
	}
	p.stats.record(time.Since(start), err)
	return err
}

func (p *Physical) selectLocked(fpga int) error {
	if p.desc.NumberOfFpgas <= 1 || p.selected == fpga {
		return nil
	}
	if err := p.ch.SelectFpga(fpga); err != nil {
		return err
	}
	p.selected = fpga
	return nil
}

// Close releases the transport. Further Do calls fail with ErrClosed.
func (p *Physical) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Swap(true) {
		return nil
	}
	return p.ch.Close()
}

// Closed reports whether the board was released. It does not wait for a
// transfer in progress.
func (p *Physical) Closed() bool {
	return p.closed.Load()
}

// GetStats returns the traffic counters of every Do call so far.
func (p *Physical) GetStats() StatsSnapshot {
	return p.stats.snapshot()
}
