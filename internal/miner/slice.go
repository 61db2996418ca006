// internal/miner/slice.go
// Logical compute slice: one independently clocked FPGA and its lifecycle
package miner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ztexminer/internal/config"
	"ztexminer/internal/driver/device"
	"ztexminer/internal/driver/freq"
	"ztexminer/internal/hostinfo"
	"ztexminer/internal/metrics"
	"ztexminer/internal/work"
)

var (
	// ErrTransport means a channel call failed twice in a row.
	ErrTransport = errors.New("transport failure")
	// ErrOverheat means the frequency controller saw a collapse of the usable clock.
	ErrOverheat = errors.New("frequency collapse")
	// ErrDisabled is returned for operations on a slice that is no longer enabled.
	ErrDisabled = errors.New("slice disabled")
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultPollTick     = 10 * time.Millisecond
	DefaultRetryDelay   = 500 * time.Millisecond

	// Polls at or below this count after a submit are not charged as errors.
	graceWindow = 2
)

type State int32

const (
	StateDiscovered State = iota
	StateConfiguring
	StateEnabled
	StateDisabled
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConfiguring:
		return "configuring"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options are shared by every slice created by Detect.
type Options struct {
	Oracle  work.Oracle
	Sink    work.Sink
	Log     logrus.FieldLogger
	Metrics *metrics.MinerMetrics
	Host    *hostinfo.Collector

	PollInterval time.Duration
	PollTick     time.Duration
	RetryDelay   time.Duration
}

func (o *Options) setDefaults() {
	if o.Oracle == nil {
		o.Oracle = work.SHA256d{}
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewMinerMetrics()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollTick <= 0 {
		o.PollTick = DefaultPollTick
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

// Snapshot is the externally visible state of a slice.
type Snapshot struct {
	Name       string  `json:"name"`
	Serial     string  `json:"serial"`
	FPGA       int     `json:"fpga"`
	Ordinal    int     `json:"ordinal"`
	State      string  `json:"state"`
	FreqStep   int     `json:"freq_step"`
	FreqMaxM   int     `json:"freq_max_step"`
	MHz        float64 `json:"mhz"`
	ErrorRate  float64 `json:"error_rate"`
	HWErrors   uint64  `json:"hw_errors"`
	Submitted  uint64  `json:"submitted"`
	Duplicates uint64  `json:"duplicates"`
	MaxNonce   uint32  `json:"max_nonce"`

	Transport Transport `json:"transport"`
}

// Transport is the USB traffic of the board a slice lives on. Sibling slices
// report the same figures.
type Transport struct {
	Requests      uint64  `json:"requests"`
	Errors        uint64  `json:"errors"`
	PeakLatencyMS float64 `json:"peak_latency_ms"`
	Closed        bool    `json:"closed"`
}

// Statline is the per-cycle status prefix "<name> | <MHz>MHz | ". Slices that
// are not enabled report nothing.
func (s Snapshot) Statline() string {
	if s.State != StateEnabled.String() {
		return ""
	}
	return fmt.Sprintf("%s | %0.1fMHz | ", s.Name, s.MHz)
}

// Slice is one FPGA on a ZTEX board. The frequency controller and the
// nonceCheckValid counter belong to the worker running ScanHash; the status
// surfaces only ever read the published snapshot.
type Slice struct {
	phys    *device.Physical
	desc    device.Descriptor
	fpga    int
	ordinal int
	name    string

	oracle  work.Oracle
	sink    work.Sink
	log     *logrus.Entry
	metrics *metrics.Slice
	board   *metrics.Board
	host    *hostinfo.Collector
	restart work.Restart

	pollInterval time.Duration
	pollTick     time.Duration
	retryDelay   time.Duration

	freq            *freq.Controller
	nonceCheckValid int

	hwErrors   atomic.Uint64
	submitted  atomic.Uint64
	duplicates atomic.Uint64
	released   atomic.Bool

	mu       sync.RWMutex
	state    State
	freqM    int
	freqMaxM int
	rate     float64
	maxNonce uint32
}

func newSlice(phys *device.Physical, fpga, ordinal int, opts Options) *Slice {
	desc := phys.Descriptor()
	name := fmt.Sprintf("%s-%d", desc.Serial, fpga+1)
	return &Slice{
		phys:         phys,
		desc:         desc,
		fpga:         fpga,
		ordinal:      ordinal,
		name:         name,
		oracle:       opts.Oracle,
		sink:         opts.Sink,
		log:          opts.Log.WithFields(logrus.Fields{"device": "ZTEX " + name, "fpga": fpga}),
		metrics:      opts.Metrics.ForSlice(name),
		board:        opts.Metrics.ForBoard(desc.Serial),
		host:         opts.Host,
		pollInterval: opts.PollInterval,
		pollTick:     opts.PollTick,
		retryDelay:   opts.RetryDelay,
		state:        StateDiscovered,
		freqM:        desc.FreqM,
		freqMaxM:     desc.FreqMaxM,
	}
}

// Name is "<serial>-<fpga+1>".
func (s *Slice) Name() string { return s.name }

func (s *Slice) FPGA() int    { return s.fpga }
func (s *Slice) Ordinal() int { return s.ordinal }

// Owner reports whether this slice releases the physical board.
func (s *Slice) Owner() bool { return s.fpga == 0 }

// Restart is the preemption flag ScanHash polls for this slice.
func (s *Slice) Restart() *work.Restart { return &s.restart }

func (s *Slice) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Slice) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.State.Set(float64(st))
}

// Prepare configures the FPGA and applies the clock override picked from
// clockOpt by this slice's ordinal. A configuration failure leaves the slice
// Disabled and returns nil; an invalid clock option is returned as an error
// wrapping config.ErrInvalidClock.
func (s *Slice) Prepare(clockOpt string) error {
	if st := s.State(); st != StateDiscovered {
		return fmt.Errorf("%s: prepare in state %s", s.name, st)
	}
	s.setState(StateConfiguring)

	if err := s.phys.Do(s.fpga, func(ch device.Channel) error { return ch.ConfigureFpga() }); err != nil {
		s.disable(fmt.Errorf("configure: %w", err))
		return nil
	}

	r, err := config.ParseClock(config.ClockOption(clockOpt, s.ordinal))
	if err != nil {
		s.setState(StateDisabled)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	defaultM, maxM, err := r.Apply(s.desc.FreqMDefault, s.desc.FreqMaxM)
	if err != nil {
		s.setState(StateDisabled)
		return fmt.Errorf("%s: %w", s.name, err)
	}

	ctrl, err := freq.New(defaultM, maxM)
	if err != nil {
		s.setState(StateDisabled)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if err := s.phys.Do(s.fpga, func(ch device.Channel) error { return ch.SetFreq(defaultM) }); err != nil {
		s.disable(fmt.Errorf("set initial frequency: %w", err))
		return nil
	}
	s.freq = ctrl

	s.setState(StateEnabled)
	s.publish(0)
	s.log.WithFields(logrus.Fields{
		"freq_step": defaultM,
		"max_step":  maxM,
		"mhz":       freq.MHz(s.desc.FreqM1, defaultM),
	}).Debug("prepare")
	return nil
}

// disable resets the FPGA and marks the slice Disabled. It does not release
// the board.
func (s *Slice) disable(cause error) {
	s.mu.Lock()
	if s.state == StateDisabled || s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	s.state = StateDisabled
	s.mu.Unlock()
	s.metrics.State.Set(float64(StateDisabled))

	s.log.WithError(cause).Error("Disabling!")
	if err := s.phys.Do(s.fpga, func(ch device.Channel) error { return ch.ResetFpga() }); err != nil && !errors.Is(err, device.ErrClosed) {
		s.log.WithError(err).Warn("reset failed")
	}
}

// Disable is the fatal path: reset, mark Disabled, release the board.
func (s *Slice) Disable(cause error) {
	s.disable(cause)
	if err := s.release(); err != nil {
		s.log.WithError(err).Warn("release failed")
	}
	s.publishTransport()
}

// Shutdown tears the slice down. Only the owner closes the physical board;
// siblings just drop their reference.
func (s *Slice) Shutdown() error {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTornDown
	s.mu.Unlock()
	s.metrics.State.Set(float64(StateTornDown))

	s.log.Debug("shutdown")
	err := s.release()
	s.publishTransport()
	return err
}

func (s *Slice) release() error {
	if s.released.Swap(true) {
		return nil
	}
	if !s.Owner() {
		return nil
	}
	return s.phys.Close()
}

// publish copies worker-owned values into the snapshot fields.
func (s *Slice) publish(maxNonce uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freq != nil {
		s.freqM = s.freq.FreqM
		s.freqMaxM = s.freq.FreqMaxM
		s.rate = s.freq.ErrorRate[s.freq.FreqM]
	}
	if maxNonce > 0 {
		s.maxNonce = maxNonce
	}
	mhz := freq.MHz(s.desc.FreqM1, s.freqM)
	s.metrics.FrequencyMHz.Set(mhz)
	s.metrics.ErrorRate.Set(s.rate)
	s.publishTransport()
}

func (s *Slice) transport() Transport {
	st := s.phys.GetStats()
	return Transport{
		Requests:      st.TotalRequests,
		Errors:        st.ErrorCount,
		PeakLatencyMS: float64(st.PeakLatency) / float64(time.Millisecond),
		Closed:        s.phys.Closed(),
	}
}

func (s *Slice) publishTransport() {
	t := s.transport()
	s.board.Requests.Set(float64(t.Requests))
	s.board.Errors.Set(float64(t.Errors))
	s.board.PeakLatency.Set(t.PeakLatencyMS / 1000)
	open := 1.0
	if t.Closed {
		open = 0
	}
	s.board.Open.Set(open)
}

func (s *Slice) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name:       s.name,
		Serial:     s.desc.Serial,
		FPGA:       s.fpga,
		Ordinal:    s.ordinal,
		State:      s.state.String(),
		FreqStep:   s.freqM,
		FreqMaxM:   s.freqMaxM,
		MHz:        freq.MHz(s.desc.FreqM1, s.freqM),
		ErrorRate:  s.rate,
		HWErrors:   s.hwErrors.Load(),
		Submitted:  s.submitted.Load(),
		Duplicates: s.duplicates.Load(),
		MaxNonce:   s.maxNonce,
		Transport:  s.transport(),
	}
}

// Statline is the status prefix of the current snapshot.
func (s *Slice) Statline() string {
	return s.Snapshot().Statline()
}

// Fleet is every slice the process drives.
type Fleet []*Slice

// Snapshots returns one snapshot per slice in detection order.
func (f Fleet) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(f))
	for _, s := range f {
		out = append(out, s.Snapshot())
	}
	return out
}
