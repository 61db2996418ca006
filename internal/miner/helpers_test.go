package miner

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"ztexminer/internal/driver/device"
	"ztexminer/internal/driver/device/devicetest"
	"ztexminer/internal/work"
)

const sentinel = 0xffffffff

// mapOracle returns words[nonce] when present and def otherwise. It records
// every nonce it was asked about.
type mapOracle struct {
	mu    sync.Mutex
	words map[uint32]uint32
	def   uint32
	asked []uint32
}

func (o *mapOracle) HashWord(_ *work.Unit, nonce uint32) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.asked = append(o.asked, nonce)
	if w, ok := o.words[nonce]; ok {
		return w
	}
	return o.def
}

func (o *mapOracle) wasAsked(nonce uint32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.asked {
		if n == nonce {
			return true
		}
	}
	return false
}

type recordSink struct {
	mu     sync.Mutex
	nonces []uint32
}

func (s *recordSink) Submit(_ *work.Unit, nonce uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces = append(s.nonces, nonce)
}

func (s *recordSink) submitted() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.nonces...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions(o work.Oracle, sink work.Sink) Options {
	return Options{
		Oracle:       o,
		Sink:         sink,
		Log:          quietLogger(),
		PollInterval: 2 * time.Millisecond,
		PollTick:     time.Millisecond,
		RetryDelay:   time.Millisecond,
	}
}

// preparedSlice detects a single board and prepares its first slice.
func preparedSlice(t *testing.T, fake *devicetest.Fake, o work.Oracle) (*Slice, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	slices := Detect([]device.Channel{fake}, testOptions(o, sink))
	require.NotEmpty(t, slices)
	require.NoError(t, slices[0].Prepare(""))
	require.Equal(t, StateEnabled, slices[0].State())
	return slices[0], sink
}

func testUnit(t *testing.T) *work.Unit {
	t.Helper()
	u, err := work.NewUnit(1, make([]byte, work.HeaderSize))
	require.NoError(t, err)
	return u
}

// result builds a two-slot batch reporting nonce/hash7 on both slots. golden
// goes to slot 0; slot 1 reports no solutions.
func result(nonce, hash7 uint32, golden ...uint32) []device.HashData {
	if len(golden) == 0 {
		golden = []uint32{sentinel, sentinel}
	}
	return []device.HashData{
		{GoldenNonce: golden, Nonce: nonce, Hash7: hash7},
		{GoldenNonce: []uint32{sentinel, sentinel}, Nonce: nonce, Hash7: hash7},
	}
}

// cycle is n advancing reads followed by one that regresses, so a scan ends
// after n+1 polls.
func cycle(n int, hash7 uint32) [][]device.HashData {
	var out [][]device.HashData
	for i := 1; i <= n; i++ {
		out = append(out, result(uint32(i)*0x100, hash7))
	}
	return append(out, result(0x10, hash7))
}
