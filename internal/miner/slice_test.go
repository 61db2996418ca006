package miner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztexminer/internal/config"
	"ztexminer/internal/driver/device"
	"ztexminer/internal/driver/device/devicetest"
	"ztexminer/internal/metrics"
	"ztexminer/internal/work"
)

func TestDetect_OrdinalsSpanBoards(t *testing.T) {
	a := devicetest.New()
	a.Desc.Serial = "AAAA"
	a.Desc.NumberOfFpgas = 3
	b := devicetest.New()
	b.Desc.Serial = "BBBB"

	slices := Detect([]device.Channel{a, b}, testOptions(&mapOracle{}, &recordSink{}))
	require.Len(t, slices, 4)

	var names []string
	for i, s := range slices {
		names = append(names, s.Name())
		assert.Equal(t, i, s.Ordinal())
		assert.Equal(t, StateDiscovered, s.State())
	}
	assert.Equal(t, []string{"AAAA-1", "AAAA-2", "AAAA-3", "BBBB-1"}, names)
	assert.True(t, slices[0].Owner())
	assert.False(t, slices[1].Owner())
	assert.True(t, slices[3].Owner())
}

func TestDetect_SkipsInvalidDescriptor(t *testing.T) {
	bad := devicetest.New()
	bad.Desc.NumNonces = 0
	good := devicetest.New()

	slices := Detect([]device.Channel{bad, good}, testOptions(&mapOracle{}, &recordSink{}))
	require.Len(t, slices, 1)
	assert.Equal(t, 0, slices[0].Ordinal())
	assert.True(t, bad.Closed)
}

func TestDetect_LogsCloseFailureOfSkippedBoard(t *testing.T) {
	bad := devicetest.New()
	bad.Desc.NumNonces = 0
	bad.CloseErr = errors.New("libusb: busy")
	log, hook := logtest.NewNullLogger()
	opts := testOptions(&mapOracle{}, &recordSink{})
	opts.Log = log

	slices := Detect([]device.Channel{bad}, opts)
	assert.Empty(t, slices)
	assert.True(t, bad.Closed)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, bad.CloseErr, entry.Data[logrus.ErrorKey])
	assert.Equal(t, "04A32DB2E2", entry.Data["serial"])
}

func TestPrepare_SetsDefaultFrequency(t *testing.T) {
	fake := devicetest.New()
	s, _ := preparedSlice(t, fake, &mapOracle{})

	_, freqs, _, _ := fake.Snapshot()
	assert.Equal(t, []int{10}, freqs)
	snap := s.Snapshot()
	assert.Equal(t, "enabled", snap.State)
	assert.Equal(t, 10, snap.FreqStep)
	assert.InDelta(t, 44.0, snap.MHz, 1e-9)
}

func TestPrepare_ClockOverridePerOrdinal(t *testing.T) {
	a := devicetest.New()
	a.Desc.FreqMaxM = 60
	b := devicetest.New()
	b.Desc.Serial = "SECOND"
	b.Desc.FreqMaxM = 60

	slices := Detect([]device.Channel{a, b}, testOptions(&mapOracle{}, &recordSink{}))
	require.NoError(t, PrepareAll(slices, "200:220,180"))

	assert.Equal(t, 49, slices[0].freq.FreqM)
	assert.Equal(t, 54, slices[0].freq.FreqMaxM)
	assert.Equal(t, 44, slices[1].freq.FreqM)
	assert.Equal(t, 60, slices[1].freq.FreqMaxM)

	_, freqs, _, _ := a.Snapshot()
	assert.Equal(t, []int{49}, freqs)
	_, freqs, _, _ = b.Snapshot()
	assert.Equal(t, []int{44}, freqs)
}

func TestPrepare_InvalidClockIsFatal(t *testing.T) {
	for _, opt := range []string{"300", "200:150", "abc"} {
		t.Run(opt, func(t *testing.T) {
			slices := Detect([]device.Channel{devicetest.New()}, testOptions(&mapOracle{}, &recordSink{}))
			err := PrepareAll(slices, opt)
			assert.ErrorIs(t, err, config.ErrInvalidClock)
		})
	}
}

func TestPrepare_ClockAboveBitstreamMaximum(t *testing.T) {
	// Default fake allows steps up to 20 (84 MHz); 200 MHz is step 49.
	slices := Detect([]device.Channel{devicetest.New()}, testOptions(&mapOracle{}, &recordSink{}))
	err := PrepareAll(slices, "200")
	assert.ErrorIs(t, err, config.ErrInvalidClock)
}

func TestPrepare_ConfigureFailureDisables(t *testing.T) {
	fake := devicetest.New()
	fake.ConfigureErr = errors.New("fpga not configured")
	slices := Detect([]device.Channel{fake}, testOptions(&mapOracle{}, &recordSink{}))

	require.NoError(t, slices[0].Prepare(""))
	assert.Equal(t, StateDisabled, slices[0].State())

	_, freqs, resets, closed := fake.Snapshot()
	assert.Empty(t, freqs)
	assert.Equal(t, 1, resets)
	assert.False(t, closed, "configuration failure keeps the board until shutdown")
	assert.Equal(t, "", slices[0].Statline())
}

func TestPrepare_Twice(t *testing.T) {
	s, _ := preparedSlice(t, devicetest.New(), &mapOracle{})
	assert.Error(t, s.Prepare(""))
}

func TestShutdown_OnlyOwnerClosesBoard(t *testing.T) {
	fake := devicetest.New()
	fake.Desc.NumberOfFpgas = 2
	slices := Detect([]device.Channel{fake}, testOptions(&mapOracle{}, &recordSink{}))
	require.NoError(t, PrepareAll(slices, ""))

	require.NoError(t, slices[1].Shutdown())
	assert.False(t, fake.Closed)
	assert.Equal(t, StateTornDown, slices[1].State())

	require.NoError(t, slices[0].Shutdown())
	assert.True(t, fake.Closed)

	// Idempotent.
	require.NoError(t, slices[0].Shutdown())
}

func TestDisable_SiblingLosesBoard(t *testing.T) {
	fake := devicetest.New()
	fake.Desc.NumberOfFpgas = 2
	fake.Batches = cycle(1, 0)
	slices := Detect([]device.Channel{fake}, testOptions(&mapOracle{}, &recordSink{}))
	require.NoError(t, PrepareAll(slices, ""))

	slices[0].Disable(errors.New("test"))
	assert.True(t, fake.Closed)

	_, err := slices[1].ScanHash(context.Background(), testUnit(t), slices[1].Restart())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, device.ErrClosed)
	assert.Equal(t, StateDisabled, slices[1].State())
}

func TestStatline(t *testing.T) {
	s, _ := preparedSlice(t, devicetest.New(), &mapOracle{})
	assert.Equal(t, "04A32DB2E2-1 | 44.0MHz | ", s.Statline())

	s.Disable(errors.New("test"))
	assert.Equal(t, "", s.Statline())
}

func TestSnapshot_BoardTransport(t *testing.T) {
	fake := devicetest.New()
	fake.Desc.Serial = "XPORT00001"
	s, _ := preparedSlice(t, fake, &mapOracle{})
	m := metrics.NewMinerMetrics()

	tr := s.Snapshot().Transport
	assert.Equal(t, uint64(2), tr.Requests, "configure and initial frequency")
	assert.Zero(t, tr.Errors)
	assert.False(t, tr.Closed)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.USBRequests.WithLabelValues("XPORT00001")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BoardOpen.WithLabelValues("XPORT00001")))

	require.NoError(t, s.Shutdown())
	assert.True(t, s.Snapshot().Transport.Closed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BoardOpen.WithLabelValues("XPORT00001")))
}

func TestSnapshot_BoardTransportCountsErrors(t *testing.T) {
	fake := devicetest.New()
	fake.Desc.Serial = "XPORT00002"
	fake.FreqErr = errors.New("stall")
	slices := Detect([]device.Channel{fake}, testOptions(&mapOracle{}, &recordSink{}))

	require.NoError(t, slices[0].Prepare(""))
	assert.Equal(t, StateDisabled, slices[0].State())

	tr := slices[0].Snapshot().Transport
	assert.Equal(t, uint64(3), tr.Requests, "configure, frequency and reset")
	assert.Equal(t, uint64(1), tr.Errors)
}

func TestSnapshotStatline(t *testing.T) {
	snap := Snapshot{Name: "04A32DB2E2-2", State: StateEnabled.String(), MHz: 184}
	assert.Equal(t, "04A32DB2E2-2 | 184.0MHz | ", snap.Statline())

	snap.State = StateDisabled.String()
	assert.Empty(t, snap.Statline())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "torn-down", StateTornDown.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestRun_FatalSliceDoesNotStopOthers(t *testing.T) {
	broken := devicetest.New()
	broken.Desc.Serial = "BROKEN"
	broken.FailSends(2)

	healthy := devicetest.New()
	healthy.Desc.Serial = "HEALTHY"
	healthy.Batches = [][]device.HashData{result(0x100, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthy.OnRead = func(n int) {
		if n == 20 {
			cancel()
		}
	}

	slices := Detect([]device.Channel{broken, healthy}, testOptions(&mapOracle{}, &recordSink{}))
	require.NoError(t, PrepareAll(slices, ""))

	gen := work.NewGenerator(0)
	for _, s := range slices {
		gen.Subscribe(s.Restart())
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, gen, slices, quietLogger()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, healthy.Reads, 20)
	assert.Zero(t, broken.Reads)
	for _, s := range slices {
		assert.Equal(t, StateTornDown, s.State())
	}
	assert.True(t, broken.Closed)
	assert.True(t, healthy.Closed)
}

func TestRun_NewWorkPreemptsScan(t *testing.T) {
	fake := devicetest.New()
	fake.Batches = [][]device.HashData{result(0x100, 0)}
	opts := testOptions(&mapOracle{}, &recordSink{})
	slices := Detect([]device.Channel{fake}, opts)
	require.NoError(t, PrepareAll(slices, ""))

	gen := work.NewGenerator(0)
	gen.Subscribe(slices[0].Restart())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.OnRead = func(n int) {
		switch n {
		case 5, 10:
			gen.Publish()
		case 15:
			cancel()
		}
	}

	require.NoError(t, Run(ctx, gen, slices, quietLogger()))
	sent, _, _, _ := fake.Snapshot()
	assert.GreaterOrEqual(t, len(sent), 3, "every new block starts a new work unit")
}
