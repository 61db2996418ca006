package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MinerMetrics holds the Prometheus metrics for every FPGA slice. Series are
// labelled by the slice name ("<serial>-<fpga>").
type MinerMetrics struct {
	// Result metrics
	SharesSubmitted *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	HardwareErrors  *prometheus.CounterVec
	NoncesPerScan   *prometheus.HistogramVec

	// Clock metrics
	FrequencyMHz  *prometheus.GaugeVec
	ErrorRate     *prometheus.GaugeVec
	OverheatTrips *prometheus.CounterVec

	// Transport metrics
	TransportRetries *prometheus.CounterVec
	SliceState       *prometheus.GaugeVec

	// Board metrics, labelled by serial number
	USBRequests    *prometheus.GaugeVec
	USBErrors      *prometheus.GaugeVec
	USBPeakLatency *prometheus.GaugeVec
	BoardOpen      *prometheus.GaugeVec
}

var (
	minerMetricsOnce sync.Once
	minerMetrics     *MinerMetrics
)

// NewMinerMetrics creates and registers the miner metrics (singleton pattern)
func NewMinerMetrics() *MinerMetrics {
	minerMetricsOnce.Do(func() {
		minerMetrics = &MinerMetrics{
			SharesSubmitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ztex",
					Subsystem: "miner",
					Name:      "shares_submitted_total",
					Help:      "Total nonces handed to the work sink",
				},
				[]string{"slice"},
			),
			Duplicates: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ztex",
					Subsystem: "miner",
					Name:      "duplicates_total",
					Help:      "Total nonces suppressed by the submission backlog",
				},
				[]string{"slice"},
			),
			HardwareErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ztex",
					Subsystem: "miner",
					Name:      "hw_errors_total",
					Help:      "Total hardware errors reported by hash verification",
				},
				[]string{"slice"},
			),
			NoncesPerScan: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "ztex",
					Subsystem: "miner",
					Name:      "nonces_per_scan",
					Help:      "Highest nonce count reached per scan",
					Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
				},
				[]string{"slice"},
			),
			FrequencyMHz: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "clock",
					Name:      "frequency_mhz",
					Help:      "Current FPGA clock in MHz",
				},
				[]string{"slice"},
			),
			ErrorRate: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "clock",
					Name:      "error_rate",
					Help:      "Smoothed error rate of the active frequency step",
				},
				[]string{"slice"},
			),
			OverheatTrips: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ztex",
					Subsystem: "clock",
					Name:      "overheat_trips_total",
					Help:      "Total slices disabled by the overheat check",
				},
				[]string{"slice"},
			),
			TransportRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ztex",
					Subsystem: "usb",
					Name:      "transport_retries_total",
					Help:      "Total retried hash data transfers",
				},
				[]string{"slice"},
			),
			SliceState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "miner",
					Name:      "slice_state",
					Help:      "Lifecycle state of the slice (0 discovered, 1 configuring, 2 enabled, 3 disabled, 4 torn down)",
				},
				[]string{"slice"},
			),
			USBRequests: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "usb",
					Name:      "requests",
					Help:      "Channel calls issued to the board since it was opened",
				},
				[]string{"board"},
			),
			USBErrors: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "usb",
					Name:      "errors",
					Help:      "Channel calls to the board that failed",
				},
				[]string{"board"},
			),
			USBPeakLatency: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "usb",
					Name:      "peak_latency_seconds",
					Help:      "Slowest channel call to the board, lock hold time included",
				},
				[]string{"board"},
			),
			BoardOpen: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "ztex",
					Subsystem: "usb",
					Name:      "board_open",
					Help:      "1 while the board is held open, 0 once released",
				},
				[]string{"board"},
			),
		}
	})
	return minerMetrics
}

// Slice is the per-slice view of MinerMetrics with labels already bound.
type Slice struct {
	SharesSubmitted  prometheus.Counter
	Duplicates       prometheus.Counter
	HardwareErrors   prometheus.Counter
	NoncesPerScan    prometheus.Observer
	FrequencyMHz     prometheus.Gauge
	ErrorRate        prometheus.Gauge
	OverheatTrips    prometheus.Counter
	TransportRetries prometheus.Counter
	State            prometheus.Gauge
}

// ForSlice binds every metric to the given slice name.
func (m *MinerMetrics) ForSlice(name string) *Slice {
	return &Slice{
		SharesSubmitted:  m.SharesSubmitted.WithLabelValues(name),
		Duplicates:       m.Duplicates.WithLabelValues(name),
		HardwareErrors:   m.HardwareErrors.WithLabelValues(name),
		NoncesPerScan:    m.NoncesPerScan.WithLabelValues(name),
		FrequencyMHz:     m.FrequencyMHz.WithLabelValues(name),
		ErrorRate:        m.ErrorRate.WithLabelValues(name),
		OverheatTrips:    m.OverheatTrips.WithLabelValues(name),
		TransportRetries: m.TransportRetries.WithLabelValues(name),
		State:            m.SliceState.WithLabelValues(name),
	}
}

// Board is the per-board view of MinerMetrics. FPGAs on one board share it.
type Board struct {
	Requests    prometheus.Gauge
	Errors      prometheus.Gauge
	PeakLatency prometheus.Gauge
	Open        prometheus.Gauge
}

// ForBoard binds the transport gauges to a board serial number.
func (m *MinerMetrics) ForBoard(serial string) *Board {
	return &Board{
		Requests:    m.USBRequests.WithLabelValues(serial),
		Errors:      m.USBErrors.WithLabelValues(serial),
		PeakLatency: m.USBPeakLatency.WithLabelValues(serial),
		Open:        m.BoardOpen.WithLabelValues(serial),
	}
}
