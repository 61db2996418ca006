package hostinfo

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is host resource usage, attached to overheat reports and the
// status API. Fields that could not be read are left at zero.
type Snapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MaxTempC   float64 `json:"max_temp_c"`
	GoVersion  string  `json:"go_version"`
}

func (s Snapshot) String() string {
	out := fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%%", s.CPUPercent, s.MemPercent)
	if s.MaxTempC > 0 {
		out += fmt.Sprintf(" | Temp: %.1fC", s.MaxTempC)
	}
	return out + " | Go: " + s.GoVersion
}

// Collector reads host statistics. The hooks are replaceable in tests.
type Collector struct {
	cpuPercent   func(ctx context.Context) ([]float64, error)
	memPercent   func(ctx context.Context) (float64, error)
	temperatures func(ctx context.Context) ([]host.TemperatureStat, error)
}

func NewCollector() *Collector {
	return &Collector{
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		memPercent: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		temperatures: host.SensorsTemperaturesWithContext,
	}
}

// Collect never fails; sensors missing on the host just read as zero.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	s := Snapshot{GoVersion: runtime.Version()}
	if pct, err := c.cpuPercent(ctx); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if pct, err := c.memPercent(ctx); err == nil {
		s.MemPercent = pct
	}
	// SensorsTemperatures may return partial readings with a warning error.
	temps, _ := c.temperatures(ctx)
	for _, t := range temps {
		if t.Temperature > s.MaxTempC {
			s.MaxTempC = t.Temperature
		}
	}
	return s
}
