// internal/miner/detect.go
// Board discovery: one Physical per board, one Slice per FPGA
package miner

import (
	"github.com/sirupsen/logrus"

	"ztexminer/internal/driver/device"
)

// Detect wraps every opened channel and creates its slices. Ordinals are
// assigned in detection order across all boards and select each slice's entry
// of the clock option. Boards with an unusable descriptor are closed and
// skipped.
func Detect(chans []device.Channel, opts Options) []*Slice {
	opts.setDefaults()

	if len(chans) > 0 {
		plural := ""
		if len(chans) > 1 {
			plural = "s"
		}
		opts.Log.Warnf("Found %d ztex board%s", len(chans), plural)
	}

	var slices []*Slice
	ordinal := 0
	for _, ch := range chans {
		desc := ch.Descriptor()
		if err := desc.Validate(); err != nil {
			opts.Log.WithError(err).WithField("serial", desc.Serial).Error("skipping board")
			if cerr := ch.Close(); cerr != nil {
				opts.Log.WithError(cerr).WithField("serial", desc.Serial).Warn("failed to close skipped board")
			}
			continue
		}

		phys := device.NewPhysical(ch)
		for fpga := 0; fpga < desc.NumberOfFpgas; fpga++ {
			slices = append(slices, newSlice(phys, fpga, ordinal, opts))
			ordinal++
		}

		opts.Log.WithFields(logrus.Fields{
			"serial":     desc.Serial,
			"fpga_count": desc.NumberOfFpgas,
			"freq_m1":    desc.FreqM1,
			"max_step":   desc.FreqMaxM,
		}).Warn("Found Ztex")
	}
	return slices
}
