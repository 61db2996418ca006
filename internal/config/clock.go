package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidClock marks an unusable --ztex-clock value. It is fatal at startup.
var ErrInvalidClock = errors.New("invalid ztex-clock")

const (
	ClockMinMHz  = 100
	ClockMaxMHz  = 250
	ClockUnitMHz = 4
)

// ClockRange is one parsed min[:max] entry, already in frequency steps.
type ClockRange struct {
	HasMin bool
	Min    int
	HasMax bool
	Max    int
}

// ClockOption picks the entry for the slice with the given detection ordinal.
// When the list is shorter than the number of slices the last entry repeats.
func ClockOption(opt string, ordinal int) string {
	if opt == "" {
		return ""
	}
	entries := strings.Split(opt, ",")
	if ordinal >= len(entries) {
		ordinal = len(entries) - 1
	}
	if ordinal < 0 {
		ordinal = 0
	}
	return strings.TrimSpace(entries[ordinal])
}

// ParseClock parses "min[:max]" in MHz. Either side may be empty.
func ParseClock(s string) (ClockRange, error) {
	var r ClockRange
	if s == "" {
		return r, nil
	}

	minPart, maxPart, hasColon := strings.Cut(s, ":")

	if minPart != "" {
		step, err := clockStep(minPart)
		if err != nil {
			return r, err
		}
		r.HasMin, r.Min = true, step
	}
	if hasColon && maxPart != "" {
		step, err := clockStep(maxPart)
		if err != nil {
			return r, err
		}
		r.HasMax, r.Max = true, step
		if r.HasMin && r.Max < r.Min {
			return r, fmt.Errorf("%w: max %s MHz is below min %s MHz", ErrInvalidClock, maxPart, minPart)
		}
	}
	return r, nil
}

func clockStep(s string) (int, error) {
	mhz, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidClock, s)
	}
	if mhz < ClockMinMHz || mhz > ClockMaxMHz {
		return 0, fmt.Errorf("%w: %d MHz must be between %d and %d", ErrInvalidClock, mhz, ClockMinMHz, ClockMaxMHz)
	}
	return mhz/ClockUnitMHz - 1, nil
}

// Apply overrides a slice's default and maximum step. The result keeps
// default <= max.
func (r ClockRange) Apply(defaultM, maxM int) (int, int, error) {
	if r.HasMin {
		defaultM = r.Min
	}
	if r.HasMax {
		if r.Max < defaultM {
			return 0, 0, fmt.Errorf("%w: max step %d is below default step %d", ErrInvalidClock, r.Max, defaultM)
		}
		maxM = r.Max
	}
	if defaultM > maxM {
		return 0, 0, fmt.Errorf("%w: default step %d exceeds maximum step %d", ErrInvalidClock, defaultM, maxM)
	}
	return defaultM, maxM, nil
}

// ValidateClockOption parses every entry so malformed input fails before any
// device is touched.
func ValidateClockOption(opt string) error {
	if opt == "" {
		return nil
	}
	for i, entry := range strings.Split(opt, ",") {
		if _, err := ParseClock(strings.TrimSpace(entry)); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}
