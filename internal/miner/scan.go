// internal/miner/scan.go
// One work unit end to end: submit, poll, validate, retune
package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ztexminer/internal/driver/device"
	"ztexminer/internal/work"
)

// ScanHash runs u on the slice until new work is signalled, a nonce counter
// wraps, or ctx is done. It returns the highest nonce counter read from the
// device. A transport failure that survives one retry, or an overheat trip,
// disables the slice and is returned wrapping ErrTransport or ErrOverheat.
func (s *Slice) ScanHash(ctx context.Context, u *work.Unit, restart *work.Restart) (uint32, error) {
	if st := s.State(); st != StateEnabled {
		return 0, fmt.Errorf("%s: %w (%s)", s.name, ErrDisabled, st)
	}
	if restart == nil {
		restart = &s.restart
	}

	payload := u.Payload()
	err := s.withRetry(ctx, "send hash data", func(ch device.Channel) error {
		return ch.SendHashData(payload[:])
	})
	if err != nil {
		s.Disable(err)
		return 0, err
	}

	var (
		backlog  = NewBacklog(s.desc.NumNonces * (2 + s.desc.ExtraSolutions))
		last     = NewLastSeen(s.desc.NumNonces)
		overflow bool
		count    int
		polls    int
		valid    int
		errCount float64
		noncecnt uint32
	)

	s.log.Debug("entering poll loop")
	for !overflow && !s.preempted(ctx, restart) {
		count++

		if s.wait(ctx, restart) {
			s.log.Debug("new work detected")
			break
		}

		var batch []device.HashData
		err := s.withRetry(ctx, "read hash data", func(ch device.Channel) error {
			var err error
			batch, err = ch.ReadHashData()
			return err
		})
		if err != nil {
			s.Disable(err)
			return 0, err
		}

		if s.preempted(ctx, restart) {
			s.log.Debug("new work detected")
			break
		}
		polls++

		for i := 0; i < s.desc.NumNonces && i < len(batch); i++ {
			hd := batch[i]
			if hd.Nonce > noncecnt {
				noncecnt = hd.Nonce
			}
			if last.Observe(i, hd.Nonce) {
				s.log.Debugf("overflow nonce=%08x", hd.Nonce)
				overflow = true
			}

			if s.oracle.HashWord(u, hd.Nonce) != hd.Hash7 {
				s.log.Debugf("checkNonce failed for %08X", hd.Nonce)
				if count > graceWindow {
					s.hwErrors.Add(1)
					s.metrics.HardwareErrors.Inc()
					errCount += 1.0 / float64(s.desc.NumNonces)
				}
			} else {
				valid++
			}

			s.forward(u, backlog, i, hd.GoldenNonce)
		}
	}

	// Errors from a cycle without a single valid nonce after a productive
	// cycle are a stall, not a clock problem.
	if errCount > 0 && s.nonceCheckValid > 0 && valid == 0 {
		s.log.Errorf("resetting %.1f errors", errCount)
		errCount = 0
	}
	s.nonceCheckValid = valid

	s.freq.Merge(polls, errCount)
	if err := s.retune(); err != nil {
		return 0, err
	}

	s.publish(noncecnt)
	s.metrics.NoncesPerScan.Observe(float64(noncecnt))
	s.log.Debugf("exit %08X", noncecnt)
	return noncecnt, nil
}

// forward submits the golden nonces of one slot. Index 0 is the primary
// echoed by the device; extras must verify before they are considered.
func (s *Slice) forward(u *work.Unit, backlog *Backlog, slot int, golden []uint32) {
	for j, nonce := range golden {
		if j > s.desc.ExtraSolutions {
			break
		}
		if nonce == s.desc.OffsNonces {
			continue
		}
		if j > 0 && !work.Verify(s.oracle, u, nonce) {
			continue
		}
		if !backlog.Insert(nonce) {
			s.duplicates.Add(1)
			s.metrics.Duplicates.Inc()
			continue
		}

		s.log.Warnf("Test Share found %08x", nonce)
		s.log.Debugf("Test Share found N%dE%d", slot, j)
		s.sink.Submit(u, nonce)
		s.submitted.Add(1)
		s.metrics.SharesSubmitted.Inc()
	}
}

// retune runs the frequency controller and applies its decision.
func (s *Slice) retune() error {
	d := s.freq.Update()

	if d.Best != s.freq.FreqM {
		err := s.phys.Do(s.fpga, func(ch device.Channel) error { return ch.SetFreq(d.Best) })
		if err != nil {
			s.log.WithError(err).Warnf("failed to set frequency step %d", d.Best)
		} else {
			s.log.WithFields(logrus.Fields{
				"from": s.freq.FreqM,
				"to":   d.Best,
				"max":  d.MaxM,
			}).Info("frequency changed")
			s.freq.FreqM = d.Best
		}
	}

	if d.Overheat {
		entry := s.log
		if s.host != nil {
			entry = entry.WithField("host", s.host.Collect(context.Background()).String())
		}
		entry.Errorf("frequency drop of %.1f%% detect. This may be caused by overheating. FPGA is shut down to prevent damage.", d.DropPct)
		s.metrics.OverheatTrips.Inc()

		err := fmt.Errorf("%s: %w: best step %d, confident ceiling %d", s.name, ErrOverheat, d.Best, d.MaxM2)
		s.Disable(err)
		return err
	}
	return nil
}

// withRetry runs fn under the board lock, retrying once after RetryDelay.
func (s *Slice) withRetry(ctx context.Context, op string, fn func(device.Channel) error) error {
	err := s.phys.Do(s.fpga, fn)
	if err == nil {
		return nil
	}
	s.log.WithError(err).Errorf("Failed to %s, retrying", op)
	s.metrics.TransportRetries.Inc()

	timer := time.NewTimer(s.retryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timer.C:
	}

	if err = s.phys.Do(s.fpga, fn); err != nil {
		s.log.WithError(err).Errorf("Failed to %s, giving up", op)
		return fmt.Errorf("%s: %s: %w: %w", s.name, op, ErrTransport, err)
	}
	return nil
}

// wait sleeps for one poll interval in pollTick steps and reports whether new
// work arrived meanwhile. The board lock is never held here.
func (s *Slice) wait(ctx context.Context, restart *work.Restart) bool {
	deadline := time.Now().Add(s.pollInterval)
	ticker := time.NewTicker(s.pollTick)
	defer ticker.Stop()

	for {
		if s.preempted(ctx, restart) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
}

func (s *Slice) preempted(ctx context.Context, restart *work.Restart) bool {
	return restart.Pending() || ctx.Err() != nil
}
