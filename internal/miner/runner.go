// internal/miner/runner.go
// Per-slice workers
package miner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ztexminer/internal/work"
)

// PrepareAll configures every slice. An invalid clock option aborts startup;
// a slice whose FPGA fails to configure is left Disabled.
func PrepareAll(slices []*Slice, clockOpt string) error {
	for _, s := range slices {
		if err := s.Prepare(clockOpt); err != nil {
			return err
		}
	}
	return nil
}

// Run drives one worker per enabled slice until ctx is cancelled or the source
// fails, then tears every slice down. A fatal scan error only ends the worker
// of the slice that hit it.
func Run(ctx context.Context, src work.Source, slices []*Slice, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := 0
	for _, s := range slices {
		if s.State() != StateEnabled {
			continue
		}
		workers++
		g.Go(func() error {
			return s.work(gctx, src)
		})
	}
	log.WithField("workers", workers).Info("mining started")

	err := g.Wait()

	for _, s := range slices {
		if serr := s.Shutdown(); serr != nil {
			log.WithError(serr).WithField("slice", s.Name()).Warn("shutdown failed")
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Slice) work(ctx context.Context, src work.Source) error {
	for {
		s.restart.Clear()
		u, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: next work: %w", s.name, err)
		}

		if _, err := s.ScanHash(ctx, u, &s.restart); err != nil {
			s.log.WithError(err).Error("worker stopped")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

