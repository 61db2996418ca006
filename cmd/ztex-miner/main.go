// ztexminer: adaptive clocking driver for ZTEX USB FPGA miners
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ztexminer/internal/config"
	"ztexminer/internal/driver/device"
	"ztexminer/internal/driver/freq"
	"ztexminer/internal/hostinfo"
	"ztexminer/internal/logging"
	"ztexminer/internal/miner"
	"ztexminer/internal/status"
	"ztexminer/internal/work"
)

const statlineInterval = 5 * time.Second

var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "ztex-miner",
	Short: "Adaptive clocking miner for ZTEX USB FPGA boards",
	Long: `Drives every attached ZTEX board at the highest clock that keeps the
hardware error rate under control, validates and deduplicates results, and
shuts FPGAs down when the usable clock collapses.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Detect boards and start mining",
	RunE:  runMiner,
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List attached ZTEX boards and their bitstream parameters",
	RunE:  runDetect,
}

func init() {
	if err := config.RegisterFlags(v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(runCmd, detectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	log, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openBoards(cfg *config.Config, log logrus.FieldLogger) (*device.Scanner, []device.Channel, error) {
	scanner := device.NewScanner(cfg.ControlTimeout, log)
	boards, err := scanner.Scan()
	if err != nil {
		scanner.Close()
		return nil, nil, err
	}
	chans := make([]device.Channel, 0, len(boards))
	for _, b := range boards {
		chans = append(chans, b)
	}
	return scanner, chans, nil
}

func runMiner(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner, chans, err := openBoards(cfg, log)
	if err != nil {
		return err
	}
	defer scanner.Close()
	if len(chans) == 0 {
		return errors.New("no ZTEX boards found")
	}

	oracle := work.SHA256d{}
	sink := work.NewLogSink(oracle, log)
	host := hostinfo.NewCollector()

	fleet := miner.Fleet(miner.Detect(chans, miner.Options{
		Oracle: oracle,
		Sink:   sink,
		Log:    log,
		Host:   host,
	}))
	if err := miner.PrepareAll(fleet, cfg.Clock); err != nil {
		for _, s := range fleet {
			_ = s.Shutdown()
		}
		return err
	}

	gen := work.NewGenerator(cfg.WorkInterval)
	for _, s := range fleet {
		gen.Subscribe(s.Restart())
	}
	srv := status.NewServer(fleet, host, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Nothing left to serve once every worker is gone.
		defer cancel()
		return miner.Run(gctx, gen, fleet, log)
	})
	g.Go(func() error {
		return ignoreCanceled(gen.Run(gctx))
	})
	g.Go(func() error {
		return srv.Run(gctx, cfg.StatusAddr, cfg.GRPCAddr, time.Second)
	})
	g.Go(func() error {
		logStatlines(gctx, fleet, log)
		return nil
	})

	err = g.Wait()
	log.WithFields(logrus.Fields{
		"accepted": sink.Accepted(),
		"rejected": sink.Rejected(),
	}).Info("miner stopped")
	return err
}

func logStatlines(ctx context.Context, fleet miner.Fleet, log logrus.FieldLogger) {
	ticker := time.NewTicker(statlineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fleet {
				line := s.Statline()
				if line == "" {
					continue
				}
				snap := s.Snapshot()
				log.Infof("%sHW:%d A:%d D:%d", line, snap.HWErrors, snap.Submitted, snap.Duplicates)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runDetect(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	scanner, chans, err := openBoards(cfg, log)
	if err != nil {
		return err
	}
	defer scanner.Close()

	printBoards(cmd.OutOrStdout(), chans)
	for _, ch := range chans {
		_ = ch.Close()
	}
	return nil
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func printBoards(w io.Writer, chans []device.Channel) {
	if len(chans) == 0 {
		fmt.Fprintln(w, "no ZTEX boards found")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-12s %5s %6s %6s %9s %9s %9s",
		"SERIAL", "FPGAS", "SLOTS", "EXTRA", "DEFAULT", "MAX", "H/CLK")))
	for _, ch := range chans {
		d := ch.Descriptor()
		fmt.Fprintf(w, "%-12s %5d %6d %6d %6.1fMHz %6.1fMHz %9.2f\n",
			d.Serial, d.NumberOfFpgas, d.NumNonces, d.ExtraSolutions,
			freq.MHz(d.FreqM1, d.FreqMDefault), freq.MHz(d.FreqM1, d.FreqMaxM), d.HashesPerClock)
	}
}
