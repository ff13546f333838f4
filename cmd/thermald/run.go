package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/config"
	"github.com/inkbird/thermal-daemon/internal/coordinator"
	"github.com/inkbird/thermal-daemon/internal/register"
	"github.com/inkbird/thermal-daemon/internal/sink"
	"github.com/inkbird/thermal-daemon/internal/slot"
	"github.com/inkbird/thermal-daemon/internal/supervisor"
)

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	log := cfg.NewLogger()

	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open log path %s: %w", cfg.LogPath, err)
	}
	defer logFile.Close()

	bus, err := busadapter.NewDBusBus(cfg.AdapterPath)
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	reg := register.New()
	alloc := slot.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(bus, alloc, reg, log, cfg.InitialBackoff, cfg.MaxBackoff, nil)

	coord := coordinator.New(bus, sup, log, cfg.WatchPeriod)
	coord.TargetNames = cfg.TargetNameSet()

	coord.Sink = sink.New(reg, bus, log, coord.ReadyDevices, logFile, cfg.StallTimeout, time.Now())

	log.WithField("adapter", cfg.AdapterPath).WithField("log_path", cfg.LogPath).Info("thermald starting")

	err = coord.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("coordinator exited: %w", err)
	}
	log.Info("thermald shut down")
	return nil
}
