// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// snapuserd is a userspace daemon servicing the copy-on-write backing store
// for a kernel snapshot target. The kernel exposes a userspace block device
// control channel for each logical snapshot; this daemon answers every
// request by synthesizing data from an internal COW log and a read-only
// base device.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name
// "internal" is reserved by the go compiler and disallows its imports from
// different projects. Since we don't provide any reusable packages, we use
// the internal directory.
//
// - internal/ubd, internal/exctable, internal/dispatch, internal/merge and
// internal/snapuserd contain the COW translation engine: wire protocol,
// exception table construction, data dispatch, merge reconciliation and the
// request loop that ties them together.
//
// - internal/null contains a trivial do-nothing-but-correctly CowLog and
// base device. It can be used for benchmarking the underlying RequestLoop
// and kernel module. The null implementation lives in this module because
// it shares configuration with the real device and makes benchmarking easy
// without code duplication.
//
// - internal/config contains the configuration package common to both the
// real and null devices.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/basedev"
	"github.com/asch/snapuserd/internal/config"
	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/cowlog/memlog"
	"github.com/asch/snapuserd/internal/devicemanager"
	"github.com/asch/snapuserd/internal/metrics"
	"github.com/asch/snapuserd/internal/metrics/cloudwatch"
	"github.com/asch/snapuserd/internal/null"
	"github.com/asch/snapuserd/internal/snapuserd"
)

// Parse configuration from file and environment variables, open the control
// and base devices, build the snapshot device and register it with the
// device manager. The daemon runs until SIGINT or SIGTERM requests a
// graceful shutdown by closing the control device.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	control, err := os.OpenFile(config.Cfg.ControlDevice, os.O_RDWR, 0)
	if err != nil {
		log.Panic().Err(err).Str("device", config.Cfg.ControlDevice).Msg("opening control device")
	}

	cowLog, baseDev, err := buildCollaborators(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	pub := buildMetricsPublisher(config.Cfg.Metrics.Enabled)

	device, err := snapuserd.New(config.Cfg.MiscName, control, baseDev, cowLog, pub)
	if err != nil {
		log.Panic().Err(err).Msg("building snapshot device")
	}

	manager := devicemanager.New()
	if err := manager.Register(device); err != nil {
		log.Panic().Err(err).Msg("registering snapshot device")
	}

	log.Info().Str("device", device.Name()).Msg("snapuserd device registered")

	registerSigHandlers(control, device.Name())
	device.RegisterSigUSR1Handler()

	go device.ReportStatsPeriodically(time.Duration(config.Cfg.Metrics.ReportIntervalMs) * time.Millisecond)

	select {}
}

// buildCollaborators returns the CowLog and base device pair driving the
// daemon. The null pair exists purely for benchmarking the RequestLoop; the
// real pair wires a file-backed memlog harness (see internal/cowlog/memlog)
// and an NBD-backed base device, since the real on-disk COW binary codec is
// an external collaborator out of this module's scope.
func buildCollaborators(wantNull bool) (cowlog.Log, interface {
	ReadAt(p []byte, off int64) (int, error)
}, error) {
	if wantNull {
		return null.NewLog(), null.NewBaseDevice(), nil
	}

	cowLog, err := memlog.Load(config.Cfg.CowDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("loading cow log: %w", err)
	}

	base, err := basedev.Connect(config.Cfg.BaseDeviceSock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting base device: %w", err)
	}

	return cowLog, base, nil
}

func buildMetricsPublisher(enabled bool) metrics.Publisher {
	if !enabled {
		return nil
	}

	cw, err := cloudwatch.New(cloudwatch.Options{
		Region:    config.Cfg.Metrics.Region,
		Namespace: config.Cfg.Metrics.Namespace,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to set up CloudWatch metrics, continuing without them")
		return nil
	}

	return metrics.New(cw)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in. The
// handler closes the control device, which fails the RequestLoop's pending
// read, and then exits the process.
func registerSigHandlers(control *os.File, name string) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)

	go func() {
		<-stopChan
		log.Info().Str("device", name).Msg("received interrupt, closing control device")
		control.Close()
		os.Exit(0)
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
