package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/action"
	"github.com/kronberger-droid/nanonis-tipctl/internal/buffer"
	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
	"github.com/kronberger-droid/nanonis-tipctl/internal/eventlog"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
	"github.com/kronberger-droid/nanonis-tipctl/internal/registry"
	"github.com/kronberger-droid/nanonis-tipctl/internal/telemetry"
	"github.com/kronberger-droid/nanonis-tipctl/internal/tipprep"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("tipctl %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	client := control.NewClient(cfg.controlHost, cfg.controlPort,
		control.WithConnectTimeout(cfg.connectTimeout),
		control.WithReadTimeout(cfg.readTimeout),
		control.WithLogger(l),
	)
	if err := client.Dial(ctx); err != nil {
		l.Error("control_dial_failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reg := registry.New(client, registry.WithLogger(l))
	if err := reg.Refresh(ctx); err != nil {
		l.Error("registry_refresh_failed", "error", err)
		os.Exit(1)
	}

	primary, err := reg.Resolve(ctx, cfg.primarySignalName)
	if err != nil || primary.Index < 0 {
		l.Error("primary_signal_not_found", "name", cfg.primarySignalName, "suggestions", primary.Suggestions)
		os.Exit(1)
	}

	channelIndices := make([]int, 0, len(cfg.channelNames()))
	for _, name := range cfg.channelNames() {
		res, err := reg.Resolve(ctx, name)
		if err != nil || res.Index < 0 {
			l.Error("telemetry_channel_not_found", "name", name, "suggestions", res.Suggestions)
			os.Exit(1)
		}
		channelIndices = append(channelIndices, res.Index)
	}

	if cfg.oversampl > 0 {
		if err := client.TCPLogOversamplSet(ctx, cfg.oversampl); err != nil {
			l.Error("tcplog_oversampl_set_failed", "error", err)
			os.Exit(1)
		}
	}
	if err := client.TCPLogChannelsSet(ctx, channelIndices); err != nil {
		l.Error("tcplog_channels_set_failed", "error", err)
		os.Exit(1)
	}
	if err := client.TCPLogStart(ctx); err != nil {
		l.Error("tcplog_start_failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = client.TCPLogStop(context.WithoutCancel(ctx)) }()

	dataAddr := fmt.Sprintf("%s:%d", cfg.controlHost, cfg.dataPort)
	dial := func(dctx context.Context) (buffer.FrameSource, error) {
		return telemetry.Dial(dctx, dataAddr, len(channelIndices), cfg.readTimeout)
	}
	reader := buffer.NewReader(cfg.bufferCapacity, dial, buffer.WithLogger(l))
	if err := reader.Run(ctx); err != nil {
		l.Error("telemetry_dial_failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := reader.Stop(); err != nil {
			l.Warn("telemetry_reader_stop_error", "error", err)
		}
	}()

	layer := action.NewLayer(client, reader, action.WithLogger(l), action.WithRetryBudget(cfg.retryBudget))
	sink := eventlog.NewSlogSink(l)

	var cancelledByUser atomic.Bool
	strategy := &tipprep.FixedStrategy{Voltage: cfg.pulseVoltage, Polarity: tipprep.PolarityPositive}
	engine := tipprep.New(tipprep.Config{
		SharpBounds:      tipprep.Bounds{Min: cfg.sharpMin, Max: cfg.sharpMax},
		MaxCycles:        cfg.maxCycles,
		MaxDuration:      cfg.maxDuration,
		InitialBias:      cfg.initialBias,
		VerifyCount:      cfg.verifyCount,
		PrimarySignalIdx: primary.Index,
		SampleWindow:     200 * time.Millisecond,
		MaxBiasVolts:     cfg.maxBiasVolts,
		WithdrawOnExit:   cfg.withdraw,
	}, layer, strategy, sink,
		tipprep.WithLogger(l),
		tipprep.WithCancel(func() bool { return cancelledByUser.Load() }),
	)

	// Reached only once the control dial, registry refresh, and first
	// telemetry connection attempt have all already succeeded above.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runDone := make(chan struct{})
	var status tipprep.ExitStatus
	var runErr error
	go func() {
		defer close(runDone)
		status, runErr = engine.Run(ctx)
	}()

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancelledByUser.Store(true)
		cancel()
		<-runDone
	case <-runDone:
	}

	cancel()
	wg.Wait()

	if runErr != nil {
		l.Error("tip_prep_failed", "error", runErr, "status", status.String())
		os.Exit(1)
	}
	l.Info("tip_prep_finished", "status", status.String())
}
