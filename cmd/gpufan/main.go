package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"codeberg.org/mutker/gpufan/internal/config"
	"codeberg.org/mutker/gpufan/internal/controller"
	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/gpu"
	"codeberg.org/mutker/gpufan/internal/history"
	"codeberg.org/mutker/gpufan/internal/logger"
	"codeberg.org/mutker/gpufan/internal/metrics"
	"codeberg.org/mutker/gpufan/internal/pidfile"
	"codeberg.org/mutker/gpufan/internal/plot"
	"codeberg.org/mutker/gpufan/internal/recorder"
	"codeberg.org/mutker/gpufan/internal/regulator"
	"codeberg.org/mutker/gpufan/internal/telemetry"
	"codeberg.org/mutker/gpufan/internal/tick"
	"codeberg.org/mutker/gpufan/internal/web"
	"github.com/oklog/run"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	pid := pidfile.New(cfg.PIDDir)
	if err := pid.Write(); err != nil {
		logger.FatalWithCode(errors.From(err)).Str("path", pid.Path()).Msg("Failed to write PID file")
	}

	err = runApp(cfg)
	if rmErr := pid.Remove(); rmErr != nil {
		logger.Warn().Err(rmErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.ErrorWithCode(errors.From(err)).Msg("Error in main loop")
		os.Exit(1)
	}

	logger.Info().Msg("Exiting...")
}

func runApp(cfg *config.Config) error {
	errFactory := errors.New()

	var manager *gpu.Manager
	if cfg.Telemetry.Source == config.SourceNVML || cfg.Actuate {
		m, err := gpu.New(cfg.Devices, logger.New().WithComponent("gpu"))
		if err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		manager = m
		for i := 0; i < cfg.Devices; i++ {
			logger.Debug().Int("device", i).Interface("fan_speeds", manager.FanSpeeds(i)).Msg("Current fan speeds")
		}
		defer func() {
			if err := manager.Shutdown(); err != nil {
				logger.Warn().Err(err).Msg("Failed to shut down NVML")
			}
		}()
	}

	var source telemetry.Source
	if cfg.Telemetry.Source == config.SourceSMI {
		source = telemetry.NewSMISource()
	} else {
		source = manager
	}

	sampler, err := telemetry.NewSampler(source, telemetry.Config{
		Devices:  cfg.Devices,
		Timeout:  cfg.Telemetry.Timeout,
		Fallback: telemetry.Fallback(cfg.Telemetry.Fallback),
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	gains := make([]controller.Config, cfg.Devices)
	for i := range gains {
		g := cfg.DeviceGains(i)
		gains[i] = controller.Config{
			Kp:            g.Kp,
			Ki:            g.Ki,
			Kd:            g.Kd,
			Setpoint:      g.Setpoint,
			IntegralLimit: g.IntegralLimit,
		}
	}

	reg, err := regulator.New(regulator.Config{
		FanSpeedMin: cfg.Regulator.FanSpeedMin,
		Scale:       cfg.Regulator.Scale,
		Epsilon:     cfg.Regulator.Epsilon,
		Initial:     cfg.Regulator.Initial,
		Gate:        cfg.Regulator.Gate,
		Setpoints:   cfg.Setpoints(),
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	log, err := history.Open(cfg.History.File)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	collector, err := metrics.NewService(metrics.Config{
		Enabled:      cfg.Metrics.Enabled,
		DBPath:       cfg.Metrics.DBPath,
		BatchSize:    cfg.Metrics.BatchSize,
		BatchTimeout: cfg.Metrics.BatchTimeout,
	}, logger.New().WithComponent("metrics"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitMetrics, err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close metrics")
		}
	}()

	opts := []tick.Option{tick.WithMetrics(collector)}
	if cfg.Actuate {
		opts = append(opts, tick.WithActuator(manager))
		logger.Info().Msg("Fan actuation enabled")
	} else {
		logger.Info().Msg("Monitor mode: fan commands are computed but not applied")
	}

	handler, err := tick.New(sampler, controller.NewBank(gains), reg, opts...)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	rec, err := recorder.New(sampler, reg, log, cfg.Recorder.Interval)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	renderer, err := plot.NewRenderer(log, plot.Config{Setpoints: cfg.Setpoints()})
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	{
		recCtx, recCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return rec.Run(recCtx)
		}, func(error) {
			recCancel()
		})
	}

	if cfg.Listen != "" {
		srvCtx, srvCancel := context.WithCancel(ctx)
		h := web.Handler(handler, renderer, reg, web.Options{
			PlotWindow: cfg.Plot.Window,
			PlotFile:   cfg.Plot.File,
			Setpoints:  cfg.Setpoints(),
			Source:     cfg.Telemetry.Source,
			Actuate:    cfg.Actuate,
			Metrics:    collector,
		})
		g.Add(func() error {
			return web.Serve(srvCtx, cfg.Listen, h)
		}, func(error) {
			srvCancel()
		})
	}

	logger.Info().
		Int("devices", cfg.Devices).
		Str("source", cfg.Telemetry.Source).
		Str("history", log.Path()).
		Str("listen", cfg.Listen).
		Msg("gpufan started")

	err = g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info().Str("signal", sigErr.Signal.String()).Msg("Received termination signal")
		return nil
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}

	return nil
}
