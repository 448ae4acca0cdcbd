// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gazecap/gazecapd/internal/backend"
	"github.com/gazecap/gazecapd/internal/bus"
	"github.com/gazecap/gazecapd/internal/calibration"
	"github.com/gazecap/gazecapd/internal/config"
	"github.com/gazecap/gazecapd/internal/httpserver"
	"github.com/gazecap/gazecapd/internal/pubhub"
	"github.com/gazecap/gazecapd/internal/session"
	"github.com/gazecap/gazecapd/internal/sink"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	be, err := buildBackend(cfg, baseLogger)
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}
	appLogger.Info("backend selected", "backend", be.Name())

	hub := pubhub.New(cfg.WS.QueueSize, baseLogger.With("component", "pubhub"))
	defer hub.Close()

	sampleBus := bus.New(baseLogger.With("component", "bus"))

	calib := calibration.NewController(calibration.Config{
		AcceptThreshold: cfg.Calib.AcceptThreshold,
		MaxErrorDeg:     cfg.Calib.MaxErrorDeg,
		PointSettle:     cfg.Calib.PointSettle,
	}, baseLogger.With("component", "calibration"))

	mgr := session.NewManager(session.Config{
		MaxSilence:           cfg.Session.MaxSilence,
		ReconnectBase:        cfg.Session.ReconnectBase,
		ReconnectCap:         cfg.Session.ReconnectCap,
		ReconnectJitter:      cfg.Session.ReconnectJitter,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		MaxReconnectElapsed:  cfg.Session.MaxReconnectElapsed,
		ShutdownGrace:        cfg.Session.ShutdownGrace,
		ProfileDir:           cfg.DataDir,
		ClockFitWindow:       cfg.Session.ClockFitWindow,
		DisplayWidthPx:       cfg.Session.DisplayWidthPx,
		DisplayHeightPx:      cfg.Session.DisplayHeightPx,
	}, be, sampleBus, calib, baseLogger)

	factory := sinkFactory(hub, baseLogger)

	if cfg.SinksFile != "" {
		presets, err := config.LoadSinkPresets(cfg.SinksFile)
		if err != nil {
			return fmt.Errorf("load sink presets: %w", err)
		}
		for _, preset := range presets {
			policy, err := bus.ParseDropPolicy(preset.Policy)
			if err != nil {
				return fmt.Errorf("sink %q: %w", preset.ID, err)
			}
			snk, err := factory(preset)
			if err != nil {
				return fmt.Errorf("build sink %q: %w", preset.ID, err)
			}
			reg := bus.Registration{
				ID:       preset.ID,
				Kind:     preset.Kind,
				Capacity: preset.Capacity,
				Policy:   policy,
			}
			if err := sampleBus.Add(reg, snk); err != nil {
				return fmt.Errorf("register sink %q: %w", preset.ID, err)
			}
			appLogger.Info("sink attached from presets", "sink_id", preset.ID, "kind", preset.Kind)
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	sessionErrCh := make(chan error, 1)
	go func() {
		sessionErrCh <- mgr.Run(sessionCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), mgr, hub, factory)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			sessionCancel()
			if err != nil {
				return err
			}
			if sessionErrCh != nil {
				if sessionErr := <-sessionErrCh; sessionErr != nil {
					return sessionErr
				}
			}
			return nil
		case err := <-sessionErrCh:
			sessionErrCh = nil
			if err != nil {
				// A dead session leaves nothing for the API to serve.
				appLogger.Error("session terminated", "err", err)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				sErr := srv.Shutdown(shutdownCtx)
				cancel()
				<-errCh
				if sErr != nil && !errors.Is(sErr, context.Canceled) {
					appLogger.Warn("http shutdown", "err", sErr)
				}
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			sessionCancel()
			if sessionErrCh != nil {
				if sessionErr := <-sessionErrCh; sessionErr != nil {
					return sessionErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func buildBackend(cfg config.Config, baseLogger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendVendor:
		return backend.NewVendor(backend.VendorConfig{
			Addr:           cfg.Vendor.Addr,
			DialTimeout:    cfg.Vendor.Timeout,
			RequestTimeout: cfg.Vendor.Timeout,
		}, baseLogger.With("component", "backend")), nil
	case config.BackendDummy:
		return backend.NewDummy(backend.DummyConfig{
			RateHz:    cfg.Dummy.RateHz,
			DropEvery: cfg.Dummy.DropEvery,
		}, baseLogger.With("component", "backend")), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// sinkFactory builds sinks from presets for both startup files and the
// runtime API.
func sinkFactory(hub *pubhub.Hub, baseLogger *slog.Logger) httpserver.SinkFactory {
	return func(preset config.SinkPreset) (sink.Sink, error) {
		logger := baseLogger.With("component", "sink", "sink_id", preset.ID)
		switch preset.Kind {
		case config.SinkCsv:
			return sink.NewCsv(preset.ID, preset.Path, logger)
		case config.SinkPublish:
			return sink.NewPublish(preset.ID, hub, logger)
		case config.SinkHTTP:
			return sink.NewHTTPBatch(preset.ID, sink.HTTPConfig{
				URL:          preset.URL,
				MaxBatchSize: preset.Batch,
				MaxBatchAge:  preset.Age.Std(),
			}, logger)
		case config.SinkPostgres:
			return sink.NewPostgres(preset.ID, sink.PostgresConfig{
				DSN:   preset.DSN,
				Table: preset.Table,
			}, logger)
		default:
			return nil, fmt.Errorf("unknown sink kind %q", preset.Kind)
		}
	}
}
