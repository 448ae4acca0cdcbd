// tracker-probe exercises a tracker backend directly, without the daemon:
// connect, report the display area, optionally run a short raw capture.
// Useful when diagnosing a vendor runtime that the full session refuses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gazecap/gazecapd/internal/backend"
)

type options struct {
	backendKind string
	vendorAddr  string
	rateHz      int
	capture     time.Duration
	jsonOutput  bool
}

func parseFlags() options {
	defaultBackend := envOrDefault("APP_BACKEND", "dummy")
	defaultAddr := envOrDefault("APP_VENDOR_ADDR", "")

	var opts options
	flag.StringVar(&opts.backendKind, "backend", defaultBackend, "Backend to probe (dummy or vendor)")
	flag.StringVar(&opts.vendorAddr, "addr", defaultAddr, "Vendor runtime address (host:port or unix socket path)")
	flag.IntVar(&opts.rateHz, "rate", 60, "Dummy backend sample rate in Hz")
	flag.DurationVar(&opts.capture, "capture", 0, "Capture raw samples for this long (0 skips capture)")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit samples as JSON lines")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var be backend.Backend
	switch opts.backendKind {
	case "dummy":
		be = backend.NewDummy(backend.DummyConfig{RateHz: opts.rateHz}, logger)
	case "vendor":
		if opts.vendorAddr == "" {
			logger.Error("vendor backend requires -addr")
			os.Exit(1)
		}
		be = backend.NewVendor(backend.VendorConfig{Addr: opts.vendorAddr}, logger)
	default:
		logger.Error("unknown backend", "backend", opts.backendKind)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := be.Connect(ctx); err != nil {
		logger.Error("connect failed", "backend", be.Name(), "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := be.Disconnect(); err != nil {
			logger.Warn("disconnect failed", "err", err)
		}
	}()

	area, err := be.DisplayArea(ctx)
	if err != nil {
		logger.Error("display area query failed", "err", err)
		os.Exit(1)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(area); err != nil {
			logger.Error("encode display area", "err", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("Backend: %s\n", be.Name())
		fmt.Printf("Display area: %.1f x %.1f mm\n", area.WidthMM, area.HeightMM)
	}

	if opts.capture <= 0 {
		return
	}

	captureCtx, cancel := context.WithTimeout(ctx, opts.capture)
	defer cancel()

	var count int
	emit := func(raw backend.RawSample) {
		count++
		if opts.jsonOutput {
			data, err := json.Marshal(raw)
			if err != nil {
				return
			}
			fmt.Println(string(data))
			return
		}
		fmt.Printf("t=%dus left=%v right=%v\n", raw.DeviceTimeUS, raw.Left != nil, raw.Right != nil)
	}

	logger.Info("capturing", "duration", opts.capture)
	if err := be.Stream(captureCtx, emit); err != nil {
		logger.Error("stream failed", "err", err)
		os.Exit(1)
	}
	logger.Info("capture complete", "samples", count)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
