package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cleroux/go-foscam"
)

var (
	flagConfig = flag.String("config", "", "Path to a YAML config file")
	flagAddr   = flag.String("addr", "", "Listen on this address:port for HTTP requests (overrides config)")
	flagCamera = flag.String("camera", "", "Camera host[:port] (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *flagAddr != "" {
		cfg.Addr = *flagAddr
	}
	if *flagCamera != "" {
		cfg.Camera.Host = *flagCamera
	}
	if err := Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	l := newLogger(cfg.LogLevel)
	defer func() { _ = l.Sync() }()

	cam := foscam.New(cfg.Camera.Host,
		foscam.WithLogger(l),
		foscam.WithOperator(cfg.Camera.OperatorUser, cfg.Camera.OperatorPassword),
		foscam.WithGuest(cfg.Camera.GuestUser, cfg.Camera.GuestPassword),
	)

	if cfg.Camera.IROffOnStart {
		irCtx, irCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cam.IR(irCtx, false); err != nil {
			l.Warnw("Failed to switch IR off", "error", err)
		}
		irCancel()
	}

	res := foscam.Resolution(cfg.Stream.Resolution)
	relay := foscam.NewRelay(l, cam, foscam.Rate(cfg.Stream.Rate), res,
		foscam.WithMaxFPS(cfg.Stream.MaxFPS),
		foscam.WithAllowedOrigins(cfg.Stream.AllowedOrigins...),
	)

	// Create a context that will allow us to cancel active video streams
	// We _could_ use this context as the HTTP Server's BaseContext but this would have the side-effect of cancelling
	// all in-flight requests, not just our video streams.
	cancelCtx, cancelStreams := context.WithCancel(context.Background())

	s := http.Server{
		Addr:    cfg.Addr,
		Handler: newServer(cancelCtx, l, cam, relay, res),
	}
	s.RegisterOnShutdown(cancelStreams)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		<-ctx.Done()

		l.Info("Shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutS)*time.Second)
		defer shutdownCancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			l.Errorw("Failed to shut down HTTP server", "error", err)
		}
	}()

	l.Infow("HTTP server listening", "addr", cfg.Addr, "camera", cfg.Camera.Host)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Errorw("HTTP server failed", "error", err)
		stop()
	}

	// Wait for HTTP server to shut down gracefully
	wg.Wait()
}

func newLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger.Sugar()
}
