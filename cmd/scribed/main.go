package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/scribekit/scribed/internal/audio"
	"github.com/scribekit/scribed/internal/config"
	"github.com/scribekit/scribed/internal/daemon"
	"github.com/scribekit/scribed/internal/history"
	"github.com/scribekit/scribed/internal/runtime"
	"github.com/scribekit/scribed/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		socketPath  string
		model       string
		debug       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&socketPath, "socket-path", "", "Unix socket path (overrides config)")
	flag.StringVar(&model, "model", "", "Speech model to load (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if model != "" {
		cfg.Daemon.Model = model
	}
	if debug {
		cfg.Daemon.Debug = true
		cfg.Telemetry.LogLevel = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Telemetry.LogLevel == "debug" || cfg.Daemon.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg.Telemetry, logger)
	if err := rt.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop(context.Background())

	recognizer, err := stt.Load(cfg.Recognizer, cfg.Daemon.Model)
	if err != nil {
		return fmt.Errorf("load model %q: %w", cfg.Daemon.Model, err)
	}

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		logger.Warn("history store unavailable", slog.String("error", err.Error()))
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	if err := writePIDFile(cfg.PIDFile); err != nil {
		logger.Warn("failed to write pid file", slog.String("error", err.Error()))
	} else {
		defer os.Remove(cfg.PIDFile)
	}

	d := daemon.New(daemon.Options{
		Config:     cfg,
		Logger:     logger,
		Recognizer: recognizer,
		SourceFactory: func() audio.Source {
			return audio.NewFFmpegSource(cfg.Audio, logger)
		},
		History: store,
	})

	rt.SetReady(true)
	defer rt.SetReady(false)
	return d.Run(ctx)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}
