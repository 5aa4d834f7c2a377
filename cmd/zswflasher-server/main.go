package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/api"
	"zswflasher/internal/artifacts"
	"zswflasher/internal/config"
	"zswflasher/internal/devicesim"
	"zswflasher/internal/session"
	"zswflasher/internal/transport"
)

func main() {
	// Command line flags
	var (
		configFile string
		simulate   string
		webDir     string
		showConfig bool
	)
	flag.StringVar(&configFile, "config", "config/zswflasher.yml", "Configuration file path")
	flag.StringVar(&simulate, "simulate", "", "Talk to a simulated watch instead of hardware (application | recovery)")
	flag.StringVar(&webDir, "web", "", "Directory with a web UI to serve")
	flag.BoolVar(&showConfig, "show-config", false, "Print the effective configuration and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if showConfig {
		cfg.PrintSummary(os.Stdout)
		return
	}

	factory := session.HardwareFactory(cfg)
	switch simulate {
	case "":
	case "application", "recovery":
		factory = simulatorFactory(cfg, simulate == "recovery")
		log.Warn().Str("mode", simulate).Msg("Using a simulated watch")
	default:
		log.Fatal().Str("simulate", simulate).Msg("Unknown simulator mode")
	}

	sess := session.New(factory, session.ConfigOptions(cfg)...)
	defer sess.Close()

	opts := []api.Option{api.WithFirmwareSource(artifacts.New(cfg.Artifacts))}
	if webDir != "" {
		opts = append(opts, api.WithStaticDir(webDir))
	}
	apiServer := api.NewServer(cfg, sess, opts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}
	if err := sess.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Disconnect failed")
	}

	wg.Wait()
	log.Info().Msg("Server stopped")
}

// simulatorFactory serves every transport kind from one simulated watch.
func simulatorFactory(cfg *config.Config, recovery bool) session.Factory {
	opts := []devicesim.Option{devicesim.WithLatency(2 * time.Millisecond)}
	if recovery {
		opts = append(opts, devicesim.WithRecovery())
	}
	dev := devicesim.New(opts...)

	return func(kind transport.Kind) (transport.Transport, error) {
		pc := transport.PipeConfig{MTU: cfg.Transport.Serial.MTU, ChunkTimeout: cfg.Transport.Serial.ChunkTimeout}
		if kind == transport.KindBLE {
			pc = transport.PipeConfig{MTU: cfg.Transport.BLE.MTU, ChunkTimeout: cfg.Transport.BLE.ChunkTimeout}
		}
		return devicesim.NewTransport(dev, kind, pc), nil
	}
}
