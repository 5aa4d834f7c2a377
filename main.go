package main

import (
	"embed"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"zswflasher/internal/config"
	"zswflasher/internal/session"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Configuration file path (defaults when empty)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	sess := session.New(session.HardwareFactory(cfg), session.ConfigOptions(cfg)...)

	// Create an instance of the app structure
	app := NewApp(cfg, sess)

	// Create application with options
	err = wails.Run(&options.App{
		Title:  "ZSWatch Flasher",
		Width:  760,
		Height: 860,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 24, G: 26, B: 33, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Application error")
	}
}
