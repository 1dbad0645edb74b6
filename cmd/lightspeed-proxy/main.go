package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvcrn/lightspeed-proxy/internal/app"
	"github.com/dvcrn/lightspeed-proxy/internal/config"
	"github.com/dvcrn/lightspeed-proxy/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (defaults apply when omitted)")
	listen := flag.String("listen", "", "Listen address, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		lg := logger.New("info")
		lg.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	log := logger.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
