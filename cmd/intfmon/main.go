package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/bilal/switchify-netmon/internal/ifstats"
	"github.com/bilal/switchify-netmon/internal/link"
	"github.com/bilal/switchify-netmon/internal/logger"
	"github.com/bilal/switchify-netmon/internal/monitor"
	"github.com/bilal/switchify-netmon/internal/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: intfmon <interface>")
		return 1
	}
	resource := os.Args[1]
	if err := config.ValidateResource(resource); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}

	logger.Init(cfg.Logging)
	log.Logger = log.With().Int("pid", os.Getpid()).Logger()

	src, err := metricsSource(cfg.Agent)
	if err != nil {
		log.Error().Err(err).Str("resource", resource).Msg("no metrics source")
		return 1
	}

	ctx, stop := shutdown.Notify(context.Background(), log.Logger)
	defer stop()

	mon := monitor.New(monitor.Options{
		Resource:     resource,
		SocketPath:   cfg.SocketPath,
		Tick:         cfg.Agent.Tick,
		WriteTimeout: cfg.Agent.WriteTimeout,
		Source:       src,
		Link:         link.NewController(),
		Logger:       logger.For("intfmon"),
	})
	if err := mon.Run(ctx); err != nil {
		log.Error().Err(err).Str("resource", resource).Msg("agent failed")
		return 1
	}
	return 0
}

func metricsSource(cfg config.AgentConfig) (monitor.MetricsSource, error) {
	switch cfg.MetricsSource {
	case "sysfs":
		return ifstats.NewSysfs(cfg.SysfsRoot), nil
	case "netlink":
		return link.NewSource(), nil
	case "gopsutil":
		return ifstats.NewPSUtil(), nil
	default:
		return nil, errors.New("unknown metrics_source " + cfg.MetricsSource)
	}
}
