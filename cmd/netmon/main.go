package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bilal/switchify-netmon/internal/communicator"
	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/bilal/switchify-netmon/internal/decision"
	"github.com/bilal/switchify-netmon/internal/health"
	"github.com/bilal/switchify-netmon/internal/logger"
	"github.com/bilal/switchify-netmon/internal/metrics"
	"github.com/bilal/switchify-netmon/internal/registry"
	"github.com/bilal/switchify-netmon/internal/shutdown"
	"github.com/bilal/switchify-netmon/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run is the single place errors turn into an exit code.
func run() int {
	path := os.Getenv(config.EnvPath)
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}

	logger.Init(cfg.Logging)
	runID := uuid.NewString()
	log.Logger = log.With().Str("run_id", runID).Int("pid", os.Getpid()).Logger()
	log.Info().Str("config", cfg.Path()).Msg("starting netmon supervisor")

	ctx, stop := shutdown.Notify(context.Background(), log.Logger)
	defer stop()

	//------------------------------------------
	// METRICS
	//------------------------------------------
	m, err := metrics.New(ctx, cfg.Metrics)
	if err != nil {
		log.Error().Err(err).Msg("failed to start metrics")
		return 1
	}

	//------------------------------------------
	// REPORT SINKS
	//------------------------------------------
	engine := decision.NewEngine(cfg.Thresholds, logger.For("decision"))
	recorders := []supervisor.Recorder{engine}

	var comm *communicator.Communicator
	if cfg.Backend.URL != "" {
		comm = communicator.New(cfg.Backend, runID)
		comm.Start()
		recorders = append(recorders, comm)
	}

	var producer *communicator.KafkaProducer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = communicator.NewKafkaProducer(cfg.Kafka, runID)
		if err != nil {
			log.Error().Err(err).Msg("failed to start kafka producer")
			return 1
		}
		recorders = append(recorders, producer)
	}

	//------------------------------------------
	// HEALTH SERVER
	//------------------------------------------
	reg := registry.New()
	var healthSrv *health.Server
	if cfg.Supervisor.HealthAddr != "" {
		healthSrv = health.New(cfg.Supervisor.HealthAddr, reg, engine)
		healthSrv.SetRunning(true)
		go func() {
			if err := healthSrv.Serve(); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
		log.Info().Str("addr", cfg.Supervisor.HealthAddr).Msg("health endpoint running")
	}

	//------------------------------------------
	// SUPERVISOR
	//------------------------------------------
	env := []string{}
	if cfg.Path() != "" {
		env = append(env, config.EnvPath+"="+cfg.Path())
	}
	sup := supervisor.New(supervisor.Options{
		SocketPath:    cfg.SocketPath,
		Resources:     cfg.Supervisor.Resources,
		Launcher:      &supervisor.ExecLauncher{Binary: cfg.Supervisor.AgentBinary, Env: env},
		AcceptTimeout: cfg.Supervisor.AcceptTimeout,
		PollInterval:  cfg.Supervisor.PollInterval,
		DrainPeriod:   cfg.Supervisor.DrainPeriod,
		ReapTimeout:   cfg.Supervisor.ReapTimeout,
		WriteTimeout:  cfg.Agent.WriteTimeout,
		ExitWhenEmpty: cfg.Supervisor.ExitWhenEmpty,
		VerifyPeer:    cfg.Supervisor.VerifyPeer,
		Registry:      reg,
		Recorders:     recorders,
		Metrics:       m,
		Logger:        logger.For("supervisor"),
	})
	runErr := sup.Run(ctx)

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("health server shutdown")
		}
	}
	if comm != nil {
		comm.Shutdown(shutdownCtx)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close")
		}
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("supervisor failed")
		return 1
	}
	log.Info().Msg("supervisor stopped cleanly")
	return 0
}
