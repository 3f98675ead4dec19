// Command btr runs the biosignal telemetry relay: it bridges wireless body
// sensors to a UDP recorder, shaping sample batches into capped datagrams and
// exposing a small control API for stream selection and monitoring.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/align"
	"github.com/biosignal-telemetry/btr/internal/api"
	"github.com/biosignal-telemetry/btr/internal/audit"
	"github.com/biosignal-telemetry/btr/internal/auth"
	"github.com/biosignal-telemetry/btr/internal/capability/sim"
	"github.com/biosignal-telemetry/btr/internal/command"
	"github.com/biosignal-telemetry/btr/internal/config"
	"github.com/biosignal-telemetry/btr/internal/lossrate"
	"github.com/biosignal-telemetry/btr/internal/metrics"
	"github.com/biosignal-telemetry/btr/internal/sensor"
	"github.com/biosignal-telemetry/btr/internal/shape"
	"github.com/biosignal-telemetry/btr/internal/telemetry"
	"github.com/biosignal-telemetry/btr/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	log = log.Level(level)
	log.Info().Str("recorder", cfg.Recorder.Addr).Int("byte_cap", cfg.Shaper.ByteCap).
		Msg("starting biosignal telemetry relay")

	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	sender, err := transport.Dial(cfg.Recorder.Addr, log, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to dial recorder")
	}
	defer sender.Close()

	auditLogger, err := audit.NewLogger(cfg.Audit.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audit logger")
	}
	defer auditLogger.Close()

	hub := telemetry.NewHub(log, cfg.Telemetry.BufferSize, cfg.Telemetry.HeartbeatInterval)
	defer hub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := command.NewQueue(ctx, log)
	queue.SetAuditLogger(auditLogger)
	queue.SetMetrics(m)

	sensors := sensor.NewManager()
	tracker := lossrate.New()
	seq := shape.NewSequencer()
	capa := sim.New(log, "sim-h10", "sim-verity")

	orch := command.NewOrchestrator(log, command.OrchestratorConfig{
		Capability: capa,
		Queue:      queue,
		Sensors:    sensors,
		Aligner:    align.New(),
		Tracker:    tracker,
		Splitter:   shape.NewSplitter(cfg.Shaper.ByteCap, cfg.Shaper.SplitterEnabled, seq),
		Sequencer:  seq,
		Sender:     sender,
	})
	orch.SetHub(hub)
	orch.SetMetrics(m)
	defer orch.Stop()

	ids := capa.DeviceIDs()
	sort.Strings(ids)
	for _, id := range ids {
		orch.HandleDiscovery(sensor.Device{ID: id, Name: id, Status: "connected"})
	}

	var authMw *auth.Middleware
	if cfg.Auth.Enabled {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Algorithm:    cfg.Auth.Algorithm,
			SecretKey:    cfg.Auth.SecretKey,
			PublicKeyPEM: cfg.Auth.PublicKeyPEM,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize auth verifier")
		}
		authMw = auth.NewMiddleware(verifier)
	}

	server := api.NewServer(log, cfg.Server.ListenAddr, api.ServerConfig{
		Controller: orch,
		Sensors:    sensors,
		Tracker:    tracker,
		Feed:       hub,
		Auth:       authMw,
		Registry:   registry,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Info().Stringer("signal", sig).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("control api failed")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control api shutdown incomplete")
	}

	log.Info().Msg("relay stopped")
}
