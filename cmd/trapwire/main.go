package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/anomaly"
	"github.com/fsociety/trapwire/pkg/trapwire/api"
	"github.com/fsociety/trapwire/pkg/trapwire/clock"
	"github.com/fsociety/trapwire/pkg/trapwire/config"
	"github.com/fsociety/trapwire/pkg/trapwire/containment"
	"github.com/fsociety/trapwire/pkg/trapwire/decoy"
	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/forensics"
	"github.com/fsociety/trapwire/pkg/trapwire/integrity"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := config.SetupLogging(&cfg.Logging); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	// Telemetry fan-out: metrics and the recent-events buffer always attach;
	// NATS is optional and its absence never affects event processing.
	metrics := telemetry.NewMetrics()
	fanout := telemetry.NewFanout(cfg.Telemetry.BufferSize)
	recent := telemetry.NewRecentBuffer(cfg.Telemetry.RecentLimit)
	fanout.Attach(recent)
	fanout.Attach(metrics)

	if cfg.Telemetry.NATSEnabled {
		natsPub, err := telemetry.NewNATSPublisher(cfg.Telemetry.NATSURL, cfg.Telemetry.NATSSubject)
		if err != nil {
			log.Error().Err(err).Msg("NATS sink unavailable, continuing without it")
		} else {
			fanout.Attach(natsPub)
			defer natsPub.Close()
		}
	}

	for _, path := range []string{cfg.Containment.LedgerPath, cfg.Integrity.DBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatal().Err(err).Str("dir", dir).Msg("Failed to create data directory")
			}
		}
	}

	ledger, err := containment.OpenLedger(cfg.Containment.LedgerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open containment ledger")
	}
	defer ledger.Close()

	backups, err := containment.NewBackupStore(cfg.Containment.BackupDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backup store")
	}

	// The sink closes over the aggregator and engine, assigned below before
	// the listeners start accepting.
	var aggregator *anomaly.Aggregator
	var engine *containment.Engine
	sink := func(ev event.ConnectionEvent) {
		fanout.Publish(telemetry.ConnectionRecord(ev))
		if verdict, ok := aggregator.Record(ev); ok {
			fanout.Publish(telemetry.VerdictRecord(verdict))
			if _, err := engine.Handle(verdict); err != nil {
				log.Error().Err(err).Msg("Containment engine rejected verdict")
			}
		}
	}

	manager := decoy.NewManager(cfg.Decoy, sink)
	manager.SetActiveGauge(metrics.ActiveDecoys)

	aggregator = anomaly.NewAggregator(anomaly.Config{
		Threshold:         cfg.Anomaly.Threshold,
		ServiceThresholds: cfg.Anomaly.ServiceThresholds,
		OffenderCapacity:  cfg.Anomaly.OffenderCapacity,
		OffenderTTL:       cfg.Anomaly.OffenderTTL,
		SweepInterval:     cfg.Anomaly.SweepInterval,
	}, manager.Ports())
	aggregator.SetSizeGauge(metrics.OffenderCount)
	aggregator.StartSweeper()

	engine = containment.NewEngine(ledger, manager, backups, fanout)

	bindErrs, err := manager.Start()
	for _, be := range bindErrs {
		log.Warn().Str("decoy", be.Service).Int("port", be.Port).Msg("Decoy service disabled")
	}
	if err != nil {
		log.Error().Err(err).Msg("No decoy service started; continuing with integrity watch only")
	}

	var watcher *integrity.Watcher
	if cfg.Integrity.Enabled {
		store, err := integrity.OpenStore(cfg.Integrity.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open integrity baseline store")
		}
		defer store.Close()

		watcher = integrity.NewWatcher(cfg.Integrity.WatchedPaths, store, backups, func(ev event.FileAnomalyEvent) {
			fanout.Publish(telemetry.FileAnomalyRecord(ev))
			if _, _, err := engine.HandleFileAnomaly(ev); err != nil {
				log.Error().Err(err).Msg("Containment engine rejected file anomaly")
			}
		})
		watcher.Run(clock.NewTicker(cfg.Integrity.Interval))
	}

	var exporter *forensics.Exporter
	if cfg.Forensics.Enabled {
		exporter, err = forensics.NewExporter(cfg.Forensics.ExportDir, cfg.Forensics.Keep, recent, ledger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create forensics exporter")
		}
		exporter.Run(clock.NewTicker(cfg.Forensics.Interval))
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Addr, recent, fanout, ledger, exporter, aggregator, metrics.Handler())
		apiServer.Start()
	}

	log.Info().Msg("trapwire started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info().Msg("Shutdown signal received, stopping...")

	manager.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	if exporter != nil {
		exporter.Stop()
	}
	aggregator.Stop()
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Dashboard API shutdown error")
		}
	}

	log.Info().Msg("trapwire stopped")
}
