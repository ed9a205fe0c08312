package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/config"
	"github.com/Bldg-7/stationd/internal/orchestrator"
	"github.com/Bldg-7/stationd/internal/storage"
)

func main() {
	configPath := flag.String("config", "./orchestrator.config.json", "path to orchestrator config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully", zap.String("config_path", *configPath))

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	ch, err := channel.NewMQTTChannel(channel.MQTTConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", zap.Error(err))
		os.Exit(1)
	}
	defer ch.Close()

	registry := orchestrator.NewMachineRegistry(db, logger)
	if err := registry.LoadMachinesFromDB(); err != nil {
		logger.Error("failed to load machines", zap.Error(err))
		os.Exit(1)
	}

	store := orchestrator.NewSessionStore(db, logger)
	interrupted, err := store.LoadSessionsFromDB()
	if err != nil {
		logger.Error("failed to load sessions", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	hub := orchestrator.NewHub(ctx, cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger)
	group.Go(func() error {
		hub.Run()
		return nil
	})

	audit := orchestrator.NewAuditLogger(db, logger)

	orchOpts := []orchestrator.Option{
		orchestrator.WithEventSink(hub),
		orchestrator.WithAuditLogger(audit),
	}
	var notifier *orchestrator.DiscordNotifier
	if cfg.Alerts.Discord.BotToken != "" {
		notifier, err = orchestrator.NewDiscordNotifier(cfg.Alerts.Discord.BotToken, cfg.Alerts.Discord.ChannelID, logger)
		if err != nil {
			logger.Error("failed to create discord notifier", zap.Error(err))
		} else {
			orchOpts = append(orchOpts, orchestrator.WithNotifier(notifier))
			logger.Info("discord alerting configured")
		}
	}

	orch, err := orchestrator.New(registry, store, ch, logger,
		[]orchestrator.ArenaOption{
			orchestrator.WithGracePeriod(time.Duration(cfg.Sessions.GraceSeconds) * time.Second),
		},
		orchOpts...,
	)
	if err != nil {
		logger.Error("failed to create orchestrator", zap.Error(err))
		os.Exit(1)
	}
	if err := orch.Subscribe(ctx, ch); err != nil {
		logger.Error("failed to subscribe to status events", zap.Error(err))
		os.Exit(1)
	}

	orch.RecoverInterruptedSessions(ctx, interrupted)
	logger.Info("session recovery complete", zap.Int("interrupted", len(interrupted)))

	monitorOpts := []orchestrator.MonitorOption{
		orchestrator.WithSweepInterval(time.Duration(cfg.Fleet.SweepIntervalSec) * time.Second),
		orchestrator.WithLivenessTimeout(time.Duration(cfg.Fleet.LivenessTimeoutSec) * time.Second),
		orchestrator.WithMonitorEventSink(hub),
	}
	if notifier != nil {
		monitorOpts = append(monitorOpts, orchestrator.WithMonitorNotifier(notifier))
	}
	if cfg.Fleet.MinFirmware != "" {
		constraint, cErr := semver.NewConstraint(cfg.Fleet.MinFirmware)
		if cErr != nil {
			logger.Error("invalid firmware constraint", zap.Error(cErr))
			os.Exit(1)
		}
		monitorOpts = append(monitorOpts, orchestrator.WithMinFirmware(constraint))
	}
	monitor := orchestrator.NewFleetMonitor(registry, logger, monitorOpts...)
	if err := monitor.Subscribe(ctx, ch); err != nil {
		logger.Error("failed to subscribe to heartbeats", zap.Error(err))
		os.Exit(1)
	}
	group.Go(func() error {
		if err := monitor.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	api := orchestrator.NewHTTPAPI(orch, registry, store, db, cfg.Server.AuthToken, logger)
	api.SetPaymentReconciler(orchestrator.NewPaymentReconciler(store, orch, logger))
	api.SetRevenueReporter(orchestrator.NewRevenueReporter(db, logger))
	api.SetAuditLogger(audit)
	api.SetHealthChecker(orchestrator.NewHealthChecker(db, ch, hub))
	api.SetHub(hub)

	shutdownHTTP, err := orchestrator.StartHTTPServer(
		fmt.Sprintf(":%d", cfg.Server.HTTPPort), api.Handler(), logger)
	if err != nil {
		logger.Error("failed to start http server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("orchestrator running", zap.Int("http_port", cfg.Server.HTTPPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := shutdownHTTP(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", zap.Error(err))
	}

	orch.Shutdown()
	cancel()
	if err := group.Wait(); err != nil {
		logger.Error("background worker exited with error", zap.Error(err))
	}

	logger.Info("orchestrator exited cleanly")
}
