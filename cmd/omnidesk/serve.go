package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"omnidesk/internal/config"
	"omnidesk/internal/constants"
	"omnidesk/internal/database"
	"omnidesk/internal/handover"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/notification"
	"omnidesk/internal/presence"
	"omnidesk/internal/push"
	"omnidesk/internal/service"
	"omnidesk/internal/tracing"
	"omnidesk/internal/versioning"
	"omnidesk/pkg/channel"

	"github.com/sirupsen/logrus"
)

// run wires the service graph and serves until ctx is cancelled.
func run(ctx context.Context, flags *globalFlags, cfg *models.Config, logger *logrus.Logger) error {
	ctx = service.WithVerbose(ctx, flags.verbose || cfg.VerboseLogging)
	m := metrics.New()

	tracingManager := tracing.NewTracingManager(cfg.Tracing, Version, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(cfg, db, m, logger)
	defer svc.hub.Close()

	if err := svc.engine.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Failed to restore live escalations")
	}
	if err := svc.notifications.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Failed to restore notifications")
	}

	scheduler := service.NewScheduler(m, logger)
	jobs := service.Maintenance{
		SLA:           svc.engine,
		Escalations:   svc.engine,
		Notifications: svc.notifications,
		History:       svc.conversations,
		Deduper:       svc.deduper,
		Store:         db,
		RetentionDays: cfg.Database.RetentionDays,
		Logger:        logger,
	}.Jobs(cfg.Maintenance)
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			return fmt.Errorf("failed to register %s job: %w", job.Name, err)
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer scheduler.Stop()

	svc.presence.Start(ctx)
	defer svc.presence.Stop()

	watcher := config.NewConfigWatcher(flags.configPath, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		svc.engine.SetTriggers(updated.Handover.Triggers)
		logger.WithField("triggers", len(updated.Handover.Triggers)).Info("Escalation triggers reloaded")
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	server := NewServer(cfg.Server, svc.dependencies(db, m), logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// services is the wired domain layer behind the HTTP server.
type services struct {
	hub           *push.Hub
	presence      *presence.Manager
	notifications *notification.Service
	engine        *handover.Engine
	deduper       *service.Deduper
	conversations *service.EscalationHandler
	inbound       *service.InboundProcessor
	outbound      *service.OutboundSender
}

func newServices(cfg *models.Config, db *database.Database, m *metrics.Metrics, logger *logrus.Logger) *services {
	svc := &services{hub: push.NewHub(logger, m, cfg.Server.AllowedOrigins)}

	// presence seeds an agent's load from the engine, which needs presence
	svc.presence = presence.NewManager(logger, m, svc.hub, presence.OptionsFromConfig(cfg.Presence),
		presence.WithLoadFunc(func(agentID string) int { return svc.engine.ActiveLoad(agentID) }))
	svc.notifications = notification.NewService(db, svc.hub, m, logger, notification.OptionsFromConfig(cfg.Notifications))
	svc.engine = handover.NewEngine(svc.presence, svc.hub, m, logger, handover.OptionsFromConfig(cfg.Handover),
		handover.WithNotifier(svc.notifications),
		handover.WithStore(db),
	)
	svc.presence.OnAgentAvailable(svc.engine.OnAgentAvailable)
	svc.hub.SetPresence(svc.presence)

	httpTimeout := cfg.Outbound.HTTPTimeoutSec
	if httpTimeout <= 0 {
		httpTimeout = constants.DefaultHTTPTimeoutSec
	}
	registry := service.NewChannelRegistry(channel.NewHTTPClient(time.Duration(httpTimeout) * time.Second))

	dedupeTTL := cfg.Inbound.DedupeTTLSec
	if dedupeTTL <= 0 {
		dedupeTTL = constants.DefaultDedupeTTLSec
	}
	svc.deduper = service.NewDeduper(time.Duration(dedupeTTL)*time.Second, time.Now)

	svc.conversations = service.NewEscalationHandler(svc.engine, svc.notifications, logger, cfg.Handover.LastMessages)
	svc.inbound = service.NewInboundProcessor(registry, db, svc.deduper, svc.conversations, svc.hub, m, logger)
	svc.outbound = service.NewOutboundSender(registry, db, service.NewBreakerGroup(cfg.Outbound, logger, m), svc.hub, m, logger)
	return svc
}

func (svc *services) dependencies(db *database.Database, m *metrics.Metrics) Dependencies {
	return Dependencies{
		Inbound:       svc.inbound,
		Outbound:      svc.outbound,
		Conversations: svc.conversations,
		Engine:        svc.engine,
		Presence:      svc.presence,
		Notifications: svc.notifications,
		Hub:           svc.hub,
		Metrics:       m,
		Store:         db,
		Archive:       db,
		Build:         versioning.NewBuildInfo(Version, GitCommit, BuildTime),
	}
}
