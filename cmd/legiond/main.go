// Package main is the legiond entry point. One process hosts the whole
// legion: session coordinator, comm router, overseer hierarchy, scheduler,
// MCP tool server, and the WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/channels"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/tracing"
	"github.com/legionhq/legion/internal/events"
	"github.com/legionhq/legion/internal/events/bus"
	gateway "github.com/legionhq/legion/internal/gateway/websocket"
	"github.com/legionhq/legion/internal/mcpserver"
	"github.com/legionhq/legion/internal/messages"
	"github.com/legionhq/legion/internal/orchestrator"
	"github.com/legionhq/legion/internal/overseer"
	"github.com/legionhq/legion/internal/permissions"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/scheduler"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/storage"
	"github.com/legionhq/legion/pkg/transport"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting legiond...")

	// 3. Tracing
	tracing.Init(cfg.Tracing)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	// 4. Root context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Event bus (NATS when configured, in-memory otherwise)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Storage
	store, err := storage.NewFileStore(cfg.Data.Dir, log)
	if err != nil {
		log.Fatal("Failed to open data dir", zap.Error(err))
	}
	resources := storage.NewResourceRegistry(store)

	// 7. Registries
	sessions := session.NewManager(store, log)
	projects := project.NewManager(store, log)
	queues := queue.NewManager(store, cfg.Queue.MaxPending, log)
	processor := messages.NewProcessor(log)
	capabilities := overseer.NewRegistry()
	hordes := overseer.NewHordes(store, log)

	projects.OnDeleted(func(projectID string) {
		_ = eventBus.Publish(context.Background(), events.ProjectDeleted,
			bus.NewEvent(events.ProjectDeleted, "project-manager", map[string]any{
				events.KeyProjectID: projectID,
			}))
	})

	// 8. Session coordinator
	coordinator := orchestrator.NewCoordinator(
		sessions, projects, queues, store, resources, processor,
		capabilities, hordes,
		orchestrator.Options{
			SDKCommand:    cfg.SDK.Command,
			SDKArgs:       cfg.SDK.Args,
			DefaultModel:  cfg.SDK.DefaultModel,
			LaunchTimeout: cfg.SDK.LaunchTimeoutDuration(),
			MCPBaseURL:    mcpBaseURL(cfg),
		},
		log,
	)

	// 9. Permission broker; the coordinator is its session surface so
	// broker-driven transitions reach transport observers.
	broker := permissions.NewBroker(coordinator, resources, log)
	coordinator.AttachBroker(broker)

	// 10. Channels
	channelMgr := channels.NewManager(store, sessions, log)
	coordinator.AttachChannels(channelMgr)

	// 11. Gateway hub
	hub := gateway.NewHub(log)
	go hub.Run(ctx)

	// 12. Comm router; the coordinator delivers into recipient SDKs.
	commRouter := comms.NewRouter(store, sessions, channelMgr, coordinator,
		func(comm *comms.Comm) {
			_ = eventBus.Publish(context.Background(), events.CommCreated,
				bus.NewEvent(events.CommCreated, "comm-router", map[string]any{
					events.KeyProjectID: comm.ProjectID,
					events.KeyComm:      comm,
				}))
		},
		&comms.Options{
			AutoStartTimeout: cfg.Legion.AutoStartTimeoutDuration(),
			PollInterval:     cfg.Legion.DeliveryPollDuration(),
		},
		log,
	)

	// 13. Scheduler
	schedules := scheduler.NewService(store, queues, sessions,
		func(s *scheduler.Schedule) {
			_ = eventBus.Publish(context.Background(), events.ScheduleUpdated,
				bus.NewEvent(events.ScheduleUpdated, "scheduler", map[string]any{
					events.KeyProjectID: s.ProjectID,
					events.KeySchedule:  s,
				}))
		},
		scheduler.Options{
			Tick:       cfg.Scheduler.TickDuration(),
			MaxRetries: cfg.Scheduler.MaxRetries,
			Backfill:   cfg.Scheduler.Backfill,
		},
		log,
	)
	coordinator.AttachScheduler(schedules)

	// 14. Overseer hierarchy; roster changes push a fresh sessions list.
	overseerCtl := overseer.NewController(sessions, projects, channelMgr,
		capabilities, hordes, coordinator, commRouter,
		func(projectID string) {
			hub.Broadcast(transport.NewSessionsList(sessions.ListByProject(projectID)))
		},
		log,
	)

	// 15. Transport bridges
	coordinator.AddObserver(gateway.NewObserver(hub))
	busBridge, err := gateway.NewBusBridge(eventBus, hub, log)
	if err != nil {
		log.Fatal("Failed to subscribe transport bridge", zap.Error(err))
	}
	defer busBridge.Close()

	// 16. Crash recovery: reload everything persisted, repair dangling refs.
	if err := coordinator.Startup(); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}
	if err := hordes.LoadAll(); err != nil {
		log.Warn("Failed to load hordes", zap.Error(err))
	}
	for _, p := range projects.List() {
		if err := channelMgr.LoadProject(p.ID); err != nil {
			log.Warn("Failed to load channels", zap.String("project_id", p.ID), zap.Error(err))
		}
		if err := schedules.LoadProject(p.ID); err != nil {
			log.Warn("Failed to load schedules", zap.String("project_id", p.ID), zap.Error(err))
		}
	}

	go schedules.Run(ctx)

	// 17. HTTP server: gateway plus the MCP tool mount
	server := gateway.NewServer(cfg.Server, hub, broker, log)
	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(cfg.MCP.Path, mcpserver.Deps{
			Comms:        commRouter,
			Overseer:     overseerCtl,
			Channels:     channelMgr,
			Sessions:     sessions,
			Capabilities: capabilities,
		}, log)
		server.Mount(cfg.MCP.Path, mcpSrv.Handler())
		log.Info("MCP tool server mounted", zap.String("path", cfg.MCP.Path))
	}

	log.Info("legiond ready",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", store.Root()))

	if err := server.Start(ctx); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// 18. Drain: clients were warned by the hub; stop subprocesses last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	coordinator.Shutdown(shutdownCtx)
	log.Info("legiond stopped")
}

// mcpBaseURL derives the URL advertised to SDK subprocesses for the MCP
// mount. A wildcard listen host is rewritten to loopback since subprocesses
// run on the same machine.
func mcpBaseURL(cfg *config.Config) string {
	if !cfg.MCP.Enabled {
		return ""
	}
	if cfg.MCP.BaseURL != "" {
		return cfg.MCP.BaseURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d%s", host, cfg.Server.Port, cfg.MCP.Path)
}
