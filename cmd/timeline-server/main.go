// cmd/timeline-server — timeline 服务主入口。
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/internal/config"
	"github.com/multi-agent/agent-timeline/internal/dashboard"
	"github.com/multi-agent/agent-timeline/internal/database"
	"github.com/multi-agent/agent-timeline/internal/session"
	"github.com/multi-agent/agent-timeline/internal/store"
	"github.com/multi-agent/agent-timeline/internal/transport"
	"github.com/multi-agent/agent-timeline/pkg/logger"
	"github.com/multi-agent/agent-timeline/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("file logging unavailable", logger.FieldError, err)
		} else {
			defer logger.ShutdownFileHandler()
		}
	}

	// 未配置连接串时以纯内存模式运行
	var messages *store.RunMessageStore
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()
		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()

		if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
			logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
		}
		messages = store.NewRunMessageStore(pool)
	} else {
		logger.Info("no postgres connection string, persistence disabled")
	}

	evtBus := bus.NewEventBus()
	api := transport.NewAPIClient(cfg.StreamBaseURL, time.Duration(cfg.StreamTimeout)*time.Second)

	var subscriber transport.Subscriber
	switch cfg.StreamTransport {
	case "ws":
		subscriber = transport.NewWSClient(cfg.StreamBaseURL)
	default:
		subscriber = transport.NewSSEClient(cfg.StreamBaseURL)
	}

	deps := session.Deps{
		Subscriber:     subscriber,
		History:        api,
		Status:         api,
		Bus:            evtBus,
		FrameInterval:  time.Duration(cfg.FrameIntervalMS) * time.Millisecond,
		HiddenInterval: time.Duration(cfg.HiddenIntervalMS) * time.Millisecond,
		ActivityFlash:  time.Duration(cfg.ActivityFlashMS) * time.Millisecond,
		HydrateRows:    cfg.HistoryHydrateRows,
		TimelineCap:    cfg.TimelineLimit,
	}
	if messages != nil {
		deps.Sink = messages
	}
	manager := session.NewManager(deps)
	defer manager.Shutdown()

	srv := dashboard.NewServer(manager, messages, evtBus, time.Duration(cfg.SSEKeepaliveSec)*time.Second)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	logger.Infow("timeline server starting",
		logger.FieldPort, addr,
		logger.FieldURL, cfg.StreamBaseURL,
		"transport", cfg.StreamTransport,
	)

	util.SafeGo(func() {
		if err := srv.Engine().Run(addr); err != nil {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
