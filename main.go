package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tannenbaumbiel/server"
)

// Tannenbaumbiel 入口：加载配置，启动 hub 主循环与 HTTP + WebSocket 服务
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tannenbaumbiel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, logFile string
	flag.StringVar(&configPath, "config", "", "path to JSON config file")
	flag.StringVar(&addr, "addr", "", "server listen address, overrides config, e.g. :8000")
	flag.StringVar(&logFile, "log", "", "log file path (rolling); empty logs to stderr")
	flag.Parse()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := server.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, shutdownEvents, err := newEventPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownEvents()

	hub := server.NewHub(cfg, logger, server.NewMemoryDirectory(), events)
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	mux := http.NewServeMux()
	server.Routes(mux, server.NewWSHandler(ctx, hub, logger), hub)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Infof("Tannenbaumbiel listening on %s (ws: /game)", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("listen: %v", err)
			stop()
		}
	}()

	// 优雅退出（Ctrl+C）
	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	return <-hubDone
}

// newEventPublisher 按配置选择事件发布方式：内嵌 NATS / 外部 NATS / 不发布
func newEventPublisher(cfg *server.Config, logger *zap.SugaredLogger) (server.EventPublisher, func(), error) {
	url := cfg.NatsURL
	var embedded *server.EmbeddedNats
	if cfg.NatsEmbedded {
		var err error
		if embedded, err = server.NewEmbeddedNats("127.0.0.1", cfg.NatsEmbeddedPort); err != nil {
			return nil, nil, err
		}
		if err := embedded.Start(); err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
		logger.Infof("embedded nats listening on %s", url)
	}

	if url == "" {
		return server.NopPublisher{}, func() {}, nil
	}
	pub, err := server.NewNatsPublisher(url, cfg.NatsSubjectPrefix)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	logger.Infof("publishing lifecycle events to %s with prefix %q", url, cfg.NatsSubjectPrefix)
	return pub, func() {
		pub.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}, nil
}
