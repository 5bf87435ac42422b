// Package main is the entry point for the marketplace sync agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/api"
	"github.com/capitalize-ai/marketplace-sync/internal/config"
	"github.com/capitalize-ai/marketplace-sync/internal/handler"
	"github.com/capitalize-ai/marketplace-sync/internal/localstore"
	"github.com/capitalize-ai/marketplace-sync/internal/notify"
	"github.com/capitalize-ai/marketplace-sync/internal/outbox"
	"github.com/capitalize-ai/marketplace-sync/internal/presence"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/internal/subscription"
	"github.com/capitalize-ai/marketplace-sync/internal/transport"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/tracing"
)

const (
	debugLogKey  = "debug/log"
	debugLogSize = 100
)

func main() {
	// Load configuration
	cfg := config.Load()
	if cfg.SelfUserID == "" {
		fmt.Fprintln(os.Stderr, "SELF_USER_ID is not set and SESSION_TOKEN carries no subject")
		os.Exit(1)
	}
	if cfg.LocalAPISecret == "" {
		fmt.Fprintln(os.Stderr, "LOCAL_API_SECRET is required")
		os.Exit(1)
	}

	// Local store
	store, err := localstore.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open local store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize logger; the debug ring survives restarts through the store.
	ring := logger.NewRing(debugLogSize)
	var saved []logger.Entry
	if err := store.Get(debugLogKey, &saved); err == nil {
		ring.Load(saved)
	}
	log, err := logger.NewWithRing(cfg.LogLevel, ring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sync agent", zap.String("user_id", cfg.SelfUserID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "marketplace-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	clk := clock.Real()
	client := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.SessionToken,
		Timeout: cfg.APITimeout,
	}, log)

	nc := transport.NewNATS(transport.NATSConfig{
		URL:           cfg.NATSURL,
		CAFile:        cfg.NATSCAFile,
		CertFile:      cfg.NATSCertFile,
		KeyFile:       cfg.NATSKeyFile,
		Token:         cfg.NATSToken,
		SubjectPrefix: cfg.ChannelSubjectPrefix,
		Authorizer:    client,
	}, log)

	subs := subscription.NewManager(nc, subscription.NewLockRegistry(), clk, log, subscription.Options{
		BaseDelay:           cfg.RetryBaseDelay,
		MaxDelay:            cfg.RetryMaxDelay,
		Jitter:              cfg.RetryJitter,
		AttemptTimeout:      cfg.APITimeout,
		FeatureDisabledPoll: cfg.FeatureDisabledPoll,
	})

	hub := service.NewHub(log)
	fanout, err := notify.New(cfg.SelfUserID, client, hub, store, clk, log, notify.Options{
		Debounce:      cfg.ToastDebounce,
		SnapshotMin:   cfg.SnapshotMinInterval,
		SnapshotMax:   cfg.SnapshotMaxInterval,
		NameCacheSize: cfg.NameCacheSize,
		Timeout:       cfg.APITimeout,
	})
	if err != nil {
		log.Fatal("failed to initialize notifications", zap.Error(err))
	}

	// Initialize services
	dispatcher := service.NewDispatcher(256, nil, log)
	conversationSvc := service.NewConversationService(cfg.SelfUserID, client, subs, dispatcher, fanout, hub, clk, log, cfg.APITimeout)
	messageSvc := service.NewMessageService(client, conversationSvc, hub, clk, log, cfg.APITimeout, cfg.OutboxBatch)
	queue, err := outbox.New(store, messageSvc, clk, log)
	if err != nil {
		log.Fatal("failed to open outbox", zap.Error(err))
	}
	messageSvc.SetOutbox(queue)

	heartbeat := presence.New(cfg.SelfUserID, client, clk, log, presence.Options{
		Enabled:  cfg.HeartbeatEnabled,
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.APITimeout,
	})

	syncSvc := service.NewSyncService(service.SyncDeps{
		SelfID:        cfg.SelfUserID,
		Transport:     nc,
		Subscriptions: subs,
		Dispatcher:    dispatcher,
		Conversations: conversationSvc,
		Messages:      messageSvc,
		Fanout:        fanout,
		Heartbeat:     heartbeat,
		Outbox:        queue,
		Sink:          hub,
		Logger:        log,
	})
	syncSvc.Start(ctx)

	// Initialize handlers
	router := handler.Router{
		Health:            handler.NewHealthHandler(syncSvc),
		Conversations:     handler.NewConversationHandler(conversationSvc, messageSvc, log),
		Messages:          handler.NewMessageHandler(conversationSvc, messageSvc, log),
		Agent:             handler.NewAgentHandler(syncSvc, messageSvc, fanout, queue, ring, log),
		Stream:            handler.NewStreamHandler(hub, syncSvc.Status, log),
		Secret:            cfg.LocalAPISecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	}

	// Cancelled before Shutdown so open event streams return.
	serverCtx, stopStreams := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:         "127.0.0.1:" + cfg.ServerPort,
		Handler:      router.Handler(),
		BaseContext:  func(net.Listener) context.Context { return serverCtx },
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("local API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	stopStreams()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	syncSvc.Shutdown()
	cancel()
	syncSvc.Wait()

	if err := store.Put(debugLogKey, ring.Entries()); err != nil {
		log.Warn("failed to persist debug log", zap.Error(err))
	}

	log.Info("sync agent stopped")
}
