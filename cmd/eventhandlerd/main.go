// Command eventhandlerd runs an event handler runtime process: it loads
// configuration, opens the reference Subscription Handle, and serves the
// admin HTTP/gRPC surfaces for every handler registered with it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborq/eventhandler/internal/auth"
	"github.com/arborq/eventhandler/internal/config"
	"github.com/arborq/eventhandler/internal/control"
	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/eventstore/memstore"
	"github.com/arborq/eventhandler/internal/handler"
	"github.com/arborq/eventhandler/internal/logging"
	"github.com/arborq/eventhandler/internal/registry"
	"github.com/arborq/eventhandler/internal/resolver"
	"github.com/arborq/eventhandler/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewTestLogger().Fatal("invalid configuration", logging.Error(err))
	}

	log, err := logging.New(cfg.Application, cfg.Logging)
	if err != nil {
		logging.NewTestLogger().Fatal("failed to initialise logger", logging.Error(err))
	}

	store, err := memstore.New(memstore.Config{
		Dir:         cfg.StorePath,
		Retain:      cfg.StoreRetention,
		BaseBackoff: cfg.SubscribeBaseBackoff,
		MaxBackoff:  cfg.SubscribeMaxBackoff,
	})
	if err != nil {
		log.Fatal("failed to open event store", logging.Error(err))
	}
	defer store.Close()

	reg := registry.New()

	defaultConsistency := registry.Eventual
	if cfg.DefaultConsistency == "strong" {
		defaultConsistency = registry.Strong
	}

	resolved, err := resolver.Resolve(resolver.Options{
		"application": cfg.Application,
		"name":        "audit-log",
	}, nil, defaultConsistency)
	if err != nil {
		log.Fatal("failed to resolve handler configuration", logging.Error(err))
	}

	auditLog := handler.New(handler.Config{
		Resolved: resolved,
		Store:    store,
		Registry: reg,
		Log:      log,
		Callbacks: handler.Callbacks{
			Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
				log.Info("event handled",
					logging.String("event_type", metadata["type"]),
					logging.String("event_number", metadata["event_number"]))
				return nil
			},
		},
	})

	sup := supervisor.New(auditLog, eventstore.NewBackoff(cfg.SubscribeBaseBackoff, cfg.SubscribeMaxBackoff), log)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if err := sup.Run(runCtx); err != nil {
			log.Error("supervisor exited", logging.Error(err))
		}
	}()

	var verifier *auth.HMACTokenVerifier
	if cfg.AdminToken != "" {
		verifier, err = auth.NewHMACTokenVerifier(cfg.AdminToken, 30*time.Second)
		if err != nil {
			log.Fatal("failed to configure admin token verifier", logging.Error(err))
		}
	}

	feed := control.NewFeed(log)
	handlerSet := control.NewHandlerSet(control.Options{
		Logger:      log,
		Handlers:    []control.Resettable{auditLog},
		Registry:    reg,
		Verifier:    verifier,
		RateLimiter: control.NewSlidingWindowLimiter(time.Minute, 30, nil),
		Feed:        feed,
	})

	mux := http.NewServeMux()
	handlerSet.Register(mux)
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: mux}

	go func() {
		log.Info("admin HTTP server listening", logging.String("address", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin HTTP server terminated", logging.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handlerSet.MetricsHandler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info("metrics server listening", logging.String("address", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server terminated", logging.Error(err))
		}
	}()

	grpcServer := control.NewGRPCServer(log)
	grpcCtx, cancelGRPC := context.WithCancel(context.Background())
	go func() {
		log.Info("admin gRPC server listening", logging.String("address", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcCtx, cfg.GRPCAddr); err != nil {
			log.Error("admin gRPC server terminated", logging.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancelRun()
	cancelGRPC()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = adminServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}
