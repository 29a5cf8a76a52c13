package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/canopyhq/canopy/internal/ai"
	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/debug"
	"github.com/canopyhq/canopy/internal/logger"
	"github.com/canopyhq/canopy/internal/pidfile"
	"github.com/canopyhq/canopy/internal/realtime"
	"github.com/canopyhq/canopy/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "canopyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()

	if cfg.PidFile != "" {
		pf := pidfile.New(cfg.PidFile)
		if err := pf.Write(); err != nil {
			return err
		}
		defer func() { _ = pf.Remove() }()
	}

	if cfg.PprofAddr != "" {
		dbg := debug.NewServer(cfg.PprofAddr, log)
		dbg.Start()
		defer dbg.Stop()
	}

	store, err := storage.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// The broker is optional: without it fan-out is process-local, which is
	// fine for single-instance deployments.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn("Broker unavailable at %s, continuing with local fan-out: %v", cfg.NATSURL, err)
			nc = nil
		} else {
			defer nc.Close()
			log.Info("Connected to broker at %s", cfg.NATSURL)
		}
	}

	counters := &realtime.Counters{}
	builders := realtime.NewRegistry("builders", counters, log)
	consumers := realtime.NewRegistry("consumers", counters, log)
	bridge := realtime.NewBridge(nc, builders, consumers, log)

	var responder ai.Responder
	if cfg.AnthropicAPIKey != "" {
		responder, err = ai.NewAnthropicResponder(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			return fmt.Errorf("failed to create AI responder: %w", err)
		}
	} else {
		log.Warn("No Anthropic API key configured, AI streaming is disabled")
	}
	aiMgr := ai.NewManager(responder, bridge, log)

	router := realtime.NewRouter(store, aiMgr, bridge, log)
	server := realtime.NewServer(realtime.ServerOptions{
		Verifier:   auth.NewTokenVerifier(cfg.AuthSecret),
		Resolver:   auth.NewConsumerResolver(store),
		Store:      store,
		Builders:   builders,
		Consumers:  consumers,
		Bridge:     bridge,
		Router:     router,
		Counters:   counters,
		CookieName: cfg.ConsumerCookieName,
		Log:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker fan-out: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Realtime server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	server.Shutdown()
	bridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete: %v", err)
	}

	log.Info("Realtime server stopped")
	return nil
}
