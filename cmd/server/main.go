package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadServer(args)
	if err != nil {
		return err
	}
	l, err := config.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presence := repo.NewPresenceRegistry()
	calls := callmem.NewCallStore()
	hub := ws.NewHub()

	opts := []service.Option{service.WithQueueSize(cfg.RelayQueueSize)}
	var m *metrics.RelayMetrics
	if cfg.MetricsEnabled {
		m = metrics.NewRelayMetrics(true)
		opts = append(opts, service.WithMetrics(m))
	}
	relay := service.NewRelay(presence, calls, hub, opts...)

	h := handler.NewHandler(relay, hub, presence, calls, cfg)
	if m != nil {
		h.Metrics = m.Handler()
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			relay.Stop()
			<-relayDone
			return fmt.Errorf("listen: %w", err)
		}
	}
	l.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Stop()
	relay.Stop()
	<-relayDone

	l.Info().Msg("Server exited")
	return nil
}
