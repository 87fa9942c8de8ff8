package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marginwatch/internal/broadcast"
	httpapi "github.com/sawpanic/marginwatch/internal/interfaces/http"
)

// shutdownDeadline forces exit when graceful shutdown stalls
const shutdownDeadline = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, push loop and HTTP/websocket server",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "Override server port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	manager := broadcast.NewManager(a.registry, a.margin)

	sched, err := a.newScheduler(true)
	if err != nil {
		return err
	}

	var loop *broadcast.PushLoop
	if cfg.Broadcast.EnablePushLoop {
		loop = broadcast.NewPushLoop(a.monitor, cfg.Broadcast.MarketInterval, cfg.Broadcast.MarginInterval)
		loop.Start(ctx)
	}

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Margin:      a.margin,
		Scheduler:   sched,
		Connections: manager,
		Metrics:     a.metrics,
		Database:    a.database.Health(),
		Breakers:    a.provider,
		Version:     version,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info().
		Str("addr", server.Address()).
		Str("timezone", cfg.Scheduler.Timezone).
		Bool("push_loop", loop != nil).
		Msg("Margin surveillance running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("HTTP server stopped")
		}
	}

	// a stalled component must not keep the process alive
	hard := time.AfterFunc(shutdownDeadline, func() {
		log.Error().Dur("deadline", shutdownDeadline).Msg("Shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer hard.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	sched.Shutdown()
	if loop != nil {
		loop.Stop()
	}
	manager.CloseAll()

	log.Info().Msg("Shutdown complete")
	return runErr
}
