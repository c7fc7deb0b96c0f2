package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/app/relay"
	"github.com/agendasync/project/internal/platform/dbpool"
	"github.com/agendasync/project/internal/platform/env"
	"github.com/agendasync/project/internal/platform/logging"
	"github.com/agendasync/project/internal/platform/metrics"
	"github.com/agendasync/project/internal/platform/natsutil"
	"github.com/agendasync/project/internal/realtime"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatal(err)
	}
	logger := logging.New("change-relay")
	metrics.Init()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.NewWithRetry(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL), "change-relay", 30*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	if env.Bool("ENSURE_SCHEMA", true) {
		if err := gateway.NewPostgres(pool).EnsureSchema(runCtx); err != nil {
			log.Fatal(fmt.Errorf("ensure schema: %w", err))
		}
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), "change-relay", 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	service := relay.NewService(publisher.Publish)
	listener := &realtime.PGListener{Pool: pool, Channel: gateway.NotifyChannel, Logger: logger}

	go listener.Run(runCtx, func(payload string) {
		n, err := service.Handle([]byte(payload))
		switch {
		case errors.Is(err, relay.ErrInvalidNotification), errors.Is(err, relay.ErrUnsupportedTable):
			logger.Warn("discarding store notification", "error", err, "payload", payload)
		case err != nil:
			logger.Error("relaying store notification failed", "error", err, "published", n)
		default:
			logger.Debug("store notification relayed", "notices", n)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := env.String("METRICS_ADDR", env.DefaultMetricsAddr)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("change relay listening", "channel", gateway.NotifyChannel, "ops_addr", addr)

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
