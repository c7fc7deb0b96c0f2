package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agendasync/project/internal/app/cache"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/app/session"
	"github.com/agendasync/project/internal/app/sharing"
	"github.com/agendasync/project/internal/app/syncer"
	"github.com/agendasync/project/internal/platform/auth"
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
	logger := logging.New("agenda-sync")
	metrics.Init()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	principal := env.String("PRINCIPAL_ID", "")
	deps, cleanup, err := buildDeps(runCtx, logger, &principal)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	sess, err := session.Open(runCtx, principal, deps, session.Config{
		Debounce:         env.Duration("SYNC_DEBOUNCE", syncer.DefaultDebounce),
		ReloadTimeout:    env.Duration("RELOAD_TIMEOUT", syncer.DefaultReloadTimeout),
		FallbackSchedule: env.String("FALLBACK_SCHEDULE", session.DefaultFallbackSchedule),
		Logger:           logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	snapshots, unsubscribe := sess.Controller().Subscribe()
	defer unsubscribe()
	go logDayView(logger, snapshots)
	logDay(logger, sess.Snapshot())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		state := sess.Controller().State()
		if state != syncer.StateFresh {
			msg := state.String()
			if err := sess.Err(); err != nil {
				msg += ": " + err.Error()
			}
			http.Error(w, msg, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := env.String("METRICS_ADDR", env.DefaultMetricsAddr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("agenda sync running", "principal_id", principal, "agendas", sess.Scope().Len(), "ops_addr", addr)

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

// buildDeps wires the store, change feed and sharing boundary selected by
// STORE (postgres or memory) and FEED (nats, postgres or none). The memory
// store seeds principal when PRINCIPAL_ID is empty.
func buildDeps(ctx context.Context, logger *slog.Logger, principal *string) (session.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if env.String("STORE", "postgres") == "memory" {
		mem := gateway.NewMemory()
		p := mem.AddPrincipal(gateway.Principal{
			ID:    *principal,
			Email: env.String("PRINCIPAL_EMAIL", "demo@example.com"),
			Name:  env.String("PRINCIPAL_NAME", "Demo"),
		})
		*principal = p.ID
		if _, err := mem.CreateAgenda(ctx, "Personal", p.ID); err != nil {
			return session.Deps{}, cleanup, err
		}
		return session.Deps{
			Gateway: mem,
			Feed:    mem,
			Sharing: sharing.NewService(mem, sharing.LogNotifier{Logger: logger}, logger),
		}, cleanup, nil
	}

	pool, err := dbpool.NewWithRetry(ctx, env.String("DATABASE_URL", env.DefaultDatabaseURL), "agenda-sync", 30*time.Second)
	if err != nil {
		return session.Deps{}, cleanup, err
	}
	closers = append(closers, pool.Close)
	store := gateway.NewPostgres(pool)
	if env.Bool("ENSURE_SCHEMA", false) {
		if err := store.EnsureSchema(ctx); err != nil {
			cleanup()
			return session.Deps{}, func() {}, err
		}
	}

	tokens := auth.NewManager(env.String("JWT_SECRET", "dev-insecure-change-me"), env.Duration("JWT_TTL", 15*time.Minute))
	deps := session.Deps{
		Gateway: store,
		Sharing: sharing.NewHTTPBoundary(env.String("SHARE_API_URL", env.DefaultShareURL), sharing.SignedTokens{Manager: tokens}),
	}

	switch env.String("FEED", "nats") {
	case "nats":
		client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), "agenda-sync", 20*time.Second)
		if err != nil {
			cleanup()
			return session.Deps{}, func() {}, err
		}
		closers = append(closers, client.Close)
		deps.Feed = realtime.NewNATSFeed(client.JS)
	case "postgres":
		feed := realtime.NewPGFeed()
		listener := &realtime.PGListener{Pool: pool, Channel: gateway.NotifyChannel, Logger: logger}
		listenCtx, cancel := context.WithCancel(ctx)
		closers = append(closers, cancel)
		go listener.Run(listenCtx, func(payload string) { feed.Dispatch(payload) })
		deps.Feed = feed
	default:
		logger.Warn("no change feed configured; relying on scheduled reloads")
	}
	return deps, cleanup, nil
}

func logDayView(logger *slog.Logger, snapshots <-chan *cache.Snapshot) {
	for snap := range snapshots {
		logDay(logger, snap)
	}
}

func logDay(logger *slog.Logger, snap *cache.Snapshot) {
	today := snap.Day(time.Now())
	logger.Info("snapshot", "version", snap.Version(), "appointments", snap.Len(), "today", len(today))
	for _, a := range today {
		logger.Info("today", "time", a.Time, "title", a.Title, "status", a.Status, "agenda_id", a.AgendaID)
	}
}
