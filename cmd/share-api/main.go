package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agendasync/project/internal/app/sharing"
	"github.com/agendasync/project/internal/platform/auth"
	"github.com/agendasync/project/internal/platform/env"
	"github.com/agendasync/project/internal/platform/logging"
	"github.com/agendasync/project/internal/platform/metrics"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatal(err)
	}
	logger := logging.New("share-api")
	metrics.Init()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("SHARE_API_ADDR", env.DefaultShareAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8081")
	// The directory needs a role that bypasses row-level security.
	dsn := env.String("SERVICE_DATABASE_URL", env.String("DATABASE_URL", env.DefaultDatabaseURL))
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")

	openCtx, cancelOpen := context.WithTimeout(runCtx, 30*time.Second)
	dir, err := sharing.OpenSQLDirectory(openCtx, dsn)
	cancelOpen()
	if err != nil {
		log.Fatal(err)
	}
	defer dir.Close()

	service := sharing.NewService(dir, newNotifier(logger), logger)
	limiter := sharing.NewLimiter(env.Int("SHARE_RATE_PER_MIN", 30), env.Int("SHARE_RATE_BURST", 5))
	tokens := auth.NewManager(jwtSecret, env.Duration("JWT_TTL", 15*time.Minute))
	handler := sharing.NewHandler(service, tokens, uiOrigin, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := dir.DB.PingContext(checkCtx); err != nil {
			http.Error(w, fmt.Sprintf("postgres ping failed: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("share API listening", "addr", addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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

// newNotifier picks the grant notifier from MAILER_PROVIDER: "ses" sends
// email, anything else only logs.
func newNotifier(logger *slog.Logger) sharing.Notifier {
	switch env.String("MAILER_PROVIDER", "log") {
	case "ses":
		return sharing.NewSESNotifier(sharing.SESConfig{
			Region:             env.String("AWS_REGION", "us-east-1"),
			AccessKeyID:        env.String("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:    env.String("AWS_SECRET_ACCESS_KEY", ""),
			FromAddress:        env.String("MAIL_FROM", "no-reply@localhost"),
			FromName:           env.String("MAIL_FROM_NAME", "Agenda"),
			InsecureSkipVerify: env.Bool("SES_INSECURE_SKIP_VERIFY", false),
		}, env.String("APP_URL", ""), logger)
	default:
		return sharing.LogNotifier{Logger: logger}
	}
}
