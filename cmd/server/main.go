package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/lukasbauer/voicerelay/internal/app"
	"github.com/lukasbauer/voicerelay/internal/httpapi"
)

func main() {
	envFile := pflag.String("env", ".env", "path to an optional .env file")
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	drainTimeout := pflag.Duration("drain-timeout", 15*time.Second, "how long shutdown waits for open relay connections")
	pflag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Printf("load %s: %v", *envFile, err)
	}

	cfg := app.LoadConfigFromEnv()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if cfg.LogLevel == "debug" {
		logger.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      getEnvironment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := cfg.Validate(); err != nil {
		fatal(logger, cfg, "invalid configuration", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		fatal(logger, cfg, "init app", err)
	}

	conns := httpapi.NewConnRegistry()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(conns),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down, %d relay connection(s) open", conns.ActiveCount())

	// Hijacked WebSocket connections are not tracked by Shutdown.
	conns.StartDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if !conns.Wait(shutdownCtx) {
		logger.Printf("drain timeout, %d relay connection(s) still open", conns.ActiveCount())
	}
	_ = a.Close()
}

func fatal(logger *log.Logger, cfg app.Config, msg string, err error) {
	if cfg.SentryDSN != "" {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
	}
	logger.Fatalf("%s: %v", msg, err)
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
