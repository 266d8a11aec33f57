package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tutorvoice/engine/internal/clock"
	"github.com/tutorvoice/engine/internal/dispatch"
	"github.com/tutorvoice/engine/internal/env"
	"github.com/tutorvoice/engine/internal/session"
	"github.com/tutorvoice/engine/internal/strategiclog"
	"github.com/tutorvoice/engine/internal/stream"
	"github.com/tutorvoice/engine/internal/ws"
)

func main() {
	godotenv.Load()

	sink := logrus.New()
	sink.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(env.Str("LOG_LEVEL", "info")); err == nil {
		sink.SetLevel(lvl)
	}

	cfg := loadConfig()

	clk := clock.Real()
	slog := strategiclog.New(sink, clk, cfg.logConfig)
	defer slog.Close()

	dialer := &stream.WebSocketDialer{
		URL:              cfg.modelURL,
		Credentials:      &stream.StaticCredentials{Token: cfg.modelToken},
		HandshakeTimeout: cfg.handshakeTimeout,
	}

	disp := dispatch.New()
	engine := session.NewEngine(dialer, disp, session.NewRegistry(), slog, clk)

	handler := ws.NewHandler(ws.HandlerConfig{
		Engine: engine,
		Log:    slog,
		Defaults: session.Config{
			VAD:                cfg.vadConfig,
			Pacer:              cfg.pacerConfig,
			MaxSessionDuration: cfg.maxSessionDuration,
			ContinuationLead:   cfg.continuationLead,
		},
		MaxConcurrent: cfg.maxConcurrent,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{wsHandler: handler})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		sink.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	sink.WithFields(logrus.Fields{
		"addr":           addr,
		"max_concurrent": cfg.maxConcurrent,
		"model_url":      cfg.modelURL,
	}).Info("gateway starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sink.WithError(err).Error("server failed")
		os.Exit(1)
	}

	sink.Info("gateway stopped")
}
