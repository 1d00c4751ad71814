package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/config"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/node"
	"github.com/ecolom-kz/kreel-core/internal/server"
	"github.com/ecolom-kz/kreel-core/internal/store"
	"github.com/ecolom-kz/kreel-core/internal/stream"
	"github.com/ecolom-kz/kreel-core/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment as-is")
	}

	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := config.WriteDefault("kreeld.yaml"); err != nil {
			log.Fatalf("write default config: %v", err)
		}
		log.Println("wrote kreeld.yaml")
		return
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(".")
	if err != nil {
		zapLogger.Fatal("load configuration", zap.Error(err))
	}

	journal, err := store.Open(zapLogger, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		zapLogger.Fatal("open journal store", zap.Error(err))
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := stream.NewHub(zapLogger)
	go hub.Run(ctx)

	var backend stream.PubSubBackend
	switch cfg.Stream.Backend {
	case "kafka":
		backend = stream.NewKafkaPubSub(cfg.Stream.Brokers)
	case "redis":
		backend = stream.NewRedisPubSub(cfg.Stream.Redis)
	case "none":
	}
	if backend != nil {
		defer backend.Close()
	}
	broadcaster := stream.NewBroadcaster(zapLogger, backend, hub, cfg.Stream.Channel)

	n, err := node.Bootstrap(zapLogger, cfg, event.Multi{journal, broadcaster})
	if err != nil {
		zapLogger.Fatal("bootstrap node", zap.Error(err))
	}
	go n.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(zapLogger, n, journal, hub).Router(),
	}
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown", zap.Error(err))
	}
}
