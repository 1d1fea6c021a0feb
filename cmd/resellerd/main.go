package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mirzadev/resellerd/internal/config"
	"github.com/mirzadev/resellerd/internal/logger"
	"github.com/mirzadev/resellerd/internal/server"
)

func main() {
	cfg := config.NewConfig()

	zaplog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer zaplog.Sync()

	srv := server.NewServer(cfg, zaplog)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zaplog.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zaplog.Info("shutting down")

	if err := srv.Shutdown(context.Background()); err != nil {
		zaplog.Fatal("shutdown error", zap.Error(err))
	}

	zaplog.Info("server stopped")
}
