package main

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	otelx "github.com/md-rashed-zaman/tenantflow/libs/otel"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/app"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}
	metrics.Init(nil)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		panic(err)
	}
	defer a.Close()

	logger.Info("workspace service starting", "store", cfg.Store, "kafka", len(cfg.Brokers()) > 0, "redis", cfg.RedisAddr != "")
	if err := a.Run(ctx); err != nil {
		logger.Error("workspace service stopped with error", "err", err)
		return
	}
	logger.Info("workspace service stopped")
}
