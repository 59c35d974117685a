package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/db"
	"marketplace-settlement/pkg/featureflags"
	"marketplace-settlement/pkg/gen"
	"marketplace-settlement/pkg/hashistack/secretmanager"
	"marketplace-settlement/pkg/hashistack/servicediscover"
	"marketplace-settlement/pkg/health"
	"marketplace-settlement/pkg/httpapi"
	"marketplace-settlement/pkg/logger"
	"marketplace-settlement/pkg/minio"
	"marketplace-settlement/pkg/otelcol"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/profiling"
	"marketplace-settlement/pkg/redis"
	"marketplace-settlement/pkg/sequence"
	"marketplace-settlement/pkg/server"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/services/coupon"
	"marketplace-settlement/services/ledger"
	"marketplace-settlement/services/order"
	"marketplace-settlement/services/payout"
	"marketplace-settlement/services/settlement"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		featureflags.Module,
		processor.Module,
		health.Module,
		minio.Module,
		gen.Module,
		ledger.Module,
		ledger.HTTP,
		ledger.SchedulerModule,
		coupon.Module,
		coupon.HTTP,
		order.Module,
		order.HTTP,
		payout.Module,
		payout.HTTP,
		settlement.Module,
		settlement.HTTP,
		httpapi.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
