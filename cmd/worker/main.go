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
	"marketplace-settlement/pkg/logger"
	"marketplace-settlement/pkg/otelcol"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/redis"
	"marketplace-settlement/pkg/sequence"
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
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		featureflags.Module,
		processor.Module,
		gen.Module,
		ledger.Module,
		ledger.TaskModule,
		coupon.Module,
		order.Module,
		payout.Module,
		payout.TaskModule,
		settlement.Module,
		settlement.TaskModule,
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
	return fxevent.NopLogger
})
