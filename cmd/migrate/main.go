package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gorm.io/gorm"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/db"
	"marketplace-settlement/pkg/logger"
	"marketplace-settlement/services/coupon"
	"marketplace-settlement/services/ledger"
	"marketplace-settlement/services/order"
	"marketplace-settlement/services/payout"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func migrate(gdb *gorm.DB) error {
	var models []any
	models = append(models, ledger.Models()...)
	models = append(models, coupon.Models()...)
	models = append(models, order.Models()...)
	models = append(models, payout.Models()...)
	return db.Migrate(gdb, models...)
}
