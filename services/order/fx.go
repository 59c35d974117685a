package order

import "go.uber.org/fx"

var Module = fx.Module("order.service",
	fx.Provide(
		NewFlatRates,
		NewService,
	),
)

var HTTP = fx.Module("order.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
