package coupon

import "go.uber.org/fx"

var Module = fx.Module("coupon.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("coupon.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
