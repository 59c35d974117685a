package payout

import "go.uber.org/fx"

var Module = fx.Module("payout.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("payout.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var TaskModule = fx.Module("payout.task",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)
