package ledger

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("ledger.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var TaskModule = fx.Module("ledger.task",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

var SchedulerModule = fx.Module("ledger.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
