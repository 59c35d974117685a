package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type health struct {
	db    *gorm.DB
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:    p.DB,
		redis: p.Redis,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

// Readiness pings the database and redis; any failure answers 503.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	out := &Health{Status: statusHealthy, Message: "OK"}

	check := func(name string, ping func() error) {
		dep := Dependency{Name: name, Status: statusHealthy, Message: "OK"}
		if err := ping(); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
			out.Status = statusUnhealthy
			out.Message = "dependency unavailable"
		}
		out.Deps = append(out.Deps, dep)
	}

	if h.db != nil {
		check(h.db.Dialector.Name(), func() error {
			sqlDB, err := h.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}

	if h.redis != nil {
		check("redis", func() error {
			return h.redis.Ping(ctx).Err()
		})
	}

	code := http.StatusOK
	if out.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, out)
}
