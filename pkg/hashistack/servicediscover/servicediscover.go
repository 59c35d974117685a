package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"marketplace-settlement/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module registers the API with the consul agent at CONSUL.ADDR for the
// lifetime of the process. With no address configured it does nothing.
var Module = fx.Module("servicediscover",
	fx.Provide(NewRegistry),
	fx.Invoke(register),
)

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type noopRegistry struct{}

func (noopRegistry) Register(context.Context) error   { return nil }
func (noopRegistry) Deregister(context.Context) error { return nil }

type ConsulRegistry struct {
	client  *api.Client
	service *api.AgentServiceRegistration
}

func NewRegistry(cfg *config.Config) (ServiceRegistry, error) {
	if cfg.Consul.Addr == "" {
		return noopRegistry{}, nil
	}

	port, err := strconv.Atoi(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("service port %q: %w", cfg.Server.Addr, err)
	}

	host := cfg.Consul.ServiceHost
	if host == "" {
		host, _ = os.Hostname()
	}

	return NewConsulRegistry(cfg.Consul.Addr, cfg.AppName, fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID), host, port)
}

func NewConsulRegistry(address, serviceName, serviceID, host string, port int) (*ConsulRegistry, error) {
	c := api.DefaultConfig()
	c.Address = address

	client, err := api.NewClient(c)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{
		client: client,
		service: &api.AgentServiceRegistration{
			ID:      serviceID,
			Name:    serviceName,
			Address: host,
			Port:    port,
			Check: &api.AgentServiceCheck{
				HTTP:                           fmt.Sprintf("http://%s:%d/readyz", host, port),
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "1m",
			},
		},
	}, nil
}

func (r *ConsulRegistry) Register(context.Context) error {
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(context.Context) error {
	return r.client.Agent().ServiceDeregister(r.service.ID)
}

func register(lc fx.Lifecycle, r ServiceRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.Register(ctx); err != nil {
				zap.L().Error("[Consul] Failed to register service", zap.Error(err))
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return r.Deregister(ctx)
		},
	})
}
