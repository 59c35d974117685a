package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault builds a client from VAULT_ADDR / VAULT_TOKEN. The config
// package reads database and processor secrets through it.
func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		zap.L().Error("failed to create vault client", zap.Error(err))
		return nil, err
	}

	return client, nil
}
