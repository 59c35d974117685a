package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		BucketName string `mapstructure:"BUCKET_NAME"`
		Secure     bool   `mapstructure:"SECURE"`
	} `mapstructure:"MINIO"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Processor struct {
		Provider      string `mapstructure:"PROVIDER"`
		SecretKey     string `mapstructure:"SECRET_KEY"`
		WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
		AsyncWebhooks bool   `mapstructure:"ASYNC_WEBHOOKS"`
	} `mapstructure:"PROCESSOR"`
	Settlement Settlement `mapstructure:"SETTLEMENT"`
}

// Settlement holds the money-movement policy knobs.
type Settlement struct {
	Currency            string        `mapstructure:"CURRENCY"`
	MinimumPayoutAmount float64       `mapstructure:"MINIMUM_PAYOUT_AMOUNT"`
	HoldPeriod          time.Duration `mapstructure:"HOLD_PERIOD"`
	MaturationInterval  time.Duration `mapstructure:"MATURATION_INTERVAL"`
	MaxConflictRetries  int           `mapstructure:"MAX_CONFLICT_RETRIES"`
	BlockPayoutsOnDebt  bool          `mapstructure:"BLOCK_PAYOUTS_ON_DEBT"`
	TaxRate             float64       `mapstructure:"TAX_RATE"`
	FlatShipping        float64       `mapstructure:"FLAT_SHIPPING"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "settlement")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("TLS.CERT_PATH", "")
	v.SetDefault("TLS.KEY_PATH", "")
	v.SetDefault("OTEL.ADDR", "")
	v.SetDefault("OTEL.PROTOCOL", "http")
	v.SetDefault("PYROSCOPE.ADDR", "")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "settlement")
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.METRICS", false)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("CONSUL.ADDR", "")
	v.SetDefault("CONSUL.SERVICE_HOST", "")
	v.SetDefault("MINIO.ENDPOINT", "")
	v.SetDefault("MINIO.BUCKET_NAME", "processor-webhooks")
	v.SetDefault("MINIO.SECURE", false)
	v.SetDefault("FLAGSMITH.ADDR", "")
	v.SetDefault("FLAGSMITH.API_KEY", "")
	v.SetDefault("PROCESSOR.PROVIDER", "stripe")
	v.SetDefault("PROCESSOR.SECRET_KEY", "")
	v.SetDefault("PROCESSOR.WEBHOOK_SECRET", "")
	v.SetDefault("PROCESSOR.ASYNC_WEBHOOKS", true)
	v.SetDefault("SETTLEMENT.CURRENCY", "USD")
	v.SetDefault("SETTLEMENT.MINIMUM_PAYOUT_AMOUNT", 10)
	v.SetDefault("SETTLEMENT.HOLD_PERIOD", 7*24*time.Hour)
	v.SetDefault("SETTLEMENT.MATURATION_INTERVAL", 15*time.Minute)
	v.SetDefault("SETTLEMENT.MAX_CONFLICT_RETRIES", 5)
	v.SetDefault("SETTLEMENT.BLOCK_PAYOUTS_ON_DEBT", true)
	v.SetDefault("SETTLEMENT.TAX_RATE", 0)
	v.SetDefault("SETTLEMENT.FLAT_SHIPPING", 0)
}

// Load reads config.yaml from the working directory (optional) and overlays
// environment variables, e.g. SETTLEMENT_HOLD_PERIOD=72h.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that would break money-correctness guarantees.
func (c *Config) Validate() error {
	if c.Settlement.MinimumPayoutAmount < 0 {
		return fmt.Errorf("settlement.minimum_payout_amount must be >= 0")
	}
	if c.Settlement.MaxConflictRetries < 1 {
		return fmt.Errorf("settlement.max_conflict_retries must be >= 1")
	}
	if c.Settlement.HoldPeriod < 0 {
		return fmt.Errorf("settlement.hold_period must be >= 0")
	}
	if c.Settlement.TaxRate < 0 || c.Settlement.FlatShipping < 0 {
		return fmt.Errorf("settlement tax rate and flat shipping must be >= 0")
	}
	if c.TLS.Enable && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}
	return nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(viper.New())
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		overlaySecrets(p.Vault, cfg)
	}

	configHolder.Store(cfg)
	return cfg
}

// Current returns the most recently loaded configuration.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	remote := viper.New()
	setDefaults(remote)
	remote.SetConfigType(configType)
	if err := remote.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		zap.L().Error("failed to add remote config provider", zap.Error(err))
		os.Exit(1)
	}

	if err := remote.ReadRemoteConfig(); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := remote.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		zap.L().Error("invalid remote config", zap.Error(err))
		os.Exit(1)
	}
	overlaySecrets(p.Vault, &cfg)
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := remote.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := remote.Unmarshal(&newcfg); err != nil || newcfg.Validate() != nil {
				zap.L().Warn("ignoring invalid remote config update")
				continue
			}
			overlaySecrets(p.Vault, &newcfg)
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg
}

func overlaySecrets(client *vault.Client, cfg *Config) {
	ctx := context.Background()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
	cfg.Processor.SecretKey = get("processor_secret_key")
	cfg.Processor.WebhookSecret = get("processor_webhook_secret")
	cfg.Minio.AccessKey = get("minio_access_key")
	cfg.Minio.SecretKey = get("minio_secret_key")
}
