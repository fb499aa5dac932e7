package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
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
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
		Metrics struct {
			Enable   bool   `mapstructure:"ENABLE"`
			Port     uint32 `mapstructure:"PORT"`
			PushAddr string `mapstructure:"PUSH_ADDR"`
		} `mapstructure:"METRICS"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Brokers           []string `mapstructure:"BROKERS"`
		NotificationTopic string   `mapstructure:"NOTIFICATION_TOPIC"`
	} `mapstructure:"KAFKA"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Snowflake struct {
		Node int64 `mapstructure:"NODE"`
	} `mapstructure:"SNOWFLAKE"`
	Processor struct {
		Provider         string        `mapstructure:"PROVIDER"`
		SecretKey        string        `mapstructure:"SECRET_KEY"`
		WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
		WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
		Currency         string        `mapstructure:"CURRENCY"`
		RefreshURL       string        `mapstructure:"REFRESH_URL"`
		ReturnURL        string        `mapstructure:"RETURN_URL"`
		WebhookURL       string        `mapstructure:"WEBHOOK_URL"`
	} `mapstructure:"PROCESSOR"`
	Funding struct {
		PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
		PollAttempts int           `mapstructure:"POLL_ATTEMPTS"`
		LeaseTTL     time.Duration `mapstructure:"LEASE_TTL"`
	} `mapstructure:"FUNDING"`
	Review struct {
		AutoApprovalWindow time.Duration `mapstructure:"AUTO_APPROVAL_WINDOW"`
		SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
		SweepBatch         int           `mapstructure:"SWEEP_BATCH"`
	} `mapstructure:"REVIEW"`
	Payout struct {
		MaxRetries int           `mapstructure:"MAX_RETRIES"`
		RetryDelay time.Duration `mapstructure:"RETRY_DELAY"`
	} `mapstructure:"PAYOUT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "troodie-payments")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.METRICS.PORT", 9464)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("KAFKA.NOTIFICATION_TOPIC", "notifications")
	v.SetDefault("SNOWFLAKE.NODE", 1)
	v.SetDefault("PROCESSOR.PROVIDER", "mock")
	v.SetDefault("PROCESSOR.CURRENCY", "usd")
	v.SetDefault("PROCESSOR.WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("FUNDING.POLL_INTERVAL", 2*time.Second)
	v.SetDefault("FUNDING.POLL_ATTEMPTS", 10)
	v.SetDefault("FUNDING.LEASE_TTL", time.Minute)
	v.SetDefault("REVIEW.AUTO_APPROVAL_WINDOW", 72*time.Hour)
	v.SetDefault("REVIEW.SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("REVIEW.SWEEP_BATCH", 100)
	v.SetDefault("PAYOUT.MAX_RETRIES", 3)
	v.SetDefault("PAYOUT.RETRY_DELAY", 10*time.Minute)
}

// Load reads config.yaml from path (when present) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load(".")
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := overlaySecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("reading secrets from vault", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Processor.SecretKey = get("processor_secret_key", cfg.Processor.SecretKey)
	cfg.Processor.WebhookSecret = get("processor_webhook_secret", cfg.Processor.WebhookSecret)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	return nil
}
