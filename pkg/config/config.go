package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix namespaces every environment variable the engine reads.
	EnvPrefix = "TRIPROAM"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "TRIPROAM_DB_DSN"
	EnvDBHost = "TRIPROAM_DB_HOST"
	EnvDBUser = "TRIPROAM_DB_USER"
	EnvDBName = "TRIPROAM_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Identity     IdentityConfig
	RateLimit    RateLimitConfig
	FX           FXConfig
	Settlement   SettlementConfig
	Affiliate    AffiliateConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TRIPROAM_APP_ENV" required:"true"`
	Port         string `envconfig:"TRIPROAM_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TRIPROAM_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TRIPROAM_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"TRIPROAM_DB_DSN"`
	Driver string `envconfig:"TRIPROAM_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TRIPROAM_DB_HOST"`
	LegacyPort     int    `envconfig:"TRIPROAM_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TRIPROAM_DB_USER"`
	LegacyPassword string `envconfig:"TRIPROAM_DB_PASSWORD"`
	LegacyName     string `envconfig:"TRIPROAM_DB_NAME"`
	LegacySSLMode  string `envconfig:"TRIPROAM_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRIPROAM_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRIPROAM_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRIPROAM_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRIPROAM_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRIPROAM_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRIPROAM_REDIS_ADDR"`
	Password     string        `envconfig:"TRIPROAM_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRIPROAM_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRIPROAM_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRIPROAM_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRIPROAM_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRIPROAM_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRIPROAM_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// IdentityConfig describes the external identity provider whose bearer
// tokens this service accepts. The provider owns login and registration;
// the engine only verifies signatures and reads the subject claim.
type IdentityConfig struct {
	SharedSecret string `envconfig:"TRIPROAM_IDENTITY_SHARED_SECRET" required:"true"`
	Issuer       string `envconfig:"TRIPROAM_IDENTITY_ISSUER" required:"true"`
	Audience     string `envconfig:"TRIPROAM_IDENTITY_AUDIENCE" default:"settlement-engine"`
}

type RateLimitConfig struct {
	PaymentWindow time.Duration `envconfig:"TRIPROAM_RATE_LIMIT_PAYMENT_WINDOW" default:"1m"`
	PaymentLimit  int           `envconfig:"TRIPROAM_RATE_LIMIT_PAYMENT_LIMIT" default:"5"`
	PromoWindow   time.Duration `envconfig:"TRIPROAM_RATE_LIMIT_PROMO_WINDOW" default:"1m"`
	PromoLimit    int           `envconfig:"TRIPROAM_RATE_LIMIT_PROMO_LIMIT" default:"10"`
	ReviewWindow  time.Duration `envconfig:"TRIPROAM_RATE_LIMIT_REVIEW_WINDOW" default:"1h"`
	ReviewLimit   int           `envconfig:"TRIPROAM_RATE_LIMIT_REVIEW_LIMIT" default:"5"`
	ReadWindow    time.Duration `envconfig:"TRIPROAM_RATE_LIMIT_READ_WINDOW" default:"1m"`
	ReadLimit     int           `envconfig:"TRIPROAM_RATE_LIMIT_READ_LIMIT" default:"60"`
}

type FXConfig struct {
	ProviderURL     string        `envconfig:"TRIPROAM_FX_PROVIDER_URL" required:"true"`
	ProviderTimeout time.Duration `envconfig:"TRIPROAM_FX_PROVIDER_TIMEOUT" default:"5s"`
	RefreshInterval time.Duration `envconfig:"TRIPROAM_FX_REFRESH_INTERVAL" default:"1h"`
	BaseCurrency    string        `envconfig:"TRIPROAM_FX_BASE_CURRENCY" default:"USD"`
}

type SettlementConfig struct {
	WebhookSecret  string        `envconfig:"TRIPROAM_SETTLEMENT_WEBHOOK_SECRET" required:"true"`
	IdempotencyTTL time.Duration `envconfig:"TRIPROAM_SETTLEMENT_IDEMPOTENCY_TTL" default:"720h"`
}

type AffiliateConfig struct {
	CommissionPercent       int           `envconfig:"TRIPROAM_AFFILIATE_COMMISSION_PERCENT" default:"10"`
	ReferralDiscountPercent int           `envconfig:"TRIPROAM_AFFILIATE_REFERRAL_DISCOUNT_PERCENT" default:"10"`
	VelocityWindow          time.Duration `envconfig:"TRIPROAM_AFFILIATE_VELOCITY_WINDOW" default:"1h"`
	VelocityThreshold       int           `envconfig:"TRIPROAM_AFFILIATE_VELOCITY_THRESHOLD" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TRIPROAM_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TRIPROAM_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
