package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App        AppConfig
	Service    ServiceConfig
	DB         DBConfig
	Redis      RedisConfig
	Stripe     StripeConfig
	Settlement SettlementConfig
	Payout     PayoutConfig
	Intake     IntakeConfig
	Cron       CronConfig
	Features   FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Payout.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TUTORLINK_APP_ENV" required:"true"`
	Port         string `envconfig:"TUTORLINK_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TUTORLINK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TUTORLINK_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TUTORLINK_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TUTORLINK_DB_DSN"`
	Driver string `envconfig:"TUTORLINK_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TUTORLINK_DB_HOST"`
	LegacyPort     int    `envconfig:"TUTORLINK_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TUTORLINK_DB_USER"`
	LegacyPassword string `envconfig:"TUTORLINK_DB_PASSWORD"`
	LegacyName     string `envconfig:"TUTORLINK_DB_NAME"`
	LegacySSLMode  string `envconfig:"TUTORLINK_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TUTORLINK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TUTORLINK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TUTORLINK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TUTORLINK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TUTORLINK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TUTORLINK_REDIS_ADDR"`
	Password     string        `envconfig:"TUTORLINK_REDIS_PASSWORD"`
	DB           int           `envconfig:"TUTORLINK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TUTORLINK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TUTORLINK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TUTORLINK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TUTORLINK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TUTORLINK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StripeConfig struct {
	APIKey          string        `envconfig:"TUTORLINK_STRIPE_API_KEY"`
	Secret          string        `envconfig:"TUTORLINK_STRIPE_SECRET"`
	Env             string        `envconfig:"TUTORLINK_STRIPE_ENV" default:"test"`
	TransferTimeout time.Duration `envconfig:"TUTORLINK_STRIPE_TRANSFER_TIMEOUT" default:"5s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// SettlementConfig carries the commercial policy knobs. Percentages are
// whole-percent values the attribution resolver turns into money shares.
type SettlementConfig struct {
	HoldDuration       time.Duration `envconfig:"TUTORLINK_SETTLEMENT_HOLD_DURATION" default:"168h"`
	PlatformFeePercent string        `envconfig:"TUTORLINK_SETTLEMENT_PLATFORM_FEE_PERCENT" default:"10"`
	ReferralPercent    string        `envconfig:"TUTORLINK_SETTLEMENT_REFERRAL_PERCENT" default:"10"`
	AgentPercent       string        `envconfig:"TUTORLINK_SETTLEMENT_AGENT_PERCENT" default:"20"`
	Currency           string        `envconfig:"TUTORLINK_SETTLEMENT_CURRENCY" default:"usd"`
}

// PlatformFee returns the platform fee percentage as a decimal.
func (s SettlementConfig) PlatformFee() decimal.Decimal {
	return parsePercent(s.PlatformFeePercent)
}

// Referral returns the referral commission percentage as a decimal.
func (s SettlementConfig) Referral() decimal.Decimal {
	return parsePercent(s.ReferralPercent)
}

// Agent returns the agent commission percentage as a decimal.
func (s SettlementConfig) Agent() decimal.Decimal {
	return parsePercent(s.AgentPercent)
}

func (s SettlementConfig) validate() error {
	if s.HoldDuration < 0 {
		return fmt.Errorf("settlement hold duration must be non-negative")
	}
	for _, raw := range []string{s.PlatformFeePercent, s.ReferralPercent, s.AgentPercent} {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid settlement percentage %q: %w", raw, err)
		}
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("settlement percentage %q out of range", raw)
		}
	}
	return nil
}

func parsePercent(raw string) decimal.Decimal {
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return pct
}

type PayoutConfig struct {
	MinAmount string `envconfig:"TUTORLINK_PAYOUT_MIN_AMOUNT" default:"10.00"`
	MaxAmount string `envconfig:"TUTORLINK_PAYOUT_MAX_AMOUNT" default:"10000.00"`
}

// Min returns the minimum withdrawable amount.
func (p PayoutConfig) Min() decimal.Decimal { return parsePercent(p.MinAmount) }

// Max returns the maximum withdrawable amount.
func (p PayoutConfig) Max() decimal.Decimal { return parsePercent(p.MaxAmount) }

func (p PayoutConfig) validate() error {
	min, err := decimal.NewFromString(p.MinAmount)
	if err != nil {
		return fmt.Errorf("invalid payout min %q: %w", p.MinAmount, err)
	}
	max, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return fmt.Errorf("invalid payout max %q: %w", p.MaxAmount, err)
	}
	if min.IsNegative() || max.LessThan(min) {
		return fmt.Errorf("payout bounds out of order: min %s max %s", min, max)
	}
	return nil
}

type IntakeConfig struct {
	Deadline       time.Duration `envconfig:"TUTORLINK_INTAKE_DEADLINE" default:"30s"`
	MaxAttempts    int           `envconfig:"TUTORLINK_INTAKE_MAX_ATTEMPTS" default:"3"`
	IdempotencyTTL time.Duration `envconfig:"TUTORLINK_INTAKE_IDEMPOTENCY_TTL" default:"720h"`
}

type CronConfig struct {
	Interval     time.Duration `envconfig:"TUTORLINK_CRON_INTERVAL" default:"5m"`
	DLQBatchSize int           `envconfig:"TUTORLINK_CRON_DLQ_BATCH_SIZE" default:"50"`
	MetricsPort  string        `envconfig:"TUTORLINK_CRON_METRICS_PORT" default:"9090"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TUTORLINK_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TUTORLINK_AUTO_MIGRATE" default:"false"`
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
