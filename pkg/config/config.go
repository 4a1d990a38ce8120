package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Claims       ClaimsConfig
	Dispatch     DispatchConfig
	Scheduler    SchedulerConfig
	Maintenance  MaintenanceConfig
	Tracking     TrackingConfig
	GCP          GCPConfig
	Inbox        InboxConfig
	Sendgrid     SendgridConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Claims.validate(); err != nil {
		return nil, err
	}
	if cfg.Dispatch.InboxEnabled && strings.TrimSpace(cfg.Inbox.Topic) == "" {
		return nil, fmt.Errorf("%s is required when the inbox channel is enabled", EnvInboxTopic)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ENGAGE_APP_ENV" required:"true"`
	Port         string `envconfig:"ENGAGE_APP_PORT" required:"true"`
	BaseURL      string `envconfig:"ENGAGE_APP_BASE_URL" default:"http://localhost:3000"`
	LogLevel     string `envconfig:"ENGAGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ENGAGE_LOG_WARN_STACK" default:"false"`

	// CORSOrigins is a comma separated list of origins allowed to call /api.
	CORSOrigins []string `envconfig:"ENGAGE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"ENGAGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"ENGAGE_DB_DSN"`
	Driver string `envconfig:"ENGAGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"ENGAGE_DB_HOST"`
	LegacyPort     int    `envconfig:"ENGAGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ENGAGE_DB_USER"`
	LegacyPassword string `envconfig:"ENGAGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"ENGAGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"ENGAGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ENGAGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ENGAGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ENGAGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ENGAGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ENGAGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"ENGAGE_REDIS_ADDR"`
	Password     string        `envconfig:"ENGAGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"ENGAGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ENGAGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ENGAGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ENGAGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ENGAGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ENGAGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"ENGAGE_AUTO_MIGRATE" default:"false"`
}

// ClaimsConfig tunes the cross-process claim registry.
type ClaimsConfig struct {
	Backend          string        `envconfig:"ENGAGE_CLAIM_BACKEND" default:"db"`
	NodeWeight       float64       `envconfig:"ENGAGE_CLAIM_NODE_WEIGHT" default:"1"`
	StaleTimeout     time.Duration `envconfig:"ENGAGE_CLAIM_STALE_TIMEOUT" default:"2h"`
	MaxStealAttempts int           `envconfig:"ENGAGE_CLAIM_MAX_STEAL_ATTEMPTS" default:"1"`
}

func (c ClaimsConfig) UsesRedis() bool {
	return strings.EqualFold(strings.TrimSpace(c.Backend), "redis")
}

func (c ClaimsConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "db", "redis":
	default:
		return fmt.Errorf("%s must be db or redis, got %q", EnvClaimBackend, c.Backend)
	}
	if c.NodeWeight < 0.5 {
		return fmt.Errorf("%s must be >= 0.5", EnvClaimNodeWeight)
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvClaimStaleAfter)
	}
	return nil
}

type DispatchConfig struct {
	JobPrefix        string        `envconfig:"ENGAGE_DISPATCH_JOB_PREFIX" default:"campaign"`
	RetryDelay       time.Duration `envconfig:"ENGAGE_DISPATCH_RETRY_DELAY" default:"10s"`
	QueueDelay       time.Duration `envconfig:"ENGAGE_DISPATCH_QUEUE_DELAY" default:"10s"`
	MaxAttempts      int           `envconfig:"ENGAGE_DISPATCH_MAX_ATTEMPTS" default:"10"`
	MisfireGrace     time.Duration `envconfig:"ENGAGE_DISPATCH_MISFIRE_GRACE" default:"1h"`
	InboxEnabled     bool          `envconfig:"ENGAGE_DISPATCH_INBOX_ENABLED" default:"false"`
	NotifyOnComplete bool          `envconfig:"ENGAGE_DISPATCH_NOTIFY_ON_COMPLETE" default:"true"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `envconfig:"ENGAGE_SCHEDULER_POLL_INTERVAL" default:"1s"`
	BatchSize    int           `envconfig:"ENGAGE_SCHEDULER_BATCH_SIZE" default:"25"`
	Concurrency  int           `envconfig:"ENGAGE_SCHEDULER_CONCURRENCY" default:"4"`
	Lease        time.Duration `envconfig:"ENGAGE_SCHEDULER_LEASE" default:"30m"`
}

type MaintenanceConfig struct {
	Interval          time.Duration `envconfig:"ENGAGE_MAINTENANCE_INTERVAL" default:"1h"`
	TaskRetentionDays int           `envconfig:"ENGAGE_MAINTENANCE_TASK_RETENTION_DAYS" default:"14"`
}

type TrackingConfig struct {
	Secret       string        `envconfig:"ENGAGE_TRACKING_SECRET" required:"true"`
	BaseURL      string        `envconfig:"ENGAGE_TRACKING_BASE_URL" required:"true"`
	LinkTTL      time.Duration `envconfig:"ENGAGE_TRACKING_LINK_TTL" default:"2160h"`
	OpenDebounce time.Duration `envconfig:"ENGAGE_TRACKING_OPEN_DEBOUNCE" default:"1m"`
	CommentDelay time.Duration `envconfig:"ENGAGE_TRACKING_COMMENT_NOTIFY_DELAY" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"ENGAGE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"ENGAGE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"ENGAGE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type InboxConfig struct {
	Topic string `envconfig:"ENGAGE_INBOX_TOPIC"`
}

type SendgridConfig struct {
	APIKey      string `envconfig:"ENGAGE_SENDGRID_API_KEY"`
	DefaultFrom string `envconfig:"ENGAGE_SENDGRID_FROM_EMAIL" default:"no-reply@localhost"`
	FromName    string `envconfig:"ENGAGE_SENDGRID_FROM_NAME" default:"Student Engagement"`
}

// Enabled reports whether real email delivery is configured.
func (s SendgridConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
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
