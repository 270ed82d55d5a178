package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"outreach/internal/eligibility"
)

const (
	DriverPostgres = "postgres"
	DriverBackend  = "backend"
	DriverMemory   = "memory"
)

type DispatcherConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Store
	StoreDriver             string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN                   string        `envconfig:"DB_DSN"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
	DBAutoMigrate           bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
	BackendURL              string        `envconfig:"BACKEND_URL"`
	BackendToken            string        `envconfig:"BACKEND_TOKEN"`

	// Agent
	AgentURL           string        `envconfig:"AGENT_URL"`
	AgentToken         string        `envconfig:"AGENT_TOKEN"`
	AgentTimeout       time.Duration `envconfig:"AGENT_TIMEOUT" default:"30s"`
	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"60s"`
	WriteTimeout       time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`

	// Dispatch
	BatchSize          int           `envconfig:"BATCH_SIZE" default:"10"`
	RunInterval        time.Duration `envconfig:"RUN_INTERVAL" default:"15m"`
	ItemDelay          time.Duration `envconfig:"ITEM_DELAY" default:"5s"`
	Cooldown           time.Duration `envconfig:"COOLDOWN" default:"10m"`
	RetryBackoff       time.Duration `envconfig:"RETRY_BACKOFF" default:"30m"`
	EligibilityWindows string        `envconfig:"ELIGIBILITY_WINDOWS"`

	// Transition events (optional)
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

// LoadDispatcher reads .env when present, then the environment.
func LoadDispatcher() (DispatcherConfig, error) {
	_ = godotenv.Load()

	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return DispatcherConfig{}, err
	}
	// older deployments only set BACKEND_URL; derive the agent endpoint from it
	if cfg.AgentURL == "" && cfg.BackendURL != "" {
		cfg.AgentURL = strings.TrimRight(cfg.BackendURL, "/") + "/api/agent/trigger"
	}
	if err := cfg.Validate(); err != nil {
		return DispatcherConfig{}, err
	}
	return cfg, nil
}

func (c DispatcherConfig) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	case DriverBackend:
		if c.BackendURL == "" {
			errs = append(errs, errors.New("BACKEND_URL is required for the backend store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.AgentURL == "" {
		errs = append(errs, errors.New("AGENT_URL (or BACKEND_URL) is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.RunInterval <= 0 {
		errs = append(errs, errors.New("RUN_INTERVAL must be positive"))
	}
	if c.ItemDelay < 0 {
		errs = append(errs, errors.New("ITEM_DELAY must not be negative"))
	}
	if _, err := c.Rules(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Rules builds the eligibility rules from the defaults plus overrides.
func (c DispatcherConfig) Rules() (eligibility.Rules, error) {
	overrides, err := eligibility.ParseWindows(c.EligibilityWindows)
	if err != nil {
		return eligibility.Rules{}, fmt.Errorf("ELIGIBILITY_WINDOWS: %w", err)
	}
	r := eligibility.DefaultRules().WithOverrides(overrides)
	r.Cooldown = c.Cooldown
	r.RetryBackoff = c.RetryBackoff
	if err := r.Validate(); err != nil {
		return eligibility.Rules{}, err
	}
	return r, nil
}

type MockAgentConfig struct {
	Port        string        `envconfig:"PORT" default:"8081"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	OutcomesRaw string        `envconfig:"MOCK_OUTCOMES" default:"sent"`
	OutcomeMode string        `envconfig:"MOCK_OUTCOME_MODE" default:"cycle"`
	Delay       time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	Token       string        `envconfig:"AGENT_TOKEN"`
}

func LoadMockAgent() MockAgentConfig {
	_ = godotenv.Load()

	var cfg MockAgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
