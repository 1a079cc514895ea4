package domain

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete vatcalc configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Pricing engine settings
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds the pricing tables and policy switches of the calculation engine.
type EngineConfig struct {
	// BaseCurrency is the currency rule expressions are priced in.
	BaseCurrency string `json:"baseCurrency"`

	// RequireBaseRule turns a country without an applicable VatRate rule into MissingBaseRule.
	RequireBaseRule bool `json:"requireBaseRule"`

	// MaxWorkers bounds how many countries are evaluated concurrently.
	MaxWorkers int `json:"maxWorkers"`

	// ServiceWeights seeds serviceTypeWeight; BasePrices seeds basePrice.
	ServiceWeights map[ServiceType]decimal.Decimal `json:"serviceWeights"`
	BasePrices     map[ServiceType]decimal.Decimal `json:"basePrices"`

	// FrequencyMultipliers seeds frequencyMultiplier (filings per year).
	FrequencyMultipliers map[FilingFrequency]decimal.Decimal `json:"frequencyMultipliers"`

	// RateTable converts one unit of BaseCurrency into the keyed currency.
	RateTable map[string]decimal.Decimal `json:"rateTable"`

	// MinorUnits is the number of decimal places per currency. Missing entries use 2.
	MinorUnits map[string]int32 `json:"minorUnits"`

	// ResultTTL is how long calculation results stay cached. Zero disables caching.
	ResultTTL time.Duration `json:"resultTtl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// CalculationTimeout bounds a single synchronous calculation, in seconds.
	CalculationTimeout int `json:"calculationTimeout"`

	// AllowedOrigins restricts CORS to these origins. Empty allows any origin
	// without credentials.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the built-in pricing tables.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BaseCurrency:    "EUR",
		RequireBaseRule: false,
		MaxWorkers:      8,
		ServiceWeights: map[ServiceType]decimal.Decimal{
			ServiceStandardFiling:   decimal.NewFromInt(1),
			ServiceFullService:      decimal.RequireFromString("1.5"),
			ServiceComplianceReview: decimal.RequireFromString("1.25"),
			ServiceRegistration:     decimal.RequireFromString("0.75"),
		},
		BasePrices: map[ServiceType]decimal.Decimal{
			ServiceStandardFiling:   decimal.NewFromInt(150),
			ServiceFullService:      decimal.NewFromInt(300),
			ServiceComplianceReview: decimal.NewFromInt(250),
			ServiceRegistration:     decimal.NewFromInt(500),
		},
		FrequencyMultipliers: map[FilingFrequency]decimal.Decimal{
			FrequencyMonthly:    decimal.NewFromInt(12),
			FrequencyBiMonthly:  decimal.NewFromInt(6),
			FrequencyQuarterly:  decimal.NewFromInt(4),
			FrequencySemiAnnual: decimal.NewFromInt(2),
			FrequencyAnnual:     decimal.NewFromInt(1),
		},
		RateTable: map[string]decimal.Decimal{
			"EUR": decimal.NewFromInt(1),
		},
		MinorUnits: map[string]int32{
			"EUR": 2,
			"GBP": 2,
			"USD": 2,
			"CHF": 2,
			"JPY": 0,
		},
		ResultTTL: 10 * time.Minute,
	}
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30,
			WriteTimeout:       30,
			CalculationTimeout: 10,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./vatcalc.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "vatcalc",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "vatcalc",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier preset from VATCALC_TIER and applies environment overrides.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if os.Getenv("VATCALC_TIER") == string(TierPro) {
		cfg = ProConfig()
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg
}

// ApplyEnv overrides settings from VATCALC_* variables read through getenv.
// Unparsable values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("VATCALC_HOST", &c.Server.Host)
	num("VATCALC_PORT", &c.Server.Port)
	num("VATCALC_CALCULATION_TIMEOUT", &c.Server.CalculationTimeout)
	if v := getenv("VATCALC_CORS_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	str("VATCALC_DB_DRIVER", &c.Repository.Driver)
	str("VATCALC_SQLITE_PATH", &c.Repository.SQLitePath)
	str("VATCALC_POSTGRES_HOST", &c.Repository.PostgresHost)
	num("VATCALC_POSTGRES_PORT", &c.Repository.PostgresPort)
	str("VATCALC_POSTGRES_USER", &c.Repository.PostgresUser)
	str("VATCALC_POSTGRES_PASSWORD", &c.Repository.PostgresPassword)
	str("VATCALC_POSTGRES_DB", &c.Repository.PostgresDB)
	str("VATCALC_POSTGRES_SSLMODE", &c.Repository.PostgresSSLMode)

	str("VATCALC_CACHE", &c.Cache.Type)
	str("VATCALC_REDIS_ADDR", &c.Cache.RedisAddr)
	str("VATCALC_REDIS_PASSWORD", &c.Cache.RedisPassword)

	str("VATCALC_BUS", &c.EventBus.Type)
	str("VATCALC_NATS_URL", &c.EventBus.NATSUrl)
	str("VATCALC_NATS_TOKEN", &c.EventBus.NATSToken)

	str("VATCALC_BASE_CURRENCY", &c.Engine.BaseCurrency)
	c.Engine.BaseCurrency = strings.ToUpper(c.Engine.BaseCurrency)
	num("VATCALC_MAX_WORKERS", &c.Engine.MaxWorkers)
	if v := getenv("VATCALC_REQUIRE_BASE_RULE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.RequireBaseRule = b
		}
	}

	if getenv("VATCALC_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	str("VATCALC_LOG_FORMAT", &c.Logging.Format)
}
