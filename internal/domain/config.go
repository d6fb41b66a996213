package domain

import "time"

// Config holds the complete Tapguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Audit      AuditConfig      `yaml:"audit"`

	// Engine configurations
	Fraud    FraudConfig    `yaml:"fraud"`
	Country  CountryConfig  `yaml:"country"`
	Offers   OfferConfig    `yaml:"offers"`
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds

	// ReaderRateLimit caps taps per POS reader per minute. Zero disables it.
	ReaderRateLimit int `yaml:"reader_rate_limit"`

	// AdminRateLimit caps admin requests per second across all callers.
	// Zero disables it.
	AdminRateLimit float64 `yaml:"admin_rate_limit"`
	AdminBurst     int     `yaml:"admin_burst"`
}

// FraudConfig holds the fraud engine thresholds.
type FraudConfig struct {
	MaxDistanceKmPerHour float64 `yaml:"max_distance_km_per_hour"`
	MaxTapsPerHour       int     `yaml:"max_taps_per_hour"`
	MaxTapsPerDay        int     `yaml:"max_taps_per_day"`

	// Severity breakpoints on the summed score.
	HighThreshold   int `yaml:"high_threshold"`
	MediumThreshold int `yaml:"medium_threshold"`
	LowThreshold    int `yaml:"low_threshold"`
}

// CountryConfig holds country rule engine settings.
type CountryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// OfferConfig holds offer engine settings.
type OfferConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// UsageHistoryLimit is how many recent usage rows count toward limits.
	UsageHistoryLimit int `yaml:"usage_history_limit"`
}

// PipelineConfig holds tap pipeline settings.
type PipelineConfig struct {
	// PreVendorFraudPass runs fraud detection once before the vendor is
	// loaded. Only the second, location-aware pass gates the tap.
	PreVendorFraudPass bool `yaml:"pre_vendor_fraud_pass"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultFraudConfig returns the documented fraud thresholds.
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		MaxDistanceKmPerHour: 1000,
		MaxTapsPerHour:       10,
		MaxTapsPerDay:        50,
		HighThreshold:        90,
		MediumThreshold:      60,
		LowThreshold:         30,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			ReaderRateLimit: 120,
			AdminRateLimit:  20,
			AdminBurst:      40,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tapguard.db",
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
		Audit: AuditConfig{
			Sinks:      []string{"repository"},
			KafkaTopic: "tapguard.audit",
		},
		Fraud: DefaultFraudConfig(),
		Country: CountryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Offers: OfferConfig{
			CacheTTL:          2 * time.Minute,
			UsageHistoryLimit: 100,
		},
		Pipeline: PipelineConfig{
			PreVendorFraudPass: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tapguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tapguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Audit.Sinks = []string{"repository", "bus"}
	cfg.Tracing.Enabled = true
	return cfg
}
