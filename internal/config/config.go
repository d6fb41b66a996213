// Package config loads the Tapguard configuration from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// Load builds the configuration. The tier picks the base defaults:
// TAPGUARD_TIER wins over the file's tier. A missing file is not an error.
func Load(path string) (*domain.Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			raw = b
		}
	}

	tier := domain.Tier(os.Getenv("TAPGUARD_TIER"))
	if tier == "" && len(raw) > 0 {
		var peek struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(raw, &peek); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		tier = peek.Tier
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if tier != "" {
		cfg.Tier = tier
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	var errs []error
	parseInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	parseFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	parseTTL := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	parseInt("TAPGUARD_HTTP_PORT", &cfg.Server.Port)
	parseInt("READER_RATE_LIMIT_PER_MINUTE", &cfg.Server.ReaderRateLimit)
	parseFloat("ADMIN_RATE_LIMIT_PER_SECOND", &cfg.Server.AdminRateLimit)

	str("TAPGUARD_DB_DRIVER", &cfg.Repository.Driver)
	str("TAPGUARD_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("TAPGUARD_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	parseInt("TAPGUARD_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("TAPGUARD_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("TAPGUARD_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("TAPGUARD_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("TAPGUARD_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("TAPGUARD_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("TAPGUARD_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("TAPGUARD_NATS_URL", &cfg.EventBus.NATSUrl)
	str("TAPGUARD_NATS_TOKEN", &cfg.EventBus.NATSToken)

	if v := os.Getenv("TAPGUARD_KAFKA_BROKERS"); v != "" {
		cfg.Audit.KafkaBrokers = splitList(v)
		if !slices.Contains(cfg.Audit.Sinks, "kafka") {
			cfg.Audit.Sinks = append(cfg.Audit.Sinks, "kafka")
		}
	}
	str("TAPGUARD_KAFKA_TOPIC", &cfg.Audit.KafkaTopic)

	parseFloat("FRAUD_MAX_DISTANCE_KM_PER_HOUR", &cfg.Fraud.MaxDistanceKmPerHour)
	parseInt("FRAUD_MAX_TAPS_PER_HOUR", &cfg.Fraud.MaxTapsPerHour)
	parseInt("FRAUD_MAX_TAPS_PER_DAY", &cfg.Fraud.MaxTapsPerDay)
	parseInt("FRAUD_SCORE_HIGH", &cfg.Fraud.HighThreshold)
	parseInt("FRAUD_SCORE_MEDIUM", &cfg.Fraud.MediumThreshold)
	parseInt("FRAUD_SCORE_LOW", &cfg.Fraud.LowThreshold)

	parseTTL("COUNTRY_RULE_CACHE_TTL", &cfg.Country.CacheTTL)
	parseTTL("OFFER_CACHE_TTL", &cfg.Offers.CacheTTL)

	str("TAPGUARD_LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
