package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/waste-pickup/internal/pricing"
	"github.com/example/waste-pickup/internal/validation"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// StoreDriver is memory, sqlite or postgres.
	StoreDriver   string
	SQLiteDir     string
	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PricePerBag      int
	Limits           validation.Limits
	CompletionPolicy string
	PickupZone       *time.Location

	GeocoderURL       string
	GeocoderCountries string
	GeocoderRPS       float64
	OSRMURL           string

	CountdownInterval time.Duration
	NearbyRadiusM     float64
	NearbyLimit       int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		StoreDriver:       "memory",
		SQLiteDir:         "./data",
		RedisGeoKey:       "pickup:pending:geo",
		KafkaTopic:        "pickup-job-events",
		PricePerBag:       pricing.DefaultPricePerBag,
		Limits:            validation.DefaultLimits(),
		CompletionPolicy:  "strict",
		PickupZone:        time.Local,
		GeocoderCountries: "my",
		GeocoderRPS:       1,
		CountdownInterval: time.Second,
		NearbyRadiusM:     10_000,
		NearbyLimit:       10,
		LogLevel:          "info",
	}
}

// LoadServerConfig starts from defaults, applies CONFIG_FILE (YAML) when
// set, then environment variables.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := strings.TrimSpace(os.Getenv("PG_DSN")); v != "" {
		cfg.PGDSN = v
		cfg.StoreDriver = "postgres"
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.SQLiteDir, "SQLITE_DIR")
	if strings.EqualFold(os.Getenv("RUN_MIGRATIONS"), "true") || strings.EqualFold(os.Getenv("MIGRATE"), "true") {
		cfg.RunMigrations = true
	}

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setIntFromEnv(&cfg.PricePerBag, "PRICE_PER_BAG", &errs)
	setIntFromEnv(&cfg.Limits.NameMaxLength, "NAME_MAX_LENGTH", &errs)
	setIntFromEnv(&cfg.Limits.PhoneMinDigits, "PHONE_MIN_DIGITS", &errs)
	setIntFromEnv(&cfg.Limits.PhoneMaxDigits, "PHONE_MAX_DIGITS", &errs)
	setIntFromEnv(&cfg.Limits.BagCountMin, "BAG_COUNT_MIN", &errs)
	setIntFromEnv(&cfg.Limits.BagCountMax, "BAG_COUNT_MAX", &errs)
	if v := os.Getenv("COMPLETION_POLICY"); v != "" {
		cfg.CompletionPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if v := strings.TrimSpace(os.Getenv("PICKUP_TZ")); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PICKUP_TZ: %w", err))
		} else {
			cfg.PickupZone = loc
		}
	}

	setStringFromEnv(&cfg.GeocoderURL, "GEOCODER_URL")
	setStringFromEnv(&cfg.GeocoderCountries, "GEOCODER_COUNTRIES")
	setFloatFromEnv(&cfg.GeocoderRPS, "GEOCODER_RPS", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")

	setDurationFromEnv(&cfg.CountdownInterval, "COUNTDOWN_INTERVAL", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusM, "NEARBY_RADIUS_M", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	switch cfg.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DRIVER=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory, sqlite or postgres, got %q", cfg.StoreDriver))
	}
	if cfg.PricePerBag <= 0 {
		errs = append(errs, fmt.Errorf("PRICE_PER_BAG must be > 0"))
	}
	if cfg.Limits.BagCountMin < 1 || cfg.Limits.BagCountMax < cfg.Limits.BagCountMin {
		errs = append(errs, fmt.Errorf("bag count limits must satisfy 1 <= BAG_COUNT_MIN <= BAG_COUNT_MAX"))
	}
	if cfg.Limits.PhoneMinDigits < 1 || cfg.Limits.PhoneMaxDigits < cfg.Limits.PhoneMinDigits {
		errs = append(errs, fmt.Errorf("phone digit limits must satisfy 1 <= PHONE_MIN_DIGITS <= PHONE_MAX_DIGITS"))
	}
	if cfg.Limits.NameMaxLength <= 0 {
		errs = append(errs, fmt.Errorf("NAME_MAX_LENGTH must be > 0"))
	}
	if cfg.CompletionPolicy != "strict" && cfg.CompletionPolicy != "open" {
		errs = append(errs, fmt.Errorf("COMPLETION_POLICY must be strict or open, got %q", cfg.CompletionPolicy))
	}
	if cfg.GeocoderRPS <= 0 {
		errs = append(errs, fmt.Errorf("GEOCODER_RPS must be > 0"))
	}
	if cfg.CountdownInterval <= 0 {
		errs = append(errs, fmt.Errorf("COUNTDOWN_INTERVAL must be > 0"))
	}
	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// IndexerConfig drives cmd/indexer, which folds job events into the Redis
// geo index.
type IndexerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	Attempts     int
	RetryBackoff time.Duration

	LogLevel string
}

func LoadIndexerConfig() (IndexerConfig, error) {
	cfg := IndexerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "pickup-job-events",
		KafkaGroup:   "pickup-geo-indexer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "pickup:pending:geo",
		Attempts:     3,
		RetryBackoff: 200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "INDEX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "INDEX_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
