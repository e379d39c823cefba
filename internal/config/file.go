package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors ServerConfig for CONFIG_FILE. Zero values leave the
// defaults alone; environment variables still win.
type fileConfig struct {
	HTTP struct {
		Addr            string `yaml:"addr"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		IdleTimeout     string `yaml:"idle_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Store struct {
		Driver        string `yaml:"driver"`
		SQLiteDir     string `yaml:"sqlite_dir"`
		PGDSN         string `yaml:"pg_dsn"`
		RunMigrations bool   `yaml:"run_migrations"`
	} `yaml:"store"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		GeoKey   string `yaml:"geo_key"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Jobs struct {
		PricePerBag      int    `yaml:"price_per_bag"`
		CompletionPolicy string `yaml:"completion_policy"`
		PickupTZ         string `yaml:"pickup_tz"`
		Limits           struct {
			NameMaxLength  int `yaml:"name_max_length"`
			PhoneMinDigits int `yaml:"phone_min_digits"`
			PhoneMaxDigits int `yaml:"phone_max_digits"`
			BagCountMin    int `yaml:"bag_count_min"`
			BagCountMax    int `yaml:"bag_count_max"`
		} `yaml:"limits"`
	} `yaml:"jobs"`

	Geocoder struct {
		URL       string  `yaml:"url"`
		Countries string  `yaml:"countries"`
		RPS       float64 `yaml:"rps"`
	} `yaml:"geocoder"`

	OSRMURL           string  `yaml:"osrm_url"`
	CountdownInterval string  `yaml:"countdown_interval"`
	NearbyRadiusM     float64 `yaml:"nearby_radius_m"`
	NearbyLimit       int     `yaml:"nearby_limit"`
	LogLevel          string  `yaml:"log_level"`
}

func applyFile(cfg *ServerConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	var errs []error
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, key, v string) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s in %s: %w", key, path, err))
			return
		}
		*dst = d
	}

	str(&cfg.HTTPAddr, fc.HTTP.Addr)
	dur(&cfg.ReadTimeout, "http.read_timeout", fc.HTTP.ReadTimeout)
	dur(&cfg.WriteTimeout, "http.write_timeout", fc.HTTP.WriteTimeout)
	dur(&cfg.IdleTimeout, "http.idle_timeout", fc.HTTP.IdleTimeout)
	dur(&cfg.ShutdownTimeout, "http.shutdown_timeout", fc.HTTP.ShutdownTimeout)

	str(&cfg.PGDSN, fc.Store.PGDSN)
	if fc.Store.PGDSN != "" {
		cfg.StoreDriver = "postgres"
	}
	str(&cfg.StoreDriver, fc.Store.Driver)
	str(&cfg.SQLiteDir, fc.Store.SQLiteDir)
	cfg.RunMigrations = cfg.RunMigrations || fc.Store.RunMigrations

	str(&cfg.RedisAddr, fc.Redis.Addr)
	str(&cfg.RedisPassword, fc.Redis.Password)
	str(&cfg.RedisGeoKey, fc.Redis.GeoKey)
	if len(fc.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = fc.Kafka.Brokers
	}
	str(&cfg.KafkaTopic, fc.Kafka.Topic)

	num(&cfg.PricePerBag, fc.Jobs.PricePerBag)
	str(&cfg.CompletionPolicy, fc.Jobs.CompletionPolicy)
	if fc.Jobs.PickupTZ != "" {
		loc, err := time.LoadLocation(fc.Jobs.PickupTZ)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid jobs.pickup_tz in %s: %w", path, err))
		} else {
			cfg.PickupZone = loc
		}
	}
	num(&cfg.Limits.NameMaxLength, fc.Jobs.Limits.NameMaxLength)
	num(&cfg.Limits.PhoneMinDigits, fc.Jobs.Limits.PhoneMinDigits)
	num(&cfg.Limits.PhoneMaxDigits, fc.Jobs.Limits.PhoneMaxDigits)
	num(&cfg.Limits.BagCountMin, fc.Jobs.Limits.BagCountMin)
	num(&cfg.Limits.BagCountMax, fc.Jobs.Limits.BagCountMax)

	str(&cfg.GeocoderURL, fc.Geocoder.URL)
	str(&cfg.GeocoderCountries, fc.Geocoder.Countries)
	if fc.Geocoder.RPS != 0 {
		cfg.GeocoderRPS = fc.Geocoder.RPS
	}
	str(&cfg.OSRMURL, fc.OSRMURL)
	dur(&cfg.CountdownInterval, "countdown_interval", fc.CountdownInterval)
	if fc.NearbyRadiusM != 0 {
		cfg.NearbyRadiusM = fc.NearbyRadiusM
	}
	num(&cfg.NearbyLimit, fc.NearbyLimit)
	str(&cfg.LogLevel, fc.LogLevel)

	return errors.Join(errs...)
}
