package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Sources and upstream access.
	ProxyBaseURL string
	SourcesFile  string
	Sources      []domain.Source
	FetchTimeout time.Duration
	ProbeTimeout time.Duration

	// Verification scheduling and thresholds.
	VerifyInterval    time.Duration
	ReprobeInterval   time.Duration
	HistorySize       int
	RequiredAgreement float64
	CacheTTL          time.Duration

	// Kafka sink and live feed.
	KafkaEnabled          bool
	KafkaBrokers          []string
	KafkaResultsTopic     string
	KafkaDiscrepancyTopic string
	KafkaLiveTopic        string
	KafkaGroupID          string

	// Optional NATS notifications and Redis reliability persistence.
	NATSURL   string
	RedisAddr string

	// Mapbox reverse geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		ProxyBaseURL: strings.TrimRight(sharedcfg.EnvOrDefault("PROXY_BASE_URL", "http://localhost:3000"), "/"),
		SourcesFile:  os.Getenv("SOURCES_FILE"),

		KafkaEnabled:          os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:          sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaResultsTopic:     sharedcfg.EnvOrDefault("KAFKA_RESULTS_TOPIC", "quake-verification-results"),
		KafkaDiscrepancyTopic: sharedcfg.EnvOrDefault("KAFKA_DISCREPANCY_TOPIC", "quake-discrepancies"),
		KafkaLiveTopic:        os.Getenv("KAFKA_LIVE_TOPIC"),
		KafkaGroupID:          sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "quake-consensus"),

		NATSURL:   os.Getenv("NATS_URL"),
		RedisAddr: os.Getenv("REDIS_ADDR"),

		MapboxToken:     os.Getenv("MAPBOX_TOKEN"),
		MapboxCacheSize: parsePositiveInt("MAPBOX_CACHE_SIZE", 1000),
	}

	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = parseDuration("PROBE_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.VerifyInterval, err = parseDuration("VERIFY_INTERVAL", "60s"); err != nil {
		return nil, err
	}
	if cfg.ReprobeInterval, err = parseDuration("REPROBE_INTERVAL", "10m"); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", "1h"); err != nil {
		return nil, err
	}
	if cfg.MapboxTimeout, err = parseDuration("MAPBOX_TIMEOUT", "5s"); err != nil {
		return nil, err
	}

	cfg.HistorySize, err = parseInt("HISTORY_SIZE", 100)
	if err != nil {
		return nil, err
	}
	cfg.RequiredAgreement, err = parseUnitFloat("REQUIRED_AGREEMENT", 0.6)
	if err != nil {
		return nil, err
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}

	if cfg.SourcesFile != "" {
		cfg.Sources, err = LoadSources(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg.Sources = DefaultSources()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProxyBaseURL == "" {
		return errors.New("PROXY_BASE_URL is required")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source must be configured (SOURCES_FILE)")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if c.KafkaResultsTopic == "" || c.KafkaDiscrepancyTopic == "" {
			return errors.New("KAFKA_RESULTS_TOPIC and KAFKA_DISCREPANCY_TOPIC are required when KAFKA_ENABLED is true")
		}
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	return nil
}

func parseDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parseInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", name)
	}
	return n, nil
}

func parseUnitFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > 1 {
		return 0, fmt.Errorf("invalid %s: must be in (0, 1]", name)
	}
	return v, nil
}

func parsePositiveInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
