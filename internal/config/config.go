package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
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

	SearchTTL       time.Duration
	SweepInterval   time.Duration
	SearchRetention time.Duration

	WorkerPoolSize  int
	WorkerQueueSize int

	GridCellDegrees     float64
	MatcherTopN         int
	DefaultRadiusMeters float64
	MaxRadiusMeters     float64

	StoreBackend  string
	PGDSN         string
	RunMigrations bool
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PushEndpoint string
	CORSOrigins  []string

	LogLevel  string
	LogFormat string
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		SearchTTL:           30 * time.Second,
		SweepInterval:       5 * time.Second,
		SearchRetention:     10 * time.Minute,
		WorkerPoolSize:      8,
		WorkerQueueSize:     256,
		GridCellDegrees:     0.05,
		MatcherTopN:         20,
		DefaultRadiusMeters: 3000,
		MaxRadiusMeters:     50000,
		StoreBackend:        BackendMemory,
		MongoDatabase:       "proximity",
		RedisGeoKey:         "participants_geo",
		KafkaTopic:          "participant-presence",
		CORSOrigins:         []string{"*"},
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.SearchTTL, "SEARCH_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SearchRetention, "SEARCH_RETENTION", &errs)

	setIntFromEnv(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE", &errs)
	setIntFromEnv(&cfg.WorkerQueueSize, "WORKER_QUEUE_SIZE", &errs)

	setFloatFromEnv(&cfg.GridCellDegrees, "GRID_CELL_DEGREES", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.DefaultRadiusMeters, "DEFAULT_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.MaxRadiusMeters, "MAX_RADIUS_METERS", &errs)

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	positive := []struct {
		key string
		ok  bool
	}{
		{"SEARCH_TTL", c.SearchTTL > 0},
		{"SWEEP_INTERVAL", c.SweepInterval > 0},
		{"SEARCH_RETENTION", c.SearchRetention > 0},
		{"WORKER_POOL_SIZE", c.WorkerPoolSize > 0},
		{"WORKER_QUEUE_SIZE", c.WorkerQueueSize > 0},
		{"GRID_CELL_DEGREES", c.GridCellDegrees > 0 && c.GridCellDegrees <= 90},
		{"MATCHER_TOP_N", c.MatcherTopN > 0},
		{"DEFAULT_RADIUS_METERS", c.DefaultRadiusMeters > 0},
		{"MAX_RADIUS_METERS", c.MaxRadiusMeters > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if c.DefaultRadiusMeters > c.MaxRadiusMeters {
		errs = append(errs, fmt.Errorf("DEFAULT_RADIUS_METERS (%v) exceeds MAX_RADIUS_METERS (%v)", c.DefaultRadiusMeters, c.MaxRadiusMeters))
	}
	if c.SearchRetention < c.SearchTTL {
		errs = append(errs, fmt.Errorf("SEARCH_RETENTION must be >= SEARCH_TTL"))
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for STORE_BACKEND=postgres"))
		}
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, fmt.Errorf("MONGO_URI is required for STORE_BACKEND=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errs
}

// ConsumerConfig configures the presence consumer that mirrors Kafka events into Redis.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "participant-presence",
		KafkaGroup:   "presence-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "participants_geo",
		MetricsAddr:  ":9091",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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
