package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the driver process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaBookingTopic  string
	KafkaRequestTopic  string
	KafkaEventsTopic   string
	KafkaLocationTopic string
	KafkaGroup         string

	PGDSN         string
	RunMigrations bool

	OSRMEndpoint string
	JWTSecret    string

	MaxQueueDepth        int
	InitialPhase         time.Duration
	SecondChancePhase    time.Duration
	GatewayTimeout       time.Duration
	RouteTimeout         time.Duration
	RouteDeviationMeters float64
	RouteCacheTTL        time.Duration
	SweepInterval        time.Duration

	StripeAPIKey string
	FCMEndpoint  string
	FCMKey       string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaBookingTopic:    "booking-snapshots",
		KafkaRequestTopic:    "ride-requests",
		KafkaEventsTopic:     "booking-events",
		KafkaLocationTopic:   "driver-locations",
		KafkaGroup:           "ride-queue",
		OSRMEndpoint:         "http://localhost:5000",
		MaxQueueDepth:        5,
		InitialPhase:         30 * time.Second,
		SecondChancePhase:    180 * time.Second,
		GatewayTimeout:       5 * time.Second,
		RouteTimeout:         5 * time.Second,
		RouteDeviationMeters: 75,
		RouteCacheTTL:        30 * time.Minute,
		SweepInterval:        30 * time.Second,
		LogLevel:             "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaBookingTopic, "KAFKA_BOOKING_TOPIC")
	setStringFromEnv(&cfg.KafkaRequestTopic, "KAFKA_REQUEST_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.MaxQueueDepth, "MAX_QUEUE_DEPTH", &errs)
	setDurationFromEnv(&cfg.InitialPhase, "REQUEST_INITIAL_PHASE", &errs)
	setDurationFromEnv(&cfg.SecondChancePhase, "REQUEST_SECOND_CHANCE_PHASE", &errs)
	setDurationFromEnv(&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.RouteDeviationMeters, "ROUTE_DEVIATION_METERS", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("MAX_QUEUE_DEPTH must be > 0"))
	}
	if cfg.InitialPhase <= 0 || cfg.SecondChancePhase <= cfg.InitialPhase {
		errs = append(errs, fmt.Errorf("REQUEST_SECOND_CHANCE_PHASE must be greater than REQUEST_INITIAL_PHASE"))
	}
	if cfg.GatewayTimeout <= 0 || cfg.RouteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUT and ROUTE_TIMEOUT must be > 0"))
	}
	if cfg.RouteDeviationMeters <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_DEVIATION_METERS must be > 0"))
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
