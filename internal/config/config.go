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

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	TrackingInterval    time.Duration
	TrackingTickTimeout time.Duration
	SearchRadiusMeters  float64
	StaleAfter          time.Duration
	PickupSpeedKmh      float64
	TripSpeedKmh        float64

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration

	AMQPURL          string
	AMQPExchange     string
	FirebaseProject  string
	FirebaseCredFile string
	WebhookURL       string
	StripeAPIKey     string

	JWTSecret string
	JWTIssuer string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaTopic:          "driver-locations",
		TrackingInterval:    5 * time.Second,
		TrackingTickTimeout: 4 * time.Second,
		SearchRadiusMeters:  5000,
		StaleAfter:          30 * time.Second,
		PickupSpeedKmh:      25,
		TripSpeedKmh:        40,
		RouteCacheTTL:       time.Minute,
		AMQPExchange:        "ride.events",
		JWTIssuer:           "ride-dispatch",
		LogLevel:            "info",
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.TrackingInterval, "TRACKING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TrackingTickTimeout, "TRACKING_TICK_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.SearchRadiusMeters, "SEARCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "LOCATION_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.PickupSpeedKmh, "PICKUP_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.TripSpeedKmh, "TRIP_SPEED_KMH", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setStringFromEnv(&cfg.FirebaseProject, "FIREBASE_PROJECT_ID")
	setStringFromEnv(&cfg.FirebaseCredFile, "FIREBASE_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.TrackingInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_INTERVAL must be > 0"))
	}
	if cfg.TrackingTickTimeout <= 0 || cfg.TrackingTickTimeout > cfg.TrackingInterval {
		errs = append(errs, fmt.Errorf("TRACKING_TICK_TIMEOUT must be > 0 and <= TRACKING_INTERVAL"))
	}
	if cfg.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS must be > 0"))
	}
	if cfg.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_STALE_AFTER must be > 0"))
	}
	if cfg.PickupSpeedKmh <= 0 || cfg.TripSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("PICKUP_SPEED_KMH and TRIP_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location ingest worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	ApplyAttempts int
	ApplyDelay    time.Duration

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "location-ingest",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		ApplyAttempts: 3,
		ApplyDelay:    200 * time.Millisecond,
		MetricsAddr:   ":2112",
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.ApplyAttempts, "INGEST_APPLY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ApplyDelay, "INGEST_APPLY_DELAY", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ApplyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_APPLY_ATTEMPTS must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
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
