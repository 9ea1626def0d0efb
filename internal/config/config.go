// Package config loads application configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Kafka KafkaConfig

	// HostLastSyncThreshold is how far behind (relative to the start of the
	// current day, UTC) a host's subscription-manager sync may be before its
	// rhsm facts are ignored during normalization.
	HostLastSyncThreshold time.Duration

	// CullingOffset is added to a host's stale timestamp; events for hosts
	// past that point are considered culled and dropped.
	CullingOffset time.Duration

	// UsageWindow is the marketplace lateness window. Usage whose billing
	// window starts before "start of current hour - UsageWindow" is rejected
	// as redundant rather than submitted.
	UsageWindow time.Duration

	// UsageContextLookupRetries bounds retries of usage-context lookups on
	// transient failure.
	UsageContextLookupRetries int

	// UseCPUSystemFactsForAllProducts opts every product into CPU-fact based
	// threads-per-core estimation instead of only the configured ones.
	UseCPUSystemFactsForAllProducts bool

	// DryRun logs marketplace requests without sending them.
	DryRun bool

	// AWSRegion selects the marketplace metering endpoint. Empty means the
	// in-memory marketplace fake (local development).
	AWSRegion string

	// FirstDayOfWeek controls weekly window boundaries.
	FirstDayOfWeek time.Weekday
}

// KafkaConfig holds broker and topic settings for the task queue.
type KafkaConfig struct {
	Brokers []string

	HostEventsTopic    string
	EventsTopic        string
	BillableUsageTopic string
	UsageStatusTopic   string

	ConsumerGroup string
	Partitions    int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterwatch"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterwatch"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		Kafka: KafkaConfig{
			Brokers:            splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			HostEventsTopic:    getenv("KAFKA_HOST_EVENTS_TOPIC", "platform.inventory.events"),
			EventsTopic:        getenv("KAFKA_EVENTS_TOPIC", "platform.metering.events"),
			BillableUsageTopic: getenv("KAFKA_BILLABLE_USAGE_TOPIC", "platform.metering.billable-usage-hourly-aggregate"),
			UsageStatusTopic:   getenv("KAFKA_USAGE_STATUS_TOPIC", "platform.metering.billable-usage-status"),
			ConsumerGroup:      getenv("KAFKA_CONSUMER_GROUP", "meterwatch"),
			Partitions:         getenvInt("KAFKA_PARTITIONS", 3),
		},

		HostLastSyncThreshold:           getenvDuration("HOST_LAST_SYNC_THRESHOLD", 24*time.Hour),
		CullingOffset:                   getenvDuration("CULLING_OFFSET", 14*24*time.Hour),
		UsageWindow:                     getenvDuration("MARKETPLACE_USAGE_WINDOW", 6*time.Hour),
		UsageContextLookupRetries:       getenvInt("USAGE_CONTEXT_LOOKUP_RETRIES", 3),
		UseCPUSystemFactsForAllProducts: getenvBool("USE_CPU_SYSTEM_FACTS_FOR_ALL_PRODUCTS", false),
		DryRun:                          getenvBool("ENABLE_MARKETPLACE_DRY_RUN", false),
		AWSRegion:                       getenv("AWS_REGION", ""),
		FirstDayOfWeek:                  weekdayFrom(getenv("FIRST_DAY_OF_WEEK", "sunday")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func weekdayFrom(raw string) time.Weekday {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)
