package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Server
	Env  string
	Port string

	// Database
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBTxMaxRetry  int
	MigrationsDir string

	// JWT
	JWTSecret string

	// Scheduler endpoints (X-API-Key)
	SchedulerAPIKey string

	// External ledger
	LedgerAPIURL        string
	LedgerAPIToken      string
	LedgerTimeout       time.Duration
	LedgerRetryBase     time.Duration
	LedgerRetryMaxDelay time.Duration
	LedgerLeaseDuration time.Duration

	// Transfer workflow
	TransferRejectionLimit           int
	TransferRequireFourEyes          bool
	LedgerFailureEscalationThreshold int

	// Audit trail
	AuditMaxEmitFailures int
	AuditRetention       time.Duration
	AuditEmitParallelism int

	// Event sink
	EventSink              string
	KafkaBrokers           []string
	KafkaTopic             string
	// KafkaTopicPartitions of 0 leaves topic creation to the cluster.
	KafkaTopicPartitions   int
	KafkaReplicationFactor int
	RedisAddr              string
	RedisPassword          string
	RedisStreamKey         string

	// Background workers
	RunBackgroundJobs  bool
	OutboxInterval     time.Duration
	OutboxBatchSize    int
	AuditEmitInterval  time.Duration
	AuditEmitBatchSize int
	AuditPruneInterval time.Duration
	AuditPruneBatch    int
	VerifyInterval     time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if not already loaded
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	config := &Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "captable"),
		DBPassword:    getEnv("DB_PASSWORD", "captable"),
		DBName:        getEnv("DB_NAME", "captable"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		DBTxMaxRetry:  getEnvInt("DB_TX_MAX_RETRIES", 5),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		JWTSecret:       getEnv("JWT_SECRET", "fallback-secret-key-for-dev-only"),
		SchedulerAPIKey: getEnv("SCHEDULER_API_KEY", ""),

		LedgerAPIURL:        getEnv("LEDGER_API_URL", "http://localhost:3068"),
		LedgerAPIToken:      getEnv("LEDGER_API_TOKEN", ""),
		LedgerTimeout:       getEnvDuration("LEDGER_TIMEOUT", 10*time.Second),
		LedgerRetryBase:     getEnvDuration("LEDGER_RETRY_BASE_DELAY", 5*time.Second),
		LedgerRetryMaxDelay: getEnvDuration("LEDGER_RETRY_MAX_BACKOFF", 10*time.Minute),
		LedgerLeaseDuration: getEnvDuration("LEDGER_LEASE_DURATION", time.Minute),

		TransferRejectionLimit:           getEnvInt("TRANSFER_REJECTION_LIMIT", 2),
		TransferRequireFourEyes:          getEnvBool("TRANSFER_REQUIRE_FOUR_EYES", true),
		LedgerFailureEscalationThreshold: getEnvInt("LEDGER_FAILURE_ESCALATION_THRESHOLD", 3),

		AuditMaxEmitFailures: getEnvInt("AUDIT_MAX_EMIT_FAILURES", 10),
		AuditRetention:       getEnvDuration("AUDIT_RETENTION", 7*365*24*time.Hour),
		AuditEmitParallelism: getEnvInt("AUDIT_EMIT_PARALLELISM", 4),

		EventSink:              getEnv("EVENT_SINK", "log"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:             getEnv("KAFKA_AUDIT_TOPIC", "captable.audit"),
		KafkaTopicPartitions:   getEnvInt("KAFKA_AUDIT_TOPIC_PARTITIONS", 3),
		KafkaReplicationFactor: getEnvInt("KAFKA_AUDIT_TOPIC_REPLICATION", 1),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisStreamKey:         getEnv("REDIS_AUDIT_STREAM", "captable:audit"),

		RunBackgroundJobs:  getEnvBool("RUN_BACKGROUND_JOBS", true),
		OutboxInterval:     getEnvDuration("OUTBOX_INTERVAL", 5*time.Second),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 20),
		AuditEmitInterval:  getEnvDuration("AUDIT_EMIT_INTERVAL", 10*time.Second),
		AuditEmitBatchSize: getEnvInt("AUDIT_EMIT_BATCH_SIZE", 100),
		AuditPruneInterval: getEnvDuration("AUDIT_PRUNE_INTERVAL", 24*time.Hour),
		AuditPruneBatch:    getEnvInt("AUDIT_PRUNE_BATCH_SIZE", 1000),
		VerifyInterval:     getEnvDuration("OWNERSHIP_VERIFY_INTERVAL", time.Hour),
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Printf("Warning: invalid %s value '%s', falling back to %d\n", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Printf("Warning: invalid %s value '%s', falling back to %s\n", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Warning: invalid %s value '%s', falling back to %t\n", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
