package config

import "time"

// Topics names the Kafka topic for each lifecycle event kind.
type Topics struct {
	Created     string
	Prioritized string
	Notified    string
	Changed     string
}

// Config holds runtime configuration for the metrics service.
type Config struct {
	Environment   string
	Addr          string
	LogLevel      string
	StorageDriver string
	DatabaseURL   string
	SQLitePath    string
	MigrationsDir string
	AutoMigrate   bool
	KafkaBrokers  []string
	KafkaGroupID  string
	KafkaTopics   Topics
	SweepInterval time.Duration
	SweepCron     string
	IngestToken   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseTTL      time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("METRICAS_ADDR", ":8080"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		StorageDriver: GetString("STORAGE_DRIVER", "memory"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://metricas:metricas@db:5432/metricas?sslmode=disable"),
		SQLitePath:    GetString("SQLITE_PATH", "metricas.db"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:   GetBool("AUTO_MIGRATE", true),
		KafkaBrokers:  GetStringSlice("KAFKA_BROKERS", nil),
		KafkaGroupID:  GetString("KAFKA_GROUP_ID", "metricas"),
		KafkaTopics: Topics{
			Created:     GetString("KAFKA_TOPIC_CREATED", "incidencias.creadas"),
			Prioritized: GetString("KAFKA_TOPIC_PRIORITIZED", "incidencias.priorizadas"),
			Notified:    GetString("KAFKA_TOPIC_NOTIFIED", "incidencias.notificadas"),
			Changed:     GetString("KAFKA_TOPIC_CHANGED", "incidencias.modificadas"),
		},
		SweepInterval: GetDuration("SWEEP_INTERVAL_SECONDS", 5*time.Minute),
		SweepCron:     GetString("SWEEP_CRON", ""),
		IngestToken:   GetString("INGEST_TOKEN", ""),
		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		LeaseTTL:      GetDuration("RECOMPUTE_LEASE_SECONDS", 30*time.Second),
	}
}
