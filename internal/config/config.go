package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	AutoMigrate bool

	// Timezone decides which calendar day a ticket belongs to.
	Timezone string

	MaxTicketNumber int
	HeartbeatGrace  time.Duration
	LockTimeout     time.Duration

	SessionOpenSpec  string
	SessionCloseSpec string
	SweepInterval    time.Duration
	SweepOlderThan   time.Duration
	SweepBatchSize   int

	RateLimitPerMinute int
	RateLimitBurst     int

	RealtimePollInterval time.Duration
	RealtimeBatchSize    int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		AutoMigrate: readBool("AUTO_MIGRATE", false),

		Timezone: os.Getenv("TIMEZONE"),

		MaxTicketNumber: readInt("MAX_TICKET_NUMBER", 500),
		HeartbeatGrace:  readDurationSeconds("HEARTBEAT_GRACE_SECONDS", 1800),
		LockTimeout:     readDurationSeconds("LOCK_TIMEOUT_SECONDS", 3),

		SessionOpenSpec:  readString("SESSION_OPEN_CRON", "0 1 * * *"),
		SessionCloseSpec: readString("SESSION_CLOSE_CRON", "0 22 * * *"),
		SweepInterval:    readDurationSeconds("SWEEP_INTERVAL_SECONDS", 600),
		SweepOlderThan:   readDurationSeconds("SWEEP_OLDER_THAN_SECONDS", 86400),
		SweepBatchSize:   readInt("SWEEP_BATCH_SIZE", 100),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),

		RealtimePollInterval: readDurationSeconds("REALTIME_POLL_SECONDS", 1),
		RealtimeBatchSize:    readInt("REALTIME_BATCH_SIZE", 100),
	}
}

// Location resolves the configured timezone, falling back to UTC when the
// name is empty or unknown.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("config: unknown timezone %q, using UTC", c.Timezone)
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
