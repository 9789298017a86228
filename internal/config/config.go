package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	TenantID              string
	CatalogTTLSeconds     int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	// Terminal-side settings.
	ServerURL             string
	TerminalListenAddr    string
	QueuePath             string
	QueueMaxPending       int
	TerminalUsername      string
	TerminalPassword      string
	SyncIntervalSeconds   int
	SyncMaxAttempts       int
	SyncItemTimeoutSecs   int
	SyncBackoffInitialMS  int
	SyncBackoffCapSeconds int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		TenantID:              getEnv("DEFAULT_TENANT_ID", "main-tenant"),
		CatalogTTLSeconds:     getEnvInt("CATALOG_TTL_SECONDS", 30),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		ServerURL:             getEnv("SERVER_URL", "http://127.0.0.1:8080"),
		TerminalListenAddr:    getEnv("TERMINAL_LISTEN_ADDR", "127.0.0.1:7070"),
		QueuePath:             getEnv("QUEUE_PATH", "swiftpos-queue.db"),
		QueueMaxPending:       getEnvInt("QUEUE_MAX_PENDING", 1000),
		TerminalUsername:      os.Getenv("TERMINAL_USERNAME"),
		TerminalPassword:      os.Getenv("TERMINAL_PASSWORD"),
		SyncIntervalSeconds:   getEnvInt("SYNC_INTERVAL_SECONDS", 30),
		SyncMaxAttempts:       getEnvInt("SYNC_MAX_ATTEMPTS", 8),
		SyncItemTimeoutSecs:   getEnvInt("SYNC_ITEM_TIMEOUT_SECONDS", 10),
		SyncBackoffInitialMS:  getEnvInt("SYNC_BACKOFF_INITIAL_MS", 1000),
		SyncBackoffCapSeconds: getEnvInt("SYNC_BACKOFF_CAP_SECONDS", 30),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
