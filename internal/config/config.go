package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-level settings, sourced from
// IRIS_-prefixed environment variables.
type Config struct {
	Addr               string
	DBPath             string
	CacheSizePerAgent  int
	BatchSize          int
	BatchTimeout       time.Duration
	ChannelCapacity    int
	MaxRecordsPerAgent int
	RetentionDays      int
	CleanupInterval    time.Duration
	EnableCleanup      bool
}

func Load() Config {
	return Config{
		Addr:               getenv("IRIS_ADDR", ":8080"),
		DBPath:             getenv("IRIS_DB_PATH", ""),
		CacheSizePerAgent:  getenvInt("IRIS_CACHE_SIZE_PER_AGENT", 100),
		BatchSize:          getenvInt("IRIS_BATCH_SIZE", 50),
		BatchTimeout:       getenvDuration("IRIS_BATCH_TIMEOUT", 5*time.Second),
		ChannelCapacity:    getenvInt("IRIS_CHANNEL_CAPACITY", 1000),
		MaxRecordsPerAgent: getenvInt("IRIS_MAX_RECORDS_PER_AGENT", 604800),
		RetentionDays:      getenvInt("IRIS_RETENTION_DAYS", 0),
		CleanupInterval:    getenvHours("IRIS_CLEANUP_INTERVAL_HOURS", 6*time.Hour),
		EnableCleanup:      getenvBool("IRIS_ENABLE_CLEANUP", true),
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

// getenvHours parses a bare integer hour count, matching
// IRIS_CLEANUP_INTERVAL_HOURS's documented units.
func getenvHours(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	hours, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return time.Duration(hours) * time.Hour
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}
