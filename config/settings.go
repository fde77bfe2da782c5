package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// TxRetrySettings bounds the retry loop around ledger transactions that hit
// a deadlock or lock-wait timeout.
//
// Set via env:
// - TX_RETRY_MAX_ATTEMPTS (default 5)
// - TX_RETRY_BASE_BACKOFF_MS (default 20)
// - TX_RETRY_MAX_BACKOFF_MS (default 1000)
type TxRetrySettings struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func GetTxRetrySettings() TxRetrySettings {
	return TxRetrySettings{
		MaxAttempts: positiveIntFromEnv("TX_RETRY_MAX_ATTEMPTS", 5),
		BaseBackoff: time.Duration(positiveIntFromEnv("TX_RETRY_BASE_BACKOFF_MS", 20)) * time.Millisecond,
		MaxBackoff:  time.Duration(positiveIntFromEnv("TX_RETRY_MAX_BACKOFF_MS", 1000)) * time.Millisecond,
	}
}

// Backoff returns base * 2^(attempt-1), capped.
func (s TxRetrySettings) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return s.BaseBackoff
	}
	delay := time.Duration(float64(s.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > s.MaxBackoff {
		return s.MaxBackoff
	}
	return delay
}

type RecurringSettings struct {
	ScanCron          string
	JobsPerMinute     int
	ScanBatchSize     int
	WorkerConcurrency int
	JobsTopic         string
	JobsSubscription  string
}

// GetRecurringSettings reads RECURRING_* env vars.
func GetRecurringSettings() RecurringSettings {
	cron := strings.TrimSpace(os.Getenv("RECURRING_SCAN_CRON"))
	if cron == "" {
		cron = "0 0 * * *"
	}
	return RecurringSettings{
		ScanCron:          cron,
		JobsPerMinute:     positiveIntFromEnv("RECURRING_JOBS_PER_MINUTE", 10),
		ScanBatchSize:     positiveIntFromEnv("RECURRING_SCAN_BATCH_SIZE", 500),
		WorkerConcurrency: positiveIntFromEnv("RECURRING_WORKER_CONCURRENCY", 10),
		JobsTopic:         stringFromEnv("RECURRING_JOBS_TOPIC", "recurring-transaction-jobs"),
		JobsSubscription:  stringFromEnv("RECURRING_JOBS_SUBSCRIPTION", "recurring-transaction-jobs-sub"),
	}
}

func ChangeEventsTopic() string {
	return stringFromEnv("CHANGE_EVENTS_TOPIC", "ledger-change-events")
}

// BoolFromEnv treats 1/true/yes/y as true.
func BoolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func positiveIntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
