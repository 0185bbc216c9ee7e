package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var policyValidator = validator.New()

// PolicyConfig gates enforcement for a reservation. It is passed into every
// CheckAndReserve call instead of being read from process-wide state.
type PolicyConfig struct {
	// DailyHardLimit rejects requests once exceeded. 0 disables it.
	DailyHardLimit int64 `json:"daily_hard_limit" validate:"gte=0"`
	// DailySoftLimit only logs a warning. 0 disables it.
	DailySoftLimit int64 `json:"daily_soft_limit" validate:"gte=0"`
	// CreditPackEnforcementEnabled lets the credit pack cover usage once the
	// allowance and purchased tokens are exhausted.
	CreditPackEnforcementEnabled bool `json:"credit_pack_enforcement_enabled"`
	// BypassAllEnforcement allows trusted traffic without billing. The daily
	// guard still applies.
	BypassAllEnforcement bool `json:"bypass_all_enforcement"`
}

// Validate checks limit consistency.
func (p PolicyConfig) Validate() error {
	if err := policyValidator.Struct(p); err != nil {
		return fmt.Errorf("daily limits must not be negative: %w", err)
	}
	if p.DailyHardLimit > 0 && p.DailySoftLimit > p.DailyHardLimit {
		return fmt.Errorf("daily soft limit %d exceeds hard limit %d", p.DailySoftLimit, p.DailyHardLimit)
	}
	return nil
}

// EngineConfig holds the transactional tuning of the billing engine.
type EngineConfig struct {
	LockTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	RetryMaxTries        uint
	// Location defines the calendar day used by the daily guard and resets.
	Location *time.Location
	// StaleEventAfter is how long an unprocessed event waits before the sweep retries it.
	StaleEventAfter time.Duration
	// Cron expressions for the maintenance sweeps. Empty disables a sweep.
	ResetSchedule      string
	EventSweepSchedule string
	SweepBatchSize     int
}

func LoadPolicyConfig() PolicyConfig {
	return PolicyConfig{
		DailyHardLimit:               int64(getEnvAsInt("POLICY_DAILY_HARD_LIMIT", 500)),
		DailySoftLimit:               int64(getEnvAsInt("POLICY_DAILY_SOFT_LIMIT", 400)),
		CreditPackEnforcementEnabled: getEnvAsBool("POLICY_CREDIT_PACK_ENFORCEMENT", false),
		BypassAllEnforcement:         getEnvAsBool("POLICY_BYPASS_ALL_ENFORCEMENT", false),
	}
}

func LoadEngineConfig() *EngineConfig {
	loc, err := time.LoadLocation(getEnv("BILLING_TIMEZONE", "Local"))
	if err != nil {
		loc = time.Local
	}
	return &EngineConfig{
		LockTimeout:          getEnvAsDuration("BILLING_LOCK_TIMEOUT", 500*time.Millisecond),
		RetryInitialInterval: getEnvAsDuration("BILLING_RETRY_INITIAL_INTERVAL", 50*time.Millisecond),
		RetryMaxElapsed:      getEnvAsDuration("BILLING_RETRY_MAX_ELAPSED", 3*time.Second),
		RetryMaxTries:        uint(getEnvAsInt("BILLING_RETRY_MAX_TRIES", 5)),
		Location:             loc,
		StaleEventAfter:      getEnvAsDuration("BILLING_STALE_EVENT_AFTER", 5*time.Minute),
		ResetSchedule:        getEnv("SWEEP_RESET_SCHEDULE", "15 0 * * *"),
		EventSweepSchedule:   getEnv("SWEEP_EVENTS_SCHEDULE", "*/5 * * * *"),
		SweepBatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 200),
	}
}

// DefaultEngineConfig is used by tests and tools that do not read the environment.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		LockTimeout:          500 * time.Millisecond,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxElapsed:      3 * time.Second,
		RetryMaxTries:        5,
		Location:             time.UTC,
		StaleEventAfter:      5 * time.Minute,
		SweepBatchSize:       200,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
