package threat

import (
	"time"

	"github.com/org/authcore/internal/core"
)

// Config holds the detection thresholds and sweep schedule. It can be
// replaced at runtime with Engine.UpdateConfig.
type Config struct {
	BruteForceWindow    time.Duration `yaml:"brute_force_window"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	RateWindow          time.Duration `yaml:"rate_window"`
	RateThreshold       int           `yaml:"rate_threshold"`
	ExfiltrationRecords int           `yaml:"exfiltration_records"`

	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	ActionAttempts int           `yaml:"action_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`

	MaxProfileAddresses int `yaml:"max_profile_addresses"`
	MaxProfileClients   int `yaml:"max_profile_clients"`
	MaxEvents           int `yaml:"max_events"`
}

func DefaultConfig() Config {
	return Config{
		BruteForceWindow:    15 * time.Minute,
		BruteForceThreshold: 5,
		RateWindow:          time.Minute,
		RateThreshold:       100,
		ExfiltrationRecords: 1000,
		Retention:           30 * 24 * time.Hour,
		SweepInterval:       time.Minute,
		ActionAttempts:      3,
		RetryBackoff:        100 * time.Millisecond,
		MaxProfileAddresses: 10,
		MaxProfileClients:   5,
		MaxEvents:           10000,
	}
}

// Validate rejects thresholds and durations that would disable detection.
func (c Config) Validate() error {
	switch {
	case c.BruteForceWindow <= 0 || c.RateWindow <= 0:
		return core.E(core.KindConfigInvalid, "threat", "detection windows must be positive")
	case c.BruteForceThreshold < 1 || c.RateThreshold < 1:
		return core.E(core.KindConfigInvalid, "threat", "detection thresholds must be at least 1")
	case c.Retention < c.BruteForceWindow || c.Retention < c.RateWindow:
		return core.E(core.KindConfigInvalid, "threat", "retention must cover the detection windows")
	case c.SweepInterval <= 0:
		return core.E(core.KindConfigInvalid, "threat", "sweep interval must be positive")
	case c.ActionAttempts < 1:
		return core.E(core.KindConfigInvalid, "threat", "action attempts must be at least 1")
	case c.RetryBackoff < 0:
		return core.E(core.KindConfigInvalid, "threat", "retry backoff must not be negative")
	case c.MaxProfileAddresses < 1 || c.MaxProfileClients < 1:
		return core.E(core.KindConfigInvalid, "threat", "profile bounds must be at least 1")
	}
	return nil
}
