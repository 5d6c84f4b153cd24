package expiry

import (
	"time"

	"github.com/smallbiznis/tokenledger/internal/config"
)

// Config controls the quota expiry sweep.
type Config struct {
	PollInterval time.Duration
	RunTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		RunTimeout:   30 * time.Second,
	}
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		PollInterval: cfg.Subscription.ExpiryInterval,
		RunTimeout:   cfg.Subscription.ExpiryTimeout,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}
