// Package config holds the knobs a host process feeds to a
// recoveryunit.Factory before it starts handing out recovery units.
// Full server option/flag/YAML parsing is a separate concern and lives
// outside this module; this is the one struct such a layer would populate.
package config

import (
	"github.com/BurntSushi/toml"
)

// Config controls recovery-unit-wide behavior that isn't per-transaction.
type Config struct {
	// SlowOpThresholdMs is the elapsed-time threshold, in milliseconds,
	// above which a closed transaction is logged at debug level together
	// with its snapshot id.
	SlowOpThresholdMs uint64 `toml:"slow-op-threshold-ms"`

	// OrderedCommitDefault seeds RecoveryUnit.orderedCommit on construction.
	// Every transaction close resets orderedCommit to true, whatever this
	// value is.
	OrderedCommitDefault bool `toml:"ordered-commit-default"`

	// SessionPoolSize bounds how many engine sessions the session cache
	// keeps warm between recovery units.
	SessionPoolSize int `toml:"session-pool-size"`

	// EnginePath is where the badger-backed engine stores its files.
	EnginePath string `toml:"engine-path"`
}

// DefaultConfig mirrors the defaults a host process would ship with.
func DefaultConfig() *Config {
	return &Config{
		SlowOpThresholdMs:    100,
		OrderedCommitDefault: true,
		SessionPoolSize:      16,
		EnginePath:           "",
	}
}

// Load decodes a TOML document into a Config seeded with DefaultConfig's
// values, so an incomplete document still yields sane behavior.
func Load(data string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
