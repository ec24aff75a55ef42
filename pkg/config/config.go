// Package config holds the tunable protocol-timing and transport
// options the engine is constructed with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusInitStrategy selects the K-Line bus initialization handshake.
type BusInitStrategy string

const (
	FiveBaud BusInitStrategy = "five_baud"
	FastInit BusInitStrategy = "fast"
)

// Config is the full set of options the diagnostic engine accepts.
// Zero value is invalid; use Default() and override selectively.
type Config struct {
	P2TimeoutMs        int             `yaml:"p2_timeout_ms"`
	P2StarTimeoutMs    int             `yaml:"p2_star_timeout_ms"`
	P3MinMs            int             `yaml:"p3_min_ms"`
	S3ClientMs         int             `yaml:"s3_client_ms"`
	IsoTpMaxLen        int             `yaml:"isotp_max_len"`
	ResponsePendingMax int             `yaml:"response_pending_max"`
	MinSpinUs          int             `yaml:"min_spin_us"`
	SleepSlackMs       int             `yaml:"sleep_slack_ms"`
	BusInitStrategy    BusInitStrategy `yaml:"bus_init_strategy"`
}

// Default returns the standard ISO 14230 timing defaults.
func Default() Config {
	return Config{
		P2TimeoutMs:        50,
		P2StarTimeoutMs:    5000,
		P3MinMs:            55,
		S3ClientMs:         2000,
		IsoTpMaxLen:        4095,
		ResponsePendingMax: 10,
		MinSpinUs:          500,
		SleepSlackMs:       2,
		BusInitStrategy:    FiveBaud,
	}
}

// Load reads a YAML config file, starting from Default() and letting
// the file override individual fields; a missing file is not an
// error — Default() alone is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, &Error{Reason: "read " + path, Err: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &Error{Reason: "parse " + path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Error is a fatal configuration error, raised at startup.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Validate rejects option combinations that would make the protocol
// implementation incoherent.
func (c Config) Validate() error {
	if c.P2TimeoutMs <= 0 {
		return &Error{Reason: "p2_timeout_ms must be positive"}
	}
	if c.P2StarTimeoutMs <= 0 {
		return &Error{Reason: "p2_star_timeout_ms must be positive"}
	}
	if c.P3MinMs < 0 {
		return &Error{Reason: "p3_min_ms must not be negative"}
	}
	if c.S3ClientMs <= 0 {
		return &Error{Reason: "s3_client_ms must be positive"}
	}
	if c.IsoTpMaxLen <= 0 || c.IsoTpMaxLen > 0xFFF {
		return &Error{Reason: "isotp_max_len must be in 1..4095"}
	}
	if c.ResponsePendingMax <= 0 {
		return &Error{Reason: "response_pending_max must be positive"}
	}
	if c.MinSpinUs <= 0 {
		return &Error{Reason: "min_spin_us must be positive"}
	}
	switch c.BusInitStrategy {
	case FiveBaud, FastInit:
	default:
		return &Error{Reason: "bus_init_strategy must be five_baud or fast"}
	}
	return nil
}

func (c Config) P2() time.Duration       { return time.Duration(c.P2TimeoutMs) * time.Millisecond }
func (c Config) P2Star() time.Duration   { return time.Duration(c.P2StarTimeoutMs) * time.Millisecond }
func (c Config) P3Min() time.Duration    { return time.Duration(c.P3MinMs) * time.Millisecond }
func (c Config) S3Client() time.Duration { return time.Duration(c.S3ClientMs) * time.Millisecond }
func (c Config) KeepaliveAt() time.Duration {
	return time.Duration(float64(c.S3ClientMs)*0.75) * time.Millisecond
}
