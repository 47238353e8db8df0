// Package config loads runtime configuration: an optional YAML file as the
// base layer, environment variables on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
)

// Config holds node configuration.
type Config struct {
	// Root is the directory holding per-agent databases and the keystore.
	Root string `yaml:"tap_root"`
	// SecurityMode constrains inbound envelope modes:
	// require_signed, require_encrypted, or any.
	SecurityMode string `yaml:"security_mode_policy"`
	// DeliveryRetryCap bounds send attempts per delivery.
	DeliveryRetryCap int `yaml:"delivery_retry_cap"`
	// ExternalDecisionExec, when set, spawns the external decision process.
	ExternalDecisionExec string `yaml:"external_decision_exec"`
	// ExternalDecisionSubscribe is decisions or all.
	ExternalDecisionSubscribe string `yaml:"external_decision_subscribe"`
	// HTTPAddr is the ingress listen address.
	HTTPAddr string `yaml:"http_addr"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
	// KeystorePassphrase unseals the on-disk keystore.
	KeystorePassphrase string `yaml:"-"`
	// SweepInterval is the expiry sweeper cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads the YAML file at path (if non-empty) and overlays environment
// variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Root:                      defaultRoot(),
		SecurityMode:              string(didcomm.PolicyRequireSigned),
		DeliveryRetryCap:          5,
		ExternalDecisionSubscribe: "decisions",
		HTTPAddr:                  ":8320",
		LogLevel:                  "info",
		SweepInterval:             30 * time.Second,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlay(&cfg.Root, "TAP_ROOT")
	overlay(&cfg.SecurityMode, "TAP_SECURITY_MODE")
	overlay(&cfg.ExternalDecisionExec, "TAP_EXTERNAL_DECISION_EXEC")
	overlay(&cfg.ExternalDecisionSubscribe, "TAP_EXTERNAL_DECISION_SUBSCRIBE")
	overlay(&cfg.HTTPAddr, "TAP_HTTP_ADDR")
	overlay(&cfg.LogLevel, "TAP_LOG_LEVEL")
	overlay(&cfg.KeystorePassphrase, "TAP_KEYSTORE_PASSPHRASE")
	if v := os.Getenv("TAP_DELIVERY_RETRY_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("TAP_DELIVERY_RETRY_CAP: %w", err)
		}
		cfg.DeliveryRetryCap = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch didcomm.ModePolicy(c.SecurityMode) {
	case didcomm.PolicyAny, didcomm.PolicyRequireSigned, didcomm.PolicyRequireEncrypted:
	default:
		return fmt.Errorf("invalid security_mode_policy %q", c.SecurityMode)
	}
	switch c.ExternalDecisionSubscribe {
	case "decisions", "all":
	default:
		return fmt.Errorf("invalid external_decision_subscribe %q", c.ExternalDecisionSubscribe)
	}
	if c.DeliveryRetryCap <= 0 {
		return fmt.Errorf("delivery_retry_cap must be positive")
	}
	return nil
}

// Policy returns the typed security mode policy.
func (c *Config) Policy() didcomm.ModePolicy {
	return didcomm.ModePolicy(c.SecurityMode)
}

func overlay(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.tap"
	}
	return ".tap"
}
