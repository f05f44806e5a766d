// Package config loads reconcilr.yaml and RECONCILR_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/secrets"
	"github.com/picklr-io/reconcilr/internal/state"
	"github.com/picklr-io/reconcilr/internal/webhook"
	"github.com/picklr-io/reconcilr/providers/rest"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RECONCILR_"

// DefaultPath is read when --config is not given. It may be absent.
const DefaultPath = "reconcilr.yaml"

// StateEncryptionKeyEnv holds the key that seals state records.
const StateEncryptionKeyEnv = secrets.StateKeyEnvVar

// Config is the process configuration.
type Config struct {
	LogLevel  string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"logFormat" validate:"omitempty,oneof=text json"`

	AWS       AWS            `yaml:"aws"`
	State     State          `yaml:"state"`
	Secrets   Secrets        `yaml:"secrets"`
	Server    webhook.Config `yaml:"server"`
	Telemetry Telemetry      `yaml:"telemetry"`

	DigitalOcean DigitalOcean `yaml:"digitalocean"`

	// Readiness overrides adapter policies by type name.
	Readiness map[string]readiness.Policy `yaml:"readiness"`

	// REST declares data-driven REST adapters.
	REST []rest.Spec `yaml:"rest" validate:"dive"`
}

// AWS configures the shared SDK config.
type AWS struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// State selects the state backend.
type State struct {
	Backend       string `yaml:"backend" validate:"omitempty,oneof=local s3 postgres sqlite"`
	Path          string `yaml:"path"`
	Bucket        string `yaml:"bucket" validate:"required_if=Backend s3"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	DynamoDBTable string `yaml:"dynamodbTable"`
	DSN           string `yaml:"dsn" validate:"required_if=Backend postgres"`
	Encrypt       bool   `yaml:"encrypt"`
}

// Secrets selects the secret store.
type Secrets struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory file secretsmanager ssm"`
	Path    string `yaml:"path"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

// Telemetry toggles metrics and tracing.
type Telemetry struct {
	Metrics  bool   `yaml:"metrics"`
	Tracing  bool   `yaml:"tracing"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
}

// DigitalOcean configures the built-in DigitalOcean adapters.
type DigitalOcean struct {
	BaseURL string `yaml:"baseURL" validate:"omitempty,url"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		State:     State{Backend: "local", Path: ".reconcilr/state"},
		Secrets:   Secrets{Backend: "file", Path: ".reconcilr/secrets.json"},
		Server:    webhook.Config{Addr: ":8090"},
		Telemetry: Telemetry{Metrics: true, Exporter: "stdout"},
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is only an error when required.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.ParseError(err, "decode "+path, data)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and readiness overrides.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fault.Configurationf("invalid configuration: %v", err)
	}
	for name, p := range c.Readiness {
		if p.InitialDelay < 0 || p.Period < 0 || p.Attempts < 0 {
			return fault.Configurationf("readiness override for %s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":       &c.LogLevel,
		"LOG_FORMAT":      &c.LogFormat,
		"STATE_BACKEND":   &c.State.Backend,
		"STATE_PATH":      &c.State.Path,
		"STATE_BUCKET":    &c.State.Bucket,
		"STATE_DSN":       &c.State.DSN,
		"SECRETS_BACKEND": &c.Secrets.Backend,
		"SECRETS_PATH":    &c.Secrets.Path,
		"AWS_REGION":      &c.AWS.Region,
		"AWS_PROFILE":     &c.AWS.Profile,
		"SERVER_ADDR":     &c.Server.Addr,
		"GRPC_ADDR":       &c.Server.GRPCAddr,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	if v, ok := lookup(EnvPrefix + "METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fault.Configurationf("%sMETRICS: %v", EnvPrefix, err)
		}
		c.Telemetry.Metrics = b
	}
	return nil
}

// Backend returns the state backend configuration. The AWS region is the
// fallback for the S3 backend.
func (c *Config) Backend() *state.BackendConfig {
	region := c.State.Region
	if region == "" {
		region = c.AWS.Region
	}
	return &state.BackendConfig{
		Type:          c.State.Backend,
		Path:          c.State.Path,
		Bucket:        c.State.Bucket,
		Prefix:        c.State.Prefix,
		Region:        region,
		DynamoDBTable: c.State.DynamoDBTable,
		Encrypt:       c.State.Encrypt,
		Profile:       c.AWS.Profile,
		DSN:           c.State.DSN,
	}
}
