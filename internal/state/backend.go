// Package state persists the host's per-resource records between
// invocations. Each record is addressed by a resource key chosen by the
// caller, e.g. "aws.rds.DBCluster/orders".
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// StaleLockAge is how old a lock may grow before it is broken.
const StaleLockAge = 10 * time.Minute

// ErrLocked is returned by Lock when another process holds the key.
var ErrLocked = errors.New("state is locked by another process")

// Record is what the host stores for one resource.
type Record struct {
	Key        string        `json:"key"`
	Type       string        `json:"type"`
	Definition ir.Definition `json:"definition,omitempty"`
	State      ir.State      `json:"state"`
	Serial     int           `json:"serial"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the record for key. A missing record is (nil, nil).
	Read(ctx context.Context, key string) (*Record, error)

	// Write saves rec, bumping its serial.
	Write(ctx context.Context, rec *Record) error

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every stored key in sorted order.
	List(ctx context.Context) ([]string, error)

	// Lock acquires an exclusive lock on key.
	Lock(ctx context.Context, key string) error

	// Unlock releases the lock on key.
	Unlock(ctx context.Context, key string) error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type string `json:"type" yaml:"type"` // "local", "s3", "postgres", "sqlite"

	// Path is the directory for "local" and the database file for "sqlite".
	Path string `json:"path" yaml:"path"`

	Bucket        string `json:"bucket" yaml:"bucket"`
	Prefix        string `json:"prefix" yaml:"prefix"`
	Region        string `json:"region" yaml:"region"`
	DynamoDBTable string `json:"dynamodbTable" yaml:"dynamodbTable"`
	Encrypt       bool   `json:"encrypt" yaml:"encrypt"`
	Profile       string `json:"profile" yaml:"profile"`

	DSN string `json:"dsn" yaml:"dsn"`
}

// NewBackend creates a state backend from configuration. sealer encrypts
// record payloads at rest and may be nil.
func NewBackend(ctx context.Context, cfg *BackendConfig, sealer *secrets.Sealer) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Path
		if path == "" {
			path = ".reconcilr/state"
		}
		return NewLocal(path, sealer), nil
	case "s3":
		return newS3Backend(ctx, cfg, sealer)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, sealer)
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, sealer)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

func encodeRecord(rec *Record, sealer *secrets.Sealer) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state %s: %w", rec.Key, err)
	}
	sealed, err := sealer.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state %s: %w", rec.Key, err)
	}
	return sealed, nil
}

func decodeRecord(key string, data []byte, sealer *secrets.Sealer) (*Record, error) {
	opened, err := sealer.Open(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(opened, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", key, err)
	}
	if rec.Key == "" {
		rec.Key = key
	}
	return &rec, nil
}

// stamp prepares rec for writing.
func stamp(rec *Record) {
	rec.Serial++
	rec.UpdatedAt = time.Now().UTC()
}
