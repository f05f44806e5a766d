package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/readiness"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconcilr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingRequiredFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
aws:
  region: eu-west-1
state:
  backend: s3
  bucket: acme-state
  dynamodbTable: acme-locks
server:
  addr: ":9000"
  grpcAddr: ":9001"
readiness:
  aws.rds.DBCluster:
    period: 1m
    attempts: 60
rest:
  - name: acme.Widget
    baseURL: https://api.acme.test
    collection: /v1/widgets
    lookup: /v1/widgets/by-name/{name}
    schema:
      name: name
      size: size_slug
    auth:
      type: bearer
      tokenSecret: acme/token
`)

	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat, "defaults survive partial files")
	assert.Equal(t, ":9001", cfg.Server.GRPCAddr)
	assert.Equal(t, readiness.Policy{Period: time.Minute, Attempts: 60}, cfg.Readiness["aws.rds.DBCluster"])

	backend := cfg.Backend()
	assert.Equal(t, "s3", backend.Type)
	assert.Equal(t, "eu-west-1", backend.Region, "falls back to the AWS region")
	assert.Equal(t, "acme-locks", backend.DynamoDBTable)

	require.Len(t, cfg.REST, 1)
	def, err := cfg.REST[0].Build()
	require.NoError(t, err)
	assert.Equal(t, "acme.Widget", def.Name)
	assert.Equal(t, "bearer", cfg.REST[0].Auth.Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "logLevel: warn\nstate:\n  backend: local\n")
	t.Setenv("RECONCILR_LOG_LEVEL", "error")
	t.Setenv("RECONCILR_STATE_BACKEND", "sqlite")
	t.Setenv("RECONCILR_STATE_PATH", "/var/lib/reconcilr/state.db")
	t.Setenv("RECONCILR_SECRETS_BACKEND", "ssm")
	t.Setenv("RECONCILR_AWS_REGION", "us-east-2")
	t.Setenv("RECONCILR_SERVER_ADDR", "127.0.0.1:8181")
	t.Setenv("RECONCILR_METRICS", "false")

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "/var/lib/reconcilr/state.db", cfg.State.Path)
	assert.Equal(t, "ssm", cfg.Secrets.Backend)
	assert.Equal(t, "us-east-2", cfg.AWS.Region)
	assert.Equal(t, "127.0.0.1:8181", cfg.Server.Addr)
	assert.False(t, cfg.Telemetry.Metrics)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		class   fault.Class
	}{
		{"bad log level", "logLevel: loud\n", fault.Configuration},
		{"unknown backend", "state:\n  backend: etcd\n", fault.Configuration},
		{"s3 without bucket", "state:\n  backend: s3\n", fault.Configuration},
		{"postgres without dsn", "state:\n  backend: postgres\n", fault.Configuration},
		{"bad readiness override", "readiness:\n  null.Resource:\n    attempts: -1\n", fault.Configuration},
		{"rest without schema", "rest:\n  - name: x\n    baseURL: https://x.test\n    collection: /x\n", fault.Configuration},
		{"not yaml", "logLevel: [\n", fault.Parse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), true)
			require.Error(t, err)
			assert.Equal(t, tt.class, fault.ClassOf(err), err.Error())
		})
	}
}

func TestLoad_BadMetricsEnv(t *testing.T) {
	t.Setenv("RECONCILR_METRICS", "sometimes")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	assert.True(t, fault.Is(err, fault.Configuration))
}
