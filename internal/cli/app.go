package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/picklr-io/reconcilr/internal/config"
	"github.com/picklr-io/reconcilr/internal/engine"
	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/provider"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
	"github.com/picklr-io/reconcilr/internal/state"
	"github.com/picklr-io/reconcilr/internal/telemetry"
	"github.com/picklr-io/reconcilr/internal/transport"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      *config.Config
	backend  state.Backend
	registry *provider.Registry
	engine   *engine.Engine
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// newApp wires the state backend, secret store and adapter registry.
// traceOut receives spans when the stdout exporter is selected.
func newApp(ctx context.Context, cfg *config.Config, traceOut io.Writer) (*app, error) {
	loadAWS := awsLoader(cfg.AWS)

	store, err := newSecretStore(ctx, cfg.Secrets, loadAWS)
	if err != nil {
		return nil, err
	}

	var sealer *secrets.Sealer
	if cfg.State.Encrypt {
		sealer = secrets.SealerFromEnv(config.StateEncryptionKeyEnv)
		if !sealer.Enabled() {
			return nil, fault.Configurationf("state encryption requires %s", config.StateEncryptionKeyEnv)
		}
	}
	backend, err := state.NewBackend(ctx, cfg.Backend(), sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to open state backend: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics()
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:  cfg.Telemetry.Tracing,
		Exporter: cfg.Telemetry.Exporter,
		Writer:   traceOut,
	}, Version)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry(provider.Deps{
		AWSConfig:       loadAWS,
		Secrets:         store,
		HTTP:            []transport.Option{transport.WithUserAgent("reconcilr/" + Version)},
		DigitalOceanURL: cfg.DigitalOcean.BaseURL,
	},
		reconcile.WithMetrics(metrics),
		reconcile.WithTracer(tracer),
		reconcile.WithLogger(logging.Logger()),
	)
	provider.RegisterBuiltins(registry)

	for _, spec := range cfg.REST {
		def, err := spec.Build()
		if err != nil {
			return nil, err
		}
		registry.RegisterREST(def, spec.Auth)
	}
	for name, p := range cfg.Readiness {
		registry.SetPolicy(name, p)
	}

	return &app{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		engine:   engine.NewEngine(registry, backend),
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Close flushes spans and releases the state backend.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// awsLoader returns a loader for the shared SDK config. The registry
// memoizes it for adapters.
func awsLoader(cfg config.AWS) func(ctx context.Context) (awssdk.Config, error) {
	return func(ctx context.Context) (awssdk.Config, error) {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		if cfg.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return awssdk.Config{}, fault.Configurationf("failed to load AWS configuration: %v", err)
		}
		return c, nil
	}
}

func newSecretStore(ctx context.Context, cfg config.Secrets, loadAWS func(context.Context) (awssdk.Config, error)) (secrets.Store, error) {
	switch cfg.Backend {
	case "memory":
		return secrets.NewMemory(nil), nil
	case "file", "":
		path := cfg.Path
		if path == "" {
			path = ".reconcilr/secrets.json"
		}
		return secrets.NewFile(path, secrets.SealerFromEnv(secrets.FileKeyEnvVar)), nil
	case "secretsmanager", "ssm":
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Region != "" {
			awsCfg.Region = cfg.Region
		}
		if cfg.Backend == "ssm" {
			return secrets.NewParameterStore(awsCfg, cfg.Prefix), nil
		}
		return secrets.NewSecretsManager(awsCfg, cfg.Prefix), nil
	default:
		return nil, fault.Configurationf("unknown secrets backend: %s", cfg.Backend)
	}
}
