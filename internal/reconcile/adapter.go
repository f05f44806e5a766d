// Package reconcile drives one remote resource toward its definition. Every
// adapter implements the same four-phase protocol (locate and adopt, create,
// diff and update, conditional delete) plus a bounded readiness check; the
// Controller owns that protocol and adapters only translate it into provider
// calls.
package reconcile

import (
	"context"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
)

// Remote is a provider's view of a resource.
type Remote struct {
	// ID is the provider identifier persisted in State.ID.
	ID string

	// Fields holds provider-keyed values, in the same shape the mapper
	// produces, so that updates can be diffed against them.
	Fields map[string]any

	// Phase is the adapter's reading of Status.
	Phase readiness.Outcome

	// Status is the raw provider status, e.g. "creating" or "available".
	Status string

	// Outputs are connectivity fields exposed once the resource is ready.
	Outputs map[string]any
}

// Adapter is a provider-specific instantiation of the protocol.
type Adapter interface {
	// Type is the registry name, e.g. "aws.rds.DBCluster".
	Type() string

	// Mapping returns the definition-to-payload schema.
	Mapping() mapper.Mapping

	// Locate looks up a pre-existing resource by its natural key. A missing
	// resource is found=false with a nil error; transport and auth
	// failures are returned as errors.
	Locate(ctx context.Context, def ir.Definition) (r Remote, found bool, err error)

	// Create issues the provider create call with the mapped payload. An
	// "already exists" rejection must be returned as a fault.Conflict error.
	Create(ctx context.Context, def ir.Definition, payload map[string]any) (Remote, error)

	// Update writes payload to the resource addressed by state.
	Update(ctx context.Context, state ir.State, payload map[string]any) (Remote, error)

	// Delete removes the resource addressed by state. A resource that is
	// already gone is reported as a fault.NotFound error.
	Delete(ctx context.Context, state ir.State) error

	// Read fetches the resource addressed by state.
	Read(ctx context.Context, state ir.State) (r Remote, found bool, err error)
}

// Watcher is implemented by adapters that diff only a subset of payload
// fields on update. Adapters without it diff every mapped field.
type Watcher interface {
	WatchedFields() []string
}

// PolicyProvider is implemented by adapters that know how long their
// resources take to provision.
type PolicyProvider interface {
	ReadinessPolicy() readiness.Policy
}

// PolicyFor returns the adapter's readiness policy or the default. An
// adapter's zero InitialDelay is kept; a zero Period or Attempts falls back
// to the default.
func PolicyFor(a Adapter) readiness.Policy {
	def := readiness.DefaultPolicy()
	pp, ok := a.(PolicyProvider)
	if !ok {
		return def
	}
	p := pp.ReadinessPolicy()
	if p.Period <= 0 {
		p.Period = def.Period
	}
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	return p
}
