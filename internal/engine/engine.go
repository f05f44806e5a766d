// Package engine is the host side of reconciliation: it feeds stored state
// into a Controller, persists what comes back, and serializes work per
// resource key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/provider"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/state"
)

const defaultParallelism = 10

// Job is one action against one resource.
type Job struct {
	// Key addresses the stored state. Defaults to "<type>/<name>".
	Key        string
	Type       string
	Definition ir.Definition
	Action     ir.Action

	// DependsOn lists keys that must finish first within a batch.
	DependsOn []string

	// Wait polls check-readiness after a successful create or update.
	Wait bool

	// Timeout bounds the job; zero means DefaultTimeout.
	Timeout time.Duration
}

func (j Job) key() string {
	if j.Key != "" {
		return j.Key
	}
	return KeyFor(j.Type, j.Definition)
}

// KeyFor returns the default state key of a definition.
func KeyFor(typ string, def ir.Definition) string {
	name := def.String("name")
	if name == "" {
		return typ
	}
	return typ + "/" + name
}

// Engine runs jobs against a state backend.
type Engine struct {
	registry *provider.Registry
	backend  state.Backend

	// Retry governs retries of transient failures within one invocation.
	Retry *RetryPolicy

	// ContinueOnError keeps a batch running past failed jobs.
	ContinueOnError bool

	// Parallelism caps concurrent jobs in a batch.
	Parallelism int
}

// NewEngine returns an engine over registry and backend.
func NewEngine(registry *provider.Registry, backend state.Backend) *Engine {
	return &Engine{
		registry:    registry,
		backend:     backend,
		Retry:       DefaultRetryPolicy(),
		Parallelism: defaultParallelism,
	}
}

// Run performs one invocation of job.Action and persists the resulting
// state. A not-ready check-readiness still persists the incremented
// attempt count before the error is returned. A successful delete or
// purge removes the stored record.
func (e *Engine) Run(ctx context.Context, job Job) (ir.State, error) {
	key := job.key()
	if job.Type == "" {
		return ir.State{}, fault.Configurationf("job %s has no adapter type", key)
	}
	action, ok := ir.ParseAction(string(job.Action))
	if !ok {
		return ir.State{}, fault.Configurationf("unknown action %q for %s", job.Action, key)
	}
	job.Action = action

	def, err := e.resolve(ctx, key, job.Definition)
	if err != nil {
		return ir.State{}, err
	}

	ctrl, err := e.registry.Controller(ctx, job.Type)
	if err != nil {
		return ir.State{}, err
	}

	var out ir.State
	err = e.locked(ctx, key, func(rec *state.Record) (*state.Record, error) {
		prior := ir.State{}
		if rec != nil {
			if rec.Type != "" && rec.Type != job.Type {
				return rec, fault.Configurationf("state %s belongs to %s, not %s", key, rec.Type, job.Type)
			}
			prior = rec.State
		}

		log := logging.With("key", key, "adapter", job.Type, "action", string(job.Action))
		log.Debug("running job", "id", prior.ID)

		next := prior
		invokeErr := RetryWithBackoff(ctx, e.Retry, func() error {
			var err error
			next, err = ctrl.Invoke(ctx, def, prior, job.Action)
			if IsTransientError(err) {
				log.Warn("transient failure, retrying", "error", err)
			}
			return err
		}, IsTransientError)
		out = next

		return e.record(key, job, rec, next, invokeErr), invokeErr
	})
	return out, err
}

// record decides what to store after an invocation. A nil result with a
// non-nil rec deletes the record.
func (e *Engine) record(key string, job Job, rec *state.Record, next ir.State, err error) *state.Record {
	if next.IsEmpty() {
		if err == nil && (job.Action == ir.ActionDelete || job.Action == ir.ActionPurge) {
			return nil
		}
		return rec
	}

	out := &state.Record{Key: key, Type: job.Type, Definition: job.Definition, State: next}
	if rec != nil {
		out.Serial = rec.Serial
		if job.Action == ir.ActionCheckReadiness || (job.Action.Writes() && err != nil) {
			out.Definition = rec.Definition
		}
	}
	return out
}

// locked runs fn with key locked and the stored record loaded, then applies
// the record fn returns.
func (e *Engine) locked(ctx context.Context, key string, fn func(rec *state.Record) (*state.Record, error)) (err error) {
	if err := e.backend.Lock(ctx, key); err != nil {
		if errors.Is(err, state.ErrLocked) {
			return fault.Transientf(err, "lock "+key)
		}
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer func() {
		if uerr := e.backend.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
			logging.Warn("failed to release lock", "key", key, "error", uerr)
		}
	}()

	rec, err := e.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read state %s: %w", key, err)
	}

	next, runErr := fn(rec)
	switch {
	case next == nil && rec != nil:
		if err := e.backend.Delete(ctx, key); err != nil {
			return errors.Join(runErr, fmt.Errorf("failed to delete state %s: %w", key, err))
		}
	case next != nil && next != rec:
		if err := e.backend.Write(ctx, next); err != nil {
			return errors.Join(runErr, fmt.Errorf("failed to write state %s: %w", key, err))
		}
	}
	return runErr
}

// Await polls check-readiness for job's resource until it is ready, the
// budget is exhausted, or ctx ends. Every check is persisted.
func (e *Engine) Await(ctx context.Context, job Job) (ir.State, error) {
	ctrl, err := e.registry.Controller(ctx, job.Type)
	if err != nil {
		return ir.State{}, err
	}

	first := true
	poller := readiness.NewPoller(ctrl.Policy())
	poller.OnAttempt = func(s ir.State, err error) {
		logging.Debug("readiness check", "key", job.key(), "attempts", attempts(s), "error", err)
	}

	check := job
	check.Action = ir.ActionCheckReadiness
	return poller.Wait(ctx, ir.State{}, func(ctx context.Context, _ ir.State) (ir.State, error) {
		if first {
			first = false
			if err := e.resetReadiness(ctx, check.key()); err != nil {
				return ir.State{}, err
			}
		}
		return e.Run(ctx, check)
	})
}

// resetReadiness starts a fresh attempt budget when the stored state was
// already marked ready by an earlier wait.
func (e *Engine) resetReadiness(ctx context.Context, key string) error {
	return e.locked(ctx, key, func(rec *state.Record) (*state.Record, error) {
		if rec == nil {
			return nil, fault.Configurationf("no state stored for %s", key)
		}
		if rec.State.Readiness == nil || !rec.State.Readiness.Ready {
			return rec, nil
		}
		next := *rec
		next.State = rec.State.Clone()
		next.State.Readiness.Attempts = 0
		return &next, nil
	})
}

// Execute runs job and, when job.Wait is set and the action was a create or
// update, waits for readiness.
func (e *Engine) Execute(ctx context.Context, job Job) (ir.State, error) {
	ctx, cancel := WithTimeout(ctx, job.Timeout)
	defer cancel()

	s, err := e.Run(ctx, job)
	if err != nil || !job.Wait {
		return s, err
	}
	if job.Action != ir.ActionCreate && job.Action != ir.ActionUpdate {
		return s, nil
	}
	return e.Await(ctx, job)
}

// resolve replaces ref:// values in def with outputs of stored resources.
func (e *Engine) resolve(ctx context.Context, self string, def ir.Definition) (ir.Definition, error) {
	refs := extractRefs(map[string]any(def))
	if len(refs) == 0 {
		return def, nil
	}

	outputs := map[string]map[string]any{}
	for _, ref := range refs {
		key, _, ok := ParseRef(ref)
		if !ok {
			return nil, fault.Configurationf("malformed reference %q in %s", ref, self)
		}
		if _, loaded := outputs[key]; loaded {
			continue
		}
		rec, err := e.backend.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read state %s: %w", key, err)
		}
		if rec == nil {
			return nil, fault.Configurationf("%s references %s, which has no state", self, key)
		}
		outputs[key] = rec.State.Outputs
	}

	resolved, err := resolveReferences(map[string]any(def), outputs)
	if err != nil {
		return nil, err
	}
	return ir.Definition(resolved.(map[string]any)), nil
}

func resolveReferences(val any, outputs map[string]map[string]any) (any, error) {
	switch v := val.(type) {
	case string:
		key, name, ok := ParseRef(v)
		if !ok {
			return v, nil
		}
		out, found := outputs[key][name]
		if !found {
			return nil, fault.NotReadyf("output %q of %s is not available yet", name, key)
		}
		return out, nil
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveReferences(item, outputs)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []any:
		s := make([]any, len(v))
		for i, item := range v {
			r, err := resolveReferences(item, outputs)
			if err != nil {
				return nil, err
			}
			s[i] = r
		}
		return s, nil
	default:
		return v, nil
	}
}

func attempts(s ir.State) int {
	if s.Readiness == nil {
		return 0
	}
	return s.Readiness.Attempts
}
