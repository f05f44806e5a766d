package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/telemetry"
)

// Controller is the lifecycle state machine for one adapter. It is a
// function of (definition, state, action) to a new state, with side effects
// against the provider.
//
// A Controller assumes no concurrent invocation for the same resource; the
// host serializes those (see engine.Engine). Two racing creates are resolved
// by the provider's conflict response, which the Controller turns into an
// adoption.
type Controller struct {
	adapter Adapter
	policy  readiness.Policy
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	log     *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides the adapter's readiness policy.
func WithPolicy(p readiness.Policy) Option {
	return func(c *Controller) { c.policy = c.policy.Merge(p) }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer emits a span per invocation.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithLogger replaces the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// NewController returns a controller for adapter.
func NewController(adapter Adapter, opts ...Option) *Controller {
	c := &Controller{
		adapter: adapter,
		policy:  PolicyFor(adapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Adapter returns the wrapped adapter.
func (c *Controller) Adapter() Adapter { return c.adapter }

// Policy returns the effective readiness policy.
func (c *Controller) Policy() readiness.Policy { return c.policy }

func (c *Controller) logger() *slog.Logger {
	if c.log != nil {
		return c.log
	}
	return logging.With("adapter", c.adapter.Type())
}

// Handle serves one host invocation. Unknown actions return the prior state
// without touching the provider. On error the response still carries the
// state the host should persist.
func (c *Controller) Handle(ctx context.Context, inv ir.Invocation) (ir.Response, error) {
	action, ok := ir.ParseAction(inv.Context.Action)
	if !ok {
		c.logger().Debug("ignoring unknown action", "action", inv.Context.Action, "path", inv.Context.Path)
		prior := inv.State.Clone()
		return ir.Response{State: &prior}, nil
	}

	state, output, err := c.invoke(ctx, inv.Definition, inv.State, action)
	return ir.Response{Output: output, State: &state}, err
}

// Invoke runs action against the resource described by def and state.
//
// On failure the returned state is the one the host should persist: the
// prior state for create, update and delete, and the state with an updated
// attempt count for check-readiness.
func (c *Controller) Invoke(ctx context.Context, def ir.Definition, state ir.State, action ir.Action) (ir.State, error) {
	next, _, err := c.invoke(ctx, def, state, action)
	return next, err
}

type run struct {
	c      *Controller
	log    *slog.Logger
	output []string
}

func (r *run) note(format string, args ...any) {
	r.output = append(r.output, fmt.Sprintf(format, args...))
}

func (c *Controller) invoke(ctx context.Context, def ir.Definition, state ir.State, action ir.Action) (ir.State, []string, error) {
	start := time.Now()
	ctx, span := c.tracer.StartInvocation(ctx, c.adapter.Type(), string(action), state.ID)

	r := &run{c: c, log: c.logger().With("action", string(action))}
	r.log.Debug("invoking", "id", state.ID, "existing", state.Existing)

	prior := state.Clone()
	var next ir.State
	var err error
	switch action {
	case ir.ActionCreate:
		next, err = r.create(ctx, def, prior)
	case ir.ActionUpdate:
		next, err = r.update(ctx, def, prior)
	case ir.ActionDelete:
		next, err = r.delete(ctx, prior, false)
	case ir.ActionPurge:
		next, err = r.delete(ctx, prior, true)
	case ir.ActionCheckReadiness:
		next, err = r.checkReadiness(ctx, prior)
	default:
		next = prior
	}

	telemetry.End(span, err)
	c.metrics.RecordInvocation(c.adapter.Type(), string(action), outcome(err), time.Since(start))
	return next, r.output, err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.ClassOf(err).String()
}

func (r *run) call(op string) {
	r.c.metrics.RecordProviderCall(r.c.adapter.Type(), op)
}

func (r *run) create(ctx context.Context, def ir.Definition, prior ir.State) (ir.State, error) {
	a := r.c.adapter

	r.call("locate")
	remote, found, err := a.Locate(ctx, def)
	if err != nil {
		return prior, err
	}
	if found {
		return r.adopt(remote), nil
	}

	payload, err := mapper.Map(def, a.Mapping(), mapper.PhaseCreate)
	if err != nil {
		return prior, err
	}

	r.call("create")
	remote, err = a.Create(ctx, def, payload)
	if err != nil {
		if !fault.Is(err, fault.Conflict) {
			return prior, err
		}

		// Lost a race with another creator; the resource is theirs.
		r.log.Info("create conflicted, locating existing resource", "error", err)
		r.call("locate")
		existing, found, lerr := a.Locate(ctx, def)
		if lerr != nil {
			return prior, lerr
		}
		if !found {
			return prior, err
		}
		return r.adopt(existing), nil
	}

	next := r.stateFrom(ir.State{}, remote, payload)
	r.log.Info("created resource", "id", next.ID)
	r.note("created %s %s", a.Type(), next.ID)
	return next, nil
}

func (r *run) adopt(remote Remote) ir.State {
	next := r.stateFrom(ir.State{}, remote, nil)
	next.Existing = true
	r.c.metrics.RecordAdoption(r.c.adapter.Type())
	r.log.Info("adopted existing resource", "id", next.ID)
	r.note("adopted existing %s %s", r.c.adapter.Type(), next.ID)
	return next
}

func (r *run) update(ctx context.Context, def ir.Definition, prior ir.State) (ir.State, error) {
	if prior.IsEmpty() {
		return r.create(ctx, def, prior)
	}

	a := r.c.adapter
	payload, err := mapper.Map(def, a.Mapping(), mapper.PhaseUpdate)
	if err != nil {
		return prior, err
	}

	var watched []string
	if w, ok := a.(Watcher); ok {
		watched = w.WatchedFields()
	}

	diff := Changes(prior.Fields, payload, watched)
	if diff.Empty() {
		r.c.metrics.RecordSkippedUpdate(a.Type())
		r.log.Debug("no changes, skipping update", "id", prior.ID)
		return prior, nil
	}

	changed := make([]string, 0, len(diff))
	for k := range diff {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	r.log.Info("updating resource", "id", prior.ID, "changed", changed)

	r.call("update")
	remote, err := a.Update(ctx, prior, payload)
	if err != nil {
		return prior, err
	}

	// A write starts a new readiness cycle with a full attempt budget.
	next := r.stateFrom(prior, remote, payload)
	next.Readiness = nil
	if remote.Phase == readiness.Ready {
		next.Readiness = &ir.Readiness{Ready: true, LastStatus: remote.Status}
	}
	r.note("updated %s %s (%d fields)", a.Type(), next.ID, len(changed))
	return next, nil
}

func (r *run) delete(ctx context.Context, prior ir.State, purge bool) (ir.State, error) {
	a := r.c.adapter

	if prior.Existing {
		r.log.Info("resource was adopted, not deleting", "id", prior.ID)
		if purge {
			r.note("released adopted %s %s", a.Type(), prior.ID)
			return ir.State{}, nil
		}
		return prior, nil
	}
	if prior.IsEmpty() {
		if purge {
			return ir.State{}, nil
		}
		return prior, nil
	}

	r.call("delete")
	if err := a.Delete(ctx, prior); err != nil {
		if !fault.Is(err, fault.NotFound) {
			return prior, err
		}
		r.log.Debug("resource already gone", "id", prior.ID)
	}

	r.log.Info("deleted resource", "id", prior.ID)
	r.note("deleted %s %s", a.Type(), prior.ID)
	return ir.State{}, nil
}

func (r *run) checkReadiness(ctx context.Context, prior ir.State) (ir.State, error) {
	a := r.c.adapter
	if prior.IsEmpty() {
		return prior, fault.Configurationf("check-readiness on %s requires a resource id in state", a.Type())
	}

	r.call("read")
	remote, found, err := a.Read(ctx, prior)
	if err != nil {
		return prior, err
	}

	next := prior.Clone()
	if !found {
		// Eventually consistent APIs may not list a fresh resource yet.
		err := r.c.policy.Record(&next, readiness.Pending, "not-found")
		r.observe(next, err)
		return next, err
	}

	next = r.stateFrom(next, remote, nil)
	err = r.c.policy.Record(&next, remote.Phase, remote.Status)
	r.observe(next, err)
	if err == nil {
		r.note("%s %s ready (%s)", a.Type(), next.ID, remote.Status)
	}
	return next, err
}

func (r *run) observe(state ir.State, err error) {
	attempts := state.Readiness.Attempts
	switch {
	case err == nil:
		r.c.metrics.RecordReadiness(r.c.adapter.Type(), "ready", attempts+1)
		r.log.Info("resource ready", "id", state.ID, "status", state.Readiness.LastStatus)
	case fault.Is(err, fault.Terminal):
		r.c.metrics.RecordReadiness(r.c.adapter.Type(), "failed", attempts)
		r.log.Warn("resource failed to become ready", "id", state.ID, "attempts", attempts, "error", err)
	default:
		r.log.Debug("resource not ready", "id", state.ID, "attempts", attempts, "status", state.Readiness.LastStatus)
	}
}

// stateFrom merges a provider response into base. Fields mirror what was
// sent overlaid with what the provider answered; outputs are only exposed
// once the resource reports ready.
func (r *run) stateFrom(base ir.State, remote Remote, payload map[string]any) ir.State {
	next := base.Clone()
	if remote.ID != "" {
		next.ID = remote.ID
	}

	fields := ir.CloneMap(next.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	for k, v := range payload {
		fields[k] = v
	}
	for k, v := range remote.Fields {
		fields[k] = v
	}
	next.Fields = ir.CloneMap(fields)
	next.Attributes = mapper.Normalize(next.Fields, r.c.adapter.Mapping().Schema)

	if remote.Phase == readiness.Ready && len(remote.Outputs) > 0 {
		if next.Outputs == nil {
			next.Outputs = map[string]any{}
		}
		for k, v := range remote.Outputs {
			next.Outputs[k] = v
		}
	}
	return next
}
