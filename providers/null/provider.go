// Package null is an in-process control plane. Its adapter behaves like a
// real provider (natural-key lookup, conflicts on duplicate create,
// provisioning delay) without leaving the process, which makes it the
// reference adapter for tests and demos.
package null

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// TypeName is the registry name of the adapter.
const TypeName = "null.Resource"

// Resource is one object in the fake control plane.
type Resource struct {
	ID     string
	Fields map[string]any
	Status string
	reads  int
}

// Cloud is the fake control plane shared by adapters. It is safe for
// concurrent use.
type Cloud struct {
	mu        sync.Mutex
	resources map[string]*Resource // by Name
	seq       int
	calls     map[string]int

	// ReadyAfter is the number of reads a new resource spends "creating".
	ReadyAfter int

	// FailWith, when set, is the status new resources end in instead of
	// becoming ready.
	FailWith string
}

// NewCloud returns an empty control plane.
func NewCloud() *Cloud {
	return &Cloud{resources: map[string]*Resource{}, calls: map[string]int{}}
}

// Calls returns how often op was invoked.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Seed places a pre-existing resource in the cloud.
func (c *Cloud) Seed(name string, fields map[string]any) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.put(name, fields)
	r.Status = "active"
	return r.ID
}

// Names returns the names of all resources.
func (c *Cloud) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.resources))
	for n := range c.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Cloud) put(name string, fields map[string]any) *Resource {
	c.seq++
	f := ir.CloneMap(fields)
	if f == nil {
		f = map[string]any{}
	}
	f["Name"] = name
	r := &Resource{ID: fmt.Sprintf("null-%d", c.seq), Fields: f, Status: "creating"}
	c.resources[name] = r
	return r
}

func (c *Cloud) byID(id string) (string, *Resource) {
	for name, r := range c.resources {
		if r.ID == id {
			return name, r
		}
	}
	return "", nil
}

// Adapter reconciles null resources.
type Adapter struct {
	cloud  *Cloud
	policy readiness.Policy
}

// New returns an adapter over a fresh Cloud.
func New() *Adapter {
	return NewWithCloud(NewCloud())
}

// NewWithCloud returns an adapter over cloud.
func NewWithCloud(cloud *Cloud) *Adapter {
	return &Adapter{
		cloud:  cloud,
		policy: readiness.Policy{InitialDelay: 0, Period: 100 * time.Millisecond, Attempts: 10},
	}
}

// Cloud returns the underlying control plane.
func (a *Adapter) Cloud() *Cloud { return a.cloud }

func (a *Adapter) Type() string { return TypeName }

// Mapping: the definition keys "name", "triggers", "tags" and "size" are
// carried; anything else is dropped.
func (a *Adapter) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":     mapper.To("Name"),
			"triggers": mapper.WrapIn("Triggers", nil),
			"tags":     mapper.To("Tags").AsList().OmitEmpty(),
			"size":     mapper.To("Size"),
		},
		Defaults: map[string]any{"Tier": "standard"},
	}
}

func (a *Adapter) WatchedFields() []string {
	return []string{"Triggers", "Tags", "Size"}
}

func (a *Adapter) ReadinessPolicy() readiness.Policy { return a.policy }

func (a *Adapter) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name := def.String("name")
	if name == "" {
		return reconcile.Remote{}, false, fault.Configurationf("null.Resource requires a name")
	}

	c := a.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["locate"]++

	r, ok := c.resources[name]
	if !ok {
		return reconcile.Remote{}, false, nil
	}
	return a.remote(r), true, nil
}

func (a *Adapter) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	name := def.String("name")

	c := a.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["create"]++

	if _, exists := c.resources[name]; exists {
		return reconcile.Remote{}, fault.Conflictf(fmt.Errorf("resource %q already exists", name), "create null resource")
	}
	r := c.put(name, payload)
	if c.ReadyAfter <= 0 && c.FailWith == "" {
		r.Status = "active"
	}
	return a.remote(r), nil
}

func (a *Adapter) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	c := a.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["update"]++

	_, r := c.byID(state.ID)
	if r == nil {
		return reconcile.Remote{}, fault.NotFoundf(fmt.Errorf("resource %s not found", state.ID), "update null resource")
	}
	for k, v := range payload {
		if k == "Name" {
			continue
		}
		r.Fields[k] = v
	}
	return a.remote(r), nil
}

func (a *Adapter) Delete(ctx context.Context, state ir.State) error {
	c := a.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["delete"]++

	name, r := c.byID(state.ID)
	if r == nil {
		return fault.NotFoundf(fmt.Errorf("resource %s not found", state.ID), "delete null resource")
	}
	delete(c.resources, name)
	return nil
}

func (a *Adapter) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	c := a.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["read"]++

	_, r := c.byID(state.ID)
	if r == nil {
		return reconcile.Remote{}, false, nil
	}

	r.reads++
	if r.Status == "creating" && r.reads >= c.ReadyAfter {
		if c.FailWith != "" {
			r.Status = c.FailWith
		} else {
			r.Status = "active"
		}
	}
	return a.remote(r), true, nil
}

func (a *Adapter) remote(r *Resource) reconcile.Remote {
	phase := readiness.Pending
	switch r.Status {
	case "active":
		phase = readiness.Ready
	case "creating":
	default:
		phase = readiness.Failed
	}
	return reconcile.Remote{
		ID:     r.ID,
		Fields: ir.CloneMap(r.Fields),
		Status: r.Status,
		Phase:  phase,
		Outputs: map[string]any{
			"url": fmt.Sprintf("null://%s", r.ID),
		},
	}
}
