// Package rest is a data-driven adapter for JSON control planes. A
// Definition describes where a resource type lives (collection and item
// paths, response envelope, identifier and status fields) and how its
// definition maps onto the request body; the Adapter runs the reconcile
// protocol against it through a transport.Client.
package rest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
)

// Definition is a REST resource type.
type Definition struct {
	// Name is the registry name, e.g. "digitalocean.Database".
	Name    string
	BaseURL string

	// Collection is the path resources are created under and listed from.
	Collection string

	// Item addresses one resource; "{id}" is replaced by the identifier.
	// Defaults to Collection + "/{id}".
	Item string

	// Lookup addresses a resource by natural key; "{name}" is replaced by
	// the definition name. When empty, Locate lists Collection and matches
	// NameField.
	Lookup string

	// UpdatePath and UpdateMethod describe the write used on update. An
	// empty UpdateMethod makes the type immutable.
	UpdatePath   string
	UpdateMethod string

	// UpdateFields restricts the payload sent on update.
	UpdateFields []string

	// Envelope is the key wrapping single objects in responses, e.g.
	// {"database": {...}}. RequestEnvelope wraps request bodies.
	Envelope        string
	RequestEnvelope string

	// ListKey is the key of the array in a collection response. NextField
	// is a dotted path to the absolute URL of the next page.
	ListKey   string
	NextField string

	IDField     string
	NameField   string
	StatusField string

	// ReadyValues and FailedValues classify StatusField. A type without a
	// StatusField is ready as soon as it exists.
	ReadyValues  []string
	FailedValues []string

	// ConflictStatuses are the HTTP statuses meaning "already exists", in
	// addition to 409.
	ConflictStatuses []int

	Mapping mapper.Mapping
	Watched []string

	// Outputs maps output names to dotted paths in the resource object.
	Outputs map[string]string

	Policy readiness.Policy
}

func (d Definition) itemPath() string {
	if d.Item != "" {
		return d.Item
	}
	return strings.TrimRight(d.Collection, "/") + "/{id}"
}

func (d Definition) idField() string {
	if d.IDField != "" {
		return d.IDField
	}
	return "id"
}

func (d Definition) nameField() string {
	if d.NameField != "" {
		return d.NameField
	}
	return "name"
}

// Validate reports a configuration error for an unusable definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fault.Configurationf("rest adapter requires a name")
	}
	if d.BaseURL == "" || d.Collection == "" {
		return fault.Configurationf("rest adapter %s requires baseURL and collection", d.Name)
	}
	if d.Lookup == "" && d.ListKey == "" {
		return fault.Configurationf("rest adapter %s requires lookup or listKey to locate resources", d.Name)
	}
	switch d.UpdateMethod {
	case "", http.MethodPut, http.MethodPatch, http.MethodPost:
	default:
		return fault.Configurationf("rest adapter %s: unsupported update method %q", d.Name, d.UpdateMethod)
	}
	if err := readiness.DefaultPolicy().Merge(d.Policy).Validate(); err != nil {
		return fault.Configurationf("rest adapter %s: %v", d.Name, err)
	}
	return nil
}

// Spec is the configuration-file form of a Definition.
type Spec struct {
	Name             string            `yaml:"name" json:"name" validate:"required"`
	BaseURL          string            `yaml:"baseURL" json:"baseURL" validate:"required,url"`
	Collection       string            `yaml:"collection" json:"collection" validate:"required"`
	Item             string            `yaml:"item,omitempty" json:"item,omitempty"`
	Lookup           string            `yaml:"lookup,omitempty" json:"lookup,omitempty"`
	UpdatePath       string            `yaml:"updatePath,omitempty" json:"updatePath,omitempty"`
	UpdateMethod     string            `yaml:"updateMethod,omitempty" json:"updateMethod,omitempty" validate:"omitempty,oneof=PUT PATCH POST"`
	UpdateFields     []string          `yaml:"updateFields,omitempty" json:"updateFields,omitempty"`
	Envelope         string            `yaml:"envelope,omitempty" json:"envelope,omitempty"`
	RequestEnvelope  string            `yaml:"requestEnvelope,omitempty" json:"requestEnvelope,omitempty"`
	ListKey          string            `yaml:"listKey,omitempty" json:"listKey,omitempty"`
	NextField        string            `yaml:"nextField,omitempty" json:"nextField,omitempty"`
	IDField          string            `yaml:"idField,omitempty" json:"idField,omitempty"`
	NameField        string            `yaml:"nameField,omitempty" json:"nameField,omitempty"`
	StatusField      string            `yaml:"statusField,omitempty" json:"statusField,omitempty"`
	ReadyValues      []string          `yaml:"readyValues,omitempty" json:"readyValues,omitempty"`
	FailedValues     []string          `yaml:"failedValues,omitempty" json:"failedValues,omitempty"`
	ConflictStatuses []int             `yaml:"conflictStatuses,omitempty" json:"conflictStatuses,omitempty" validate:"dive,min=400,max=599"`
	Schema           map[string]any    `yaml:"schema" json:"schema" validate:"required"`
	Defaults         map[string]any    `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Watched          []string          `yaml:"watched,omitempty" json:"watched,omitempty"`
	Outputs          map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Auth             Auth              `yaml:"auth,omitempty" json:"auth,omitempty"`
	Readiness        PolicySpec        `yaml:"readiness,omitempty" json:"readiness,omitempty"`
}

// PolicySpec is the configuration-file form of a readiness.Policy.
type PolicySpec struct {
	InitialDelay time.Duration `yaml:"initialDelay,omitempty" json:"initialDelay,omitempty"`
	Period       time.Duration `yaml:"period,omitempty" json:"period,omitempty"`
	Attempts     int           `yaml:"attempts,omitempty" json:"attempts,omitempty" validate:"omitempty,min=1"`
}

// Policy converts p.
func (p PolicySpec) Policy() readiness.Policy {
	return readiness.Policy{InitialDelay: p.InitialDelay, Period: p.Period, Attempts: p.Attempts}
}

var validate = validator.New()

// Build validates s and returns its Definition.
func (s Spec) Build() (Definition, error) {
	if err := validate.Struct(s); err != nil {
		return Definition{}, fault.Configurationf("rest adapter %q: %v", s.Name, err)
	}
	schema, err := mapper.ParseSchema(s.Schema)
	if err != nil {
		return Definition{}, fmt.Errorf("rest adapter %q schema: %w", s.Name, err)
	}

	def := Definition{
		Name:             s.Name,
		BaseURL:          s.BaseURL,
		Collection:       s.Collection,
		Item:             s.Item,
		Lookup:           s.Lookup,
		UpdatePath:       s.UpdatePath,
		UpdateMethod:     strings.ToUpper(s.UpdateMethod),
		UpdateFields:     s.UpdateFields,
		Envelope:         s.Envelope,
		RequestEnvelope:  s.RequestEnvelope,
		ListKey:          s.ListKey,
		NextField:        s.NextField,
		IDField:          s.IDField,
		NameField:        s.NameField,
		StatusField:      s.StatusField,
		ReadyValues:      s.ReadyValues,
		FailedValues:     s.FailedValues,
		ConflictStatuses: s.ConflictStatuses,
		Mapping:          mapper.Mapping{Schema: schema, Defaults: s.Defaults},
		Watched:          s.Watched,
		Outputs:          s.Outputs,
		Policy:           s.Readiness.Policy(),
	}
	return def, def.Validate()
}
