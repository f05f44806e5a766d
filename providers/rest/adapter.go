package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/transport"
)

// maxPages bounds collection scans in Locate.
const maxPages = 100

// Adapter reconciles one REST resource type.
type Adapter struct {
	def    Definition
	client transport.Client

	// reauth, when set, is called once after a 401 before retrying.
	reauth func(ctx context.Context) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithReauth retries a request once after a 401, calling fn first.
func WithReauth(fn func(ctx context.Context) error) Option {
	return func(a *Adapter) { a.reauth = fn }
}

// New returns an adapter for def.
func New(def Definition, client transport.Client, opts ...Option) *Adapter {
	a := &Adapter{def: def, client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Definition returns the resource type description.
func (a *Adapter) Definition() Definition { return a.def }

func (a *Adapter) Type() string { return a.def.Name }

func (a *Adapter) Mapping() mapper.Mapping { return a.def.Mapping }

func (a *Adapter) WatchedFields() []string { return a.def.Watched }

func (a *Adapter) ReadinessPolicy() readiness.Policy { return a.def.Policy }

func (a *Adapter) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name := def.String("name")
	if name == "" {
		return reconcile.Remote{}, false, fault.Configurationf("%s requires a name", a.def.Name)
	}

	if a.def.Lookup != "" {
		obj, found, err := a.get(ctx, a.url(a.def.Lookup, "{name}", name), "locate "+a.def.Name)
		if err != nil || !found {
			return reconcile.Remote{}, false, err
		}
		return a.remote(obj), true, nil
	}

	next := a.url(a.def.Collection, "", "")
	for page := 0; next != "" && page < maxPages; page++ {
		op := "list " + a.def.Name
		resp, err := a.do(ctx, &transport.Request{Method: http.MethodGet, URL: next})
		if err != nil {
			return reconcile.Remote{}, false, err
		}
		if err := transport.CheckStatus(resp, op); err != nil {
			return reconcile.Remote{}, false, err
		}

		var body map[string]any
		if err := resp.Decode(&body, op); err != nil {
			return reconcile.Remote{}, false, err
		}
		items, ok := body[a.def.ListKey].([]any)
		if !ok && body[a.def.ListKey] != nil {
			return reconcile.Remote{}, false, fault.ParseError(fmt.Errorf("%q is not a list", a.def.ListKey), op, resp.Body)
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if ok && str(lookup(obj, a.def.nameField())) == name {
				return a.remote(obj), true, nil
			}
		}

		next = ""
		if a.def.NextField != "" {
			next = str(lookup(body, a.def.NextField))
		}
	}
	if next != "" {
		// Absence is only confirmed by a complete scan.
		return reconcile.Remote{}, false, fault.Terminalf(
			fmt.Errorf("collection scan truncated after %d pages; configure a lookup endpoint", maxPages),
			"locate "+a.def.Name)
	}
	return reconcile.Remote{}, false, nil
}

func (a *Adapter) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	op := "create " + a.def.Name
	resp, err := a.do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    a.url(a.def.Collection, "", ""),
		Body:   a.envelope(payload),
	})
	if err != nil {
		return reconcile.Remote{}, err
	}
	if slices.Contains(a.def.ConflictStatuses, resp.StatusCode) {
		return reconcile.Remote{}, &fault.Error{
			Class:      fault.Conflict,
			Op:         op,
			Cause:      fmt.Errorf("resource already exists (status %d)", resp.StatusCode),
			Body:       string(resp.Body),
			StatusCode: resp.StatusCode,
		}
	}
	if err := transport.CheckStatus(resp, op); err != nil {
		return reconcile.Remote{}, err
	}

	obj, err := a.object(resp, op)
	if err != nil {
		return reconcile.Remote{}, err
	}
	return a.remote(obj), nil
}

func (a *Adapter) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	if a.def.UpdateMethod == "" {
		return reconcile.Remote{}, fault.Configurationf("%s %s cannot be updated in place", a.def.Name, state.ID)
	}

	body := payload
	if len(a.def.UpdateFields) > 0 {
		body = make(map[string]any, len(a.def.UpdateFields))
		for _, k := range a.def.UpdateFields {
			if v, ok := payload[k]; ok {
				body[k] = v
			}
		}
	}

	path := a.def.UpdatePath
	if path == "" {
		path = a.def.itemPath()
	}
	op := "update " + a.def.Name
	resp, err := a.do(ctx, &transport.Request{
		Method: a.def.UpdateMethod,
		URL:    a.url(path, "{id}", state.ID),
		Body:   a.envelope(body),
	})
	if err != nil {
		return reconcile.Remote{}, err
	}
	if err := transport.CheckStatus(resp, op); err != nil {
		return reconcile.Remote{}, err
	}

	// Action endpoints often answer 202/204 without the resource.
	if obj, err := a.object(resp, op); err == nil {
		if r := a.remote(obj); r.ID != "" {
			return r, nil
		}
	}
	r, found, err := a.Read(ctx, state)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{}, fault.NotFoundf(fmt.Errorf("%s %s disappeared during update", a.def.Name, state.ID), op)
	}
	return r, nil
}

func (a *Adapter) Delete(ctx context.Context, state ir.State) error {
	op := "delete " + a.def.Name
	resp, err := a.do(ctx, &transport.Request{Method: http.MethodDelete, URL: a.url(a.def.itemPath(), "{id}", state.ID)})
	if err != nil {
		return err
	}
	return transport.CheckStatus(resp, op)
}

func (a *Adapter) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	obj, found, err := a.get(ctx, a.url(a.def.itemPath(), "{id}", state.ID), "read "+a.def.Name)
	if err != nil || !found {
		return reconcile.Remote{}, false, err
	}
	return a.remote(obj), true, nil
}

// get fetches one object; 404 is found=false.
func (a *Adapter) get(ctx context.Context, u, op string) (map[string]any, bool, error) {
	resp, err := a.do(ctx, &transport.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, false, err
	}
	if err := transport.CheckStatus(resp, op); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	obj, err := a.object(resp, op)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

func (a *Adapter) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := a.client.Do(ctx, req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || a.reauth == nil {
		return resp, err
	}

	logging.Debug("request unauthorized, refreshing credentials", "adapter", a.def.Name, "url", req.URL)
	if err := a.reauth(ctx); err != nil {
		return nil, err
	}
	return a.client.Do(ctx, req)
}

// object decodes a single resource, unwrapping the envelope.
func (a *Adapter) object(resp *transport.Response, op string) (map[string]any, error) {
	var body map[string]any
	if err := resp.Decode(&body, op); err != nil {
		return nil, err
	}
	if a.def.Envelope == "" {
		return body, nil
	}
	obj, ok := body[a.def.Envelope].(map[string]any)
	if !ok {
		return nil, fault.ParseError(fmt.Errorf("response has no %q object", a.def.Envelope), op, resp.Body)
	}
	return obj, nil
}

func (a *Adapter) envelope(payload map[string]any) any {
	if a.def.RequestEnvelope == "" {
		return payload
	}
	return map[string]any{a.def.RequestEnvelope: payload}
}

func (a *Adapter) url(path, placeholder, value string) string {
	if placeholder != "" {
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
	}
	return strings.TrimRight(a.def.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (a *Adapter) remote(obj map[string]any) reconcile.Remote {
	id := str(lookup(obj, a.def.idField()))
	status := ""
	phase := readiness.Ready
	if a.def.StatusField != "" {
		status = str(lookup(obj, a.def.StatusField))
		switch {
		case slices.Contains(a.def.ReadyValues, status):
		case slices.Contains(a.def.FailedValues, status):
			phase = readiness.Failed
		default:
			phase = readiness.Pending
		}
	}

	fields := map[string]any{a.def.idField(): id}
	if name := lookup(obj, a.def.nameField()); name != nil {
		fields[a.def.nameField()] = name
	}
	if a.def.StatusField != "" {
		fields[a.def.StatusField] = status
	}

	outputs := make(map[string]any, len(a.def.Outputs))
	for name, path := range a.def.Outputs {
		if v := lookup(obj, path); v != nil {
			outputs[name] = v
		}
	}

	return reconcile.Remote{
		ID:      id,
		Fields:  fields,
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}

// lookup follows a dotted path through nested objects.
func lookup(obj map[string]any, path string) any {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func str(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
