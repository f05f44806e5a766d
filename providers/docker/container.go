package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// ContainerType is the registry name of the container adapter.
const ContainerType = "docker.Container"

// stopTimeout is how long a container gets to exit before it is killed.
const stopTimeout = 10

type containerSpec struct {
	Image       string            `json:"Image"`
	Name        string            `json:"Name"`
	Cmd         []string          `json:"Cmd"`
	Ports       map[string]int    `json:"Ports"` // host port -> container port
	Env         map[string]string `json:"Env"`
	SecretEnv   map[string]string `json:"SecretEnv"` // variable -> secret name
	Networks    []string          `json:"Networks"`
	Binds       []string          `json:"Binds"`
	Labels      map[string]string `json:"Labels"`
	WorkingDir  string            `json:"WorkingDir"`
	User        string            `json:"User"`
	Restart     string            `json:"Restart"`
	Healthcheck *healthSpec       `json:"Healthcheck"`
	Logging     *loggingSpec      `json:"Logging"`
}

type healthSpec struct {
	Test        []string `json:"Test"`
	Interval    string   `json:"Interval"`
	Timeout     string   `json:"Timeout"`
	StartPeriod string   `json:"StartPeriod"`
	Retries     int      `json:"Retries"`
}

type loggingSpec struct {
	Driver  string            `json:"Driver"`
	Options map[string]string `json:"Options"`
}

// Container reconciles containers by name. Containers cannot be changed in
// place, so Update replaces the container under the same name.
type Container struct {
	client  API
	secrets secrets.Store
}

// NewContainer returns a container adapter. store resolves "secretEnv"
// entries and may be nil when none are used.
func NewContainer(client API, store secrets.Store) *Container {
	return &Container{client: client, secrets: store}
}

func (c *Container) Type() string { return ContainerType }

func (c *Container) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"image":      mapper.To("Image"),
			"name":       mapper.To("Name"),
			"command":    mapper.To("Cmd").AsList().OmitEmpty(),
			"ports":      mapper.WrapIn("Ports", nil),
			"env":        mapper.WrapIn("Env", nil),
			"secretEnv":  mapper.WrapIn("SecretEnv", nil),
			"networks":   mapper.To("Networks").AsList().OmitEmpty(),
			"volumes":    mapper.To("Binds").AsList().OmitEmpty(),
			"labels":     mapper.WrapIn("Labels", nil),
			"workingDir": mapper.To("WorkingDir"),
			"user":       mapper.To("User"),
			"restart":    mapper.To("Restart"),
			"healthcheck": mapper.WrapIn("Healthcheck", mapper.Schema{
				"test":        mapper.To("Test").AsList(),
				"interval":    mapper.To("Interval"),
				"timeout":     mapper.To("Timeout"),
				"startPeriod": mapper.To("StartPeriod"),
				"retries":     mapper.To("Retries"),
			}),
			"logging": mapper.WrapIn("Logging", mapper.Schema{
				"driver":  mapper.To("Driver"),
				"options": mapper.WrapIn("Options", nil),
			}),
		},
		Defaults: map[string]any{"Restart": "unless-stopped"},
	}
}

func (c *Container) WatchedFields() []string {
	return []string{"Image", "Cmd", "Ports", "Env", "SecretEnv", "Networks", "Binds", "Labels", "WorkingDir", "User", "Healthcheck"}
}

func (c *Container) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: time.Second, Period: 2 * time.Second, Attempts: 30}
}

func (c *Container) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name := def.String("name")
	if name == "" {
		return reconcile.Remote{}, false, fault.Configurationf("%s requires a name", ContainerType)
	}
	return c.read(ctx, name)
}

func (c *Container) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	var spec containerSpec
	if err := decode(payload, &spec, "create container"); err != nil {
		return reconcile.Remote{}, err
	}
	if spec.Image == "" {
		return reconcile.Remote{}, fault.Configurationf("%s %s requires an image", ContainerType, spec.Name)
	}
	return c.create(ctx, spec)
}

func (c *Container) create(ctx context.Context, spec containerSpec) (reconcile.Remote, error) {
	config, hostConfig, err := c.build(ctx, spec)
	if err != nil {
		return reconcile.Remote{}, err
	}

	if err := c.pull(ctx, spec.Image); err != nil {
		return reconcile.Remote{}, err
	}

	resp, err := c.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, spec.Name)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create container")
	}
	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return reconcile.Remote{}, classify(err, "start container")
	}

	r, found, err := c.read(ctx, resp.ID)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{ID: resp.ID, Fields: map[string]any{"Id": resp.ID}, Phase: readiness.Pending, Status: "created"}, nil
	}
	return r, nil
}

// Update replaces the container: the old one is stopped and removed and a
// new one is created from payload under the same name.
func (c *Container) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	var spec containerSpec
	if err := decode(payload, &spec, "replace container"); err != nil {
		return reconcile.Remote{}, err
	}
	if spec.Name == "" {
		spec.Name, _ = state.Fields["Name"].(string)
	}

	logging.Info("replacing container", "id", state.ID, "name", spec.Name)
	if err := c.Delete(ctx, state); err != nil && !fault.Is(err, fault.NotFound) {
		return reconcile.Remote{}, err
	}
	return c.create(ctx, spec)
}

func (c *Container) Delete(ctx context.Context, state ir.State) error {
	timeout := stopTimeout
	if err := c.client.ContainerStop(ctx, state.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if err := classify(err, "stop container"); !fault.Is(err, fault.NotFound) {
			logging.Warn("failed to stop container, removing anyway", "id", state.ID, "error", err)
		}
	}
	err := c.client.ContainerRemove(ctx, state.ID, container.RemoveOptions{Force: true, RemoveVolumes: false})
	return classify(err, "remove container")
}

func (c *Container) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return c.read(ctx, state.ID)
}

func (c *Container) read(ctx context.Context, ref string) (reconcile.Remote, bool, error) {
	info, err := c.client.ContainerInspect(ctx, ref)
	if err != nil {
		err = classify(err, "inspect container")
		if fault.Is(err, fault.NotFound) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	return containerRemote(info), true, nil
}

func (c *Container) pull(ctx context.Context, ref string) error {
	logging.Debug("pulling image", "image", ref)
	reader, err := c.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err, fmt.Sprintf("pull image %s", ref))
	}
	defer reader.Close()

	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fault.Transientf(err, fmt.Sprintf("pull image %s", ref))
	}
	return nil
}

func (c *Container) build(ctx context.Context, spec containerSpec) (*container.Config, *container.HostConfig, error) {
	env, err := c.env(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, hostPort := range sortedKeys(spec.Ports) {
		p := nat.Port(fmt.Sprintf("%d/tcp", spec.Ports[hostPort]))
		exposed[p] = struct{}{}
		bindings[p] = append(bindings[p], nat.PortBinding{HostIP: "0.0.0.0", HostPort: hostPort})
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          env,
		Labels:       spec.Labels,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		ExposedPorts: exposed,
	}
	if spec.Healthcheck != nil {
		hc, err := healthConfig(spec.Healthcheck)
		if err != nil {
			return nil, nil, err
		}
		config.Healthcheck = hc
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        absBinds(spec.Binds),
	}
	if len(spec.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(spec.Networks[0])
	}
	if spec.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)}
	}
	if spec.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{Type: spec.Logging.Driver, Config: spec.Logging.Options}
	}
	return config, hostConfig, nil
}

// env renders Env and SecretEnv as KEY=value, sorted for a stable config.
func (c *Container) env(ctx context.Context, spec containerSpec) ([]string, error) {
	vars := make(map[string]string, len(spec.Env)+len(spec.SecretEnv))
	for k, v := range spec.Env {
		vars[k] = v
	}
	for k, name := range spec.SecretEnv {
		v, err := secrets.Require(ctx, c.secrets, name)
		if err != nil {
			return nil, err
		}
		vars[k] = v
	}

	out := make([]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		out = append(out, k+"="+vars[k])
	}
	return out, nil
}

func healthConfig(h *healthSpec) (*container.HealthConfig, error) {
	test := h.Test
	if len(test) == 0 {
		test = []string{"NONE"}
	}
	hc := &container.HealthConfig{Test: test, Retries: h.Retries}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{h.Interval, &hc.Interval},
		{h.Timeout, &hc.Timeout},
		{h.StartPeriod, &hc.StartPeriod},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fault.Configurationf("healthcheck: invalid duration %q", d.raw)
		}
		*d.dst = v
	}
	return hc, nil
}

// absBinds resolves relative host paths in bind mounts.
func absBinds(binds []string) []string {
	out := make([]string, 0, len(binds))
	for _, b := range binds {
		parts := strings.SplitN(b, ":", 2)
		if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
			if abs, err := filepath.Abs(parts[0]); err == nil {
				parts[0] = abs
				b = strings.Join(parts, ":")
			}
		}
		out = append(out, b)
	}
	return out
}

func containerRemote(info types.ContainerJSON) reconcile.Remote {
	if info.ContainerJSONBase == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := "unknown"
	phase := readiness.Pending
	if s := info.State; s != nil {
		status = s.Status
		switch {
		case s.Health != nil && s.Health.Status == types.Unhealthy:
			phase, status = readiness.Failed, types.Unhealthy
		case s.Status == "exited" || s.Status == "dead":
			phase = readiness.Failed
		case s.Running && (s.Health == nil || s.Health.Status == types.NoHealthcheck || s.Health.Status == types.Healthy):
			phase = readiness.Ready
		case s.Running && s.Health != nil:
			status = s.Health.Status
		}
	}

	name := strings.TrimPrefix(info.Name, "/")
	fields := map[string]any{"Id": info.ID, "Name": name}
	outputs := map[string]any{"id": info.ID, "name": name}

	if ns := info.NetworkSettings; ns != nil {
		for _, netName := range sortedKeys(ns.Networks) {
			if ep := ns.Networks[netName]; ep != nil && ep.IPAddress != "" {
				outputs["ipAddress"] = ep.IPAddress
				break
			}
		}
		ports := map[string]any{}
		for p, bindings := range ns.Ports {
			if len(bindings) > 0 {
				ports[string(p)] = bindings[0].HostPort
			}
		}
		if len(ports) > 0 {
			outputs["ports"] = ports
		}
	}

	return reconcile.Remote{
		ID:      info.ID,
		Fields:  fields,
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
