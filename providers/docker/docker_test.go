package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

type fakeContainer struct {
	name   string
	config *container.Config
	host   *container.HostConfig
	state  *types.ContainerState
}

// fakeDaemon is an in-memory Docker Engine.
type fakeDaemon struct {
	containers map[string]*fakeContainer // by id
	networks   map[string]network.Inspect
	volumes    map[string]volume.Volume
	pulled     []string
	seq        int
	health     string
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		containers: map[string]*fakeContainer{},
		networks:   map[string]network.Inspect{},
		volumes:    map[string]volume.Volume{},
	}
}

func notFound(what string) error {
	return errdefs.NotFound(fmt.Errorf("No such %s", what))
}

func (d *fakeDaemon) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	d.pulled = append(d.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (d *fakeDaemon) find(ref string) (string, *fakeContainer) {
	if c, ok := d.containers[ref]; ok {
		return ref, c
	}
	for id, c := range d.containers {
		if c.name == ref {
			return id, c
		}
	}
	return "", nil
}

func (d *fakeDaemon) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, name string) (container.CreateResponse, error) {
	if _, c := d.find(name); c != nil {
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("name %q in use", name))
	}
	d.seq++
	id := fmt.Sprintf("c%d", d.seq)
	d.containers[id] = &fakeContainer{name: name, config: config, host: hostConfig, state: &types.ContainerState{Status: "created"}}
	return container.CreateResponse{ID: id}, nil
}

func (d *fakeDaemon) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	_, c := d.find(id)
	if c == nil {
		return notFound("container")
	}
	c.state = &types.ContainerState{Status: "running", Running: true}
	if c.config.Healthcheck != nil {
		c.state.Health = &types.Health{Status: types.Starting}
	}
	return nil
}

func (d *fakeDaemon) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	_, c := d.find(id)
	if c == nil {
		return notFound("container")
	}
	c.state = &types.ContainerState{Status: "exited"}
	return nil
}

func (d *fakeDaemon) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	key, c := d.find(id)
	if c == nil {
		return notFound("container")
	}
	delete(d.containers, key)
	return nil
}

func (d *fakeDaemon) ContainerInspect(ctx context.Context, ref string) (types.ContainerJSON, error) {
	id, c := d.find(ref)
	if c == nil {
		return types.ContainerJSON{}, notFound("container")
	}
	if c.state.Health != nil && d.health != "" {
		c.state.Health.Status = d.health
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: id, Name: "/" + c.name, State: c.state},
		Config:            c.config,
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{"bridge": {IPAddress: "172.17.0.2"}},
		},
	}, nil
}

func (d *fakeDaemon) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	if _, ok := d.networks[name]; ok {
		return network.CreateResponse{}, errdefs.Conflict(fmt.Errorf("network %s already exists", name))
	}
	d.seq++
	id := fmt.Sprintf("n%d", d.seq)
	d.networks[name] = network.Inspect{ID: id, Name: name, Driver: options.Driver}
	return network.CreateResponse{ID: id}, nil
}

func (d *fakeDaemon) NetworkInspect(ctx context.Context, ref string, options network.InspectOptions) (network.Inspect, error) {
	for name, n := range d.networks {
		if name == ref || n.ID == ref {
			return n, nil
		}
	}
	return network.Inspect{}, notFound("network")
}

func (d *fakeDaemon) NetworkRemove(ctx context.Context, ref string) error {
	for name, n := range d.networks {
		if name == ref || n.ID == ref {
			delete(d.networks, name)
			return nil
		}
	}
	return notFound("network")
}

func (d *fakeDaemon) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	v := volume.Volume{Name: options.Name, Driver: options.Driver, Mountpoint: "/var/lib/docker/volumes/" + options.Name + "/_data"}
	d.volumes[options.Name] = v
	return v, nil
}

func (d *fakeDaemon) VolumeInspect(ctx context.Context, name string) (volume.Volume, error) {
	v, ok := d.volumes[name]
	if !ok {
		return volume.Volume{}, notFound("volume")
	}
	return v, nil
}

func (d *fakeDaemon) VolumeRemove(ctx context.Context, name string, force bool) error {
	if _, ok := d.volumes[name]; !ok {
		return notFound("volume")
	}
	delete(d.volumes, name)
	return nil
}

func TestContainer_HealthGatesReadiness(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	store := secrets.NewMemory(map[string]string{"api-db-password": "hunter2"})
	ctrl := reconcile.NewController(NewContainer(d, store))

	def := ir.Definition{
		"name":      "api",
		"image":     "nginx:1.27",
		"ports":     map[string]any{"8080": 80},
		"env":       map[string]any{"MODE": "prod"},
		"secretEnv": map[string]any{"DB_PASSWORD": "api-db-password"},
		"volumes":   "data:/data",
		"healthcheck": map[string]any{
			"test":     []any{"CMD", "curl", "-f", "http://localhost"},
			"interval": "5s",
			"retries":  3,
		},
	}

	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "c1", state.ID)
	assert.Equal(t, []string{"nginx:1.27"}, d.pulled)

	c := d.containers["c1"]
	assert.Equal(t, []string{"DB_PASSWORD=hunter2", "MODE=prod"}, c.config.Env)
	assert.Equal(t, []string{"data:/data"}, c.host.Binds)
	assert.Equal(t, "8080", c.host.PortBindings[nat.Port("80/tcp")][0].HostPort)
	assert.Equal(t, container.RestartPolicyMode("unless-stopped"), c.host.RestartPolicy.Name)
	require.NotNil(t, c.config.Healthcheck)
	assert.Equal(t, 3, c.config.Healthcheck.Retries)

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotReady))
	assert.Equal(t, types.Starting, state.Readiness.LastStatus)

	d.health = types.Healthy
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.2", state.Outputs["ipAddress"])

	d.health = types.Unhealthy
	_, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestContainer_UpdateReplaces(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	ctrl := reconcile.NewController(NewContainer(d, nil))

	def := ir.Definition{"name": "web", "image": "nginx:1.26"}
	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	require.Equal(t, "c1", state.ID)

	def["image"] = "nginx:1.27"
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, "c2", state.ID)
	assert.Len(t, d.containers, 1)
	assert.Equal(t, "nginx:1.27", d.containers["c2"].config.Image)
	assert.Equal(t, "web", d.containers["c2"].name)

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Empty(t, d.containers)
}

func TestContainer_MissingSecretFailsBeforeCreate(t *testing.T) {
	d := newFakeDaemon()
	a := NewContainer(d, secrets.NewMemory(nil))
	_, err := a.Create(context.Background(), ir.Definition{"name": "x"}, map[string]any{
		"Name": "x", "Image": "busybox", "SecretEnv": map[string]any{"TOKEN": "absent"},
	})
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Empty(t, d.containers)
}

func TestNetworkAndVolume_AdoptAndDelete(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	d.networks["shared"] = network.Inspect{ID: "n0", Name: "shared", Driver: "bridge"}

	netCtrl := reconcile.NewController(NewNetwork(d))
	adopted, err := netCtrl.Invoke(ctx, ir.Definition{"name": "shared"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.True(t, adopted.Existing)

	_, err = netCtrl.Invoke(ctx, ir.Definition{"name": "shared"}, adopted, ir.ActionDelete)
	require.NoError(t, err)
	assert.Contains(t, d.networks, "shared", "adopted networks are never removed")

	own, err := netCtrl.Invoke(ctx, ir.Definition{"name": "app"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.False(t, own.Existing)
	assert.Equal(t, "bridge", d.networks["app"].Driver)
	_, err = netCtrl.Invoke(ctx, ir.Definition{"name": "app"}, own, ir.ActionDelete)
	require.NoError(t, err)
	assert.NotContains(t, d.networks, "app")

	volCtrl := reconcile.NewController(NewVolume(d))
	vol, err := volCtrl.Invoke(ctx, ir.Definition{"name": "data"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "data", vol.ID)
	assert.Equal(t, "/var/lib/docker/volumes/data/_data", vol.Outputs["mountpoint"])

	_, err = volCtrl.Invoke(ctx, ir.Definition{"name": "data"}, vol, ir.ActionDelete)
	require.NoError(t, err)
	// Deleting again finds nothing and still succeeds.
	_, err = volCtrl.Invoke(ctx, ir.Definition{"name": "data"}, vol, ir.ActionDelete)
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, fault.Is(classify(errdefs.NotFound(errors.New("x")), "op"), fault.NotFound))
	assert.True(t, fault.Is(classify(errdefs.Conflict(errors.New("x")), "op"), fault.Conflict))
	assert.True(t, fault.Is(classify(errdefs.Unavailable(errors.New("x")), "op"), fault.Transient))
	assert.True(t, fault.Is(classify(errdefs.InvalidParameter(errors.New("x")), "op"), fault.Terminal))
	assert.NoError(t, classify(nil, "op"))
}
