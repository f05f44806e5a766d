package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

const (
	// NetworkType is the registry name of the network adapter.
	NetworkType = "docker.Network"

	// VolumeType is the registry name of the volume adapter.
	VolumeType = "docker.Volume"
)

// Networks and volumes exist as soon as the create call returns.
var immediate = readiness.Policy{InitialDelay: 0, Period: time.Second, Attempts: 3}

type networkSpec struct {
	Name     string            `json:"Name"`
	Driver   string            `json:"Driver"`
	Internal bool              `json:"Internal"`
	Labels   map[string]string `json:"Labels"`
}

// Network reconciles user-defined networks by name. Networks are
// immutable; nothing is watched.
type Network struct {
	client API
}

// NewNetwork returns a network adapter.
func NewNetwork(client API) *Network {
	return &Network{client: client}
}

func (n *Network) Type() string { return NetworkType }

func (n *Network) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":     mapper.To("Name"),
			"driver":   mapper.To("Driver"),
			"internal": mapper.To("Internal"),
			"labels":   mapper.WrapIn("Labels", nil),
		},
		Defaults: map[string]any{"Driver": "bridge"},
	}
}

func (n *Network) WatchedFields() []string { return []string{} }

func (n *Network) ReadinessPolicy() readiness.Policy { return immediate }

func (n *Network) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name := def.String("name")
	if name == "" {
		return reconcile.Remote{}, false, fault.Configurationf("%s requires a name", NetworkType)
	}
	return n.read(ctx, name)
}

func (n *Network) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	var spec networkSpec
	if err := decode(payload, &spec, "create network"); err != nil {
		return reconcile.Remote{}, err
	}
	resp, err := n.client.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:   spec.Driver,
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		return reconcile.Remote{}, classify(err, "create network")
	}
	return reconcile.Remote{
		ID:      resp.ID,
		Fields:  map[string]any{"Id": resp.ID, "Name": spec.Name},
		Phase:   readiness.Ready,
		Status:  "created",
		Outputs: map[string]any{"id": resp.ID, "name": spec.Name},
	}, nil
}

func (n *Network) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	return reconcile.Remote{}, fault.Configurationf("%s %s cannot be updated in place", NetworkType, state.ID)
}

func (n *Network) Delete(ctx context.Context, state ir.State) error {
	return classify(n.client.NetworkRemove(ctx, state.ID), "remove network")
}

func (n *Network) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return n.read(ctx, state.ID)
}

func (n *Network) read(ctx context.Context, ref string) (reconcile.Remote, bool, error) {
	info, err := n.client.NetworkInspect(ctx, ref, network.InspectOptions{})
	if err != nil {
		err = classify(err, "inspect network")
		if fault.Is(err, fault.NotFound) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}

	outputs := map[string]any{"id": info.ID, "name": info.Name}
	if len(info.IPAM.Config) > 0 {
		outputs["subnet"] = info.IPAM.Config[0].Subnet
		outputs["gateway"] = info.IPAM.Config[0].Gateway
	}
	return reconcile.Remote{
		ID:      info.ID,
		Fields:  map[string]any{"Id": info.ID, "Name": info.Name, "Driver": info.Driver},
		Phase:   readiness.Ready,
		Status:  "available",
		Outputs: outputs,
	}, true, nil
}

type volumeSpec struct {
	Name       string            `json:"Name"`
	Driver     string            `json:"Driver"`
	DriverOpts map[string]string `json:"DriverOpts"`
	Labels     map[string]string `json:"Labels"`
}

// Volume reconciles named volumes. The identifier is the volume name.
type Volume struct {
	client API
}

// NewVolume returns a volume adapter.
func NewVolume(client API) *Volume {
	return &Volume{client: client}
}

func (v *Volume) Type() string { return VolumeType }

func (v *Volume) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":    mapper.To("Name"),
			"driver":  mapper.To("Driver"),
			"options": mapper.WrapIn("DriverOpts", nil),
			"labels":  mapper.WrapIn("Labels", nil),
		},
		Defaults: map[string]any{"Driver": "local"},
	}
}

func (v *Volume) WatchedFields() []string { return []string{} }

func (v *Volume) ReadinessPolicy() readiness.Policy { return immediate }

func (v *Volume) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name := def.String("name")
	if name == "" {
		return reconcile.Remote{}, false, fault.Configurationf("%s requires a name", VolumeType)
	}
	return v.read(ctx, name)
}

func (v *Volume) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	var spec volumeSpec
	if err := decode(payload, &spec, "create volume"); err != nil {
		return reconcile.Remote{}, err
	}
	vol, err := v.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:       spec.Name,
		Driver:     spec.Driver,
		DriverOpts: spec.DriverOpts,
		Labels:     spec.Labels,
	})
	if err != nil {
		return reconcile.Remote{}, classify(err, "create volume")
	}
	return volumeRemote(vol), nil
}

func (v *Volume) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	return reconcile.Remote{}, fault.Configurationf("%s %s cannot be updated in place", VolumeType, state.ID)
}

func (v *Volume) Delete(ctx context.Context, state ir.State) error {
	return classify(v.client.VolumeRemove(ctx, state.ID, false), "remove volume")
}

func (v *Volume) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return v.read(ctx, state.ID)
}

func (v *Volume) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	vol, err := v.client.VolumeInspect(ctx, name)
	if err != nil {
		err = classify(err, "inspect volume")
		if fault.Is(err, fault.NotFound) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	return volumeRemote(vol), true, nil
}

func volumeRemote(vol volume.Volume) reconcile.Remote {
	return reconcile.Remote{
		ID:      vol.Name,
		Fields:  map[string]any{"Name": vol.Name, "Driver": vol.Driver},
		Phase:   readiness.Ready,
		Status:  "available",
		Outputs: map[string]any{"name": vol.Name, "mountpoint": vol.Mountpoint},
	}
}
