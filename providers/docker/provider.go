// Package docker reconciles Docker Engine objects: containers, networks and
// volumes. Containers are ready once running and, when they declare a
// healthcheck, healthy.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/reconcilr/internal/fault"
)

// API is the subset of *client.Client used by the adapters.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)

	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkRemove(ctx context.Context, networkID string) error

	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Connect returns a client configured from DOCKER_HOST and friends,
// negotiating the API version with the daemon.
func Connect() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fault.Configurationf("failed to create Docker client: %v", err)
	}
	return cli, nil
}

// classify maps daemon errors onto the fault taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch {
	case errdefs.IsNotFound(err):
		return fault.NotFoundf(err, op)
	case errdefs.IsConflict(err):
		return fault.Conflictf(err, op)
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err), errdefs.IsSystem(err), errdefs.IsDeadline(err):
		return fault.Transientf(err, op)
	default:
		return fault.Terminalf(err, op)
	}
}

// decode converts a mapped payload into a typed spec.
func decode(payload map[string]any, v any, op string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fault.Configurationf("%s: encode payload: %v", op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Configurationf("%s: payload does not match the expected shape: %v", op, err)
	}
	return nil
}
