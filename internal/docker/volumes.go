// Package docker resolves Docker named volumes to their host mountpoints so a
// local source can list "docker-volume://<name>" entries next to ordinary
// paths. Only read calls (ping, list, inspect) are ever issued.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/filters"
	volumetypes "github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
)

// VolumeScheme prefixes source entries that name a Docker volume.
const VolumeScheme = "docker-volume://"

var (
	// ErrDockerUnavailable is returned when the daemon cannot be reached.
	ErrDockerUnavailable = errors.New("docker: daemon unavailable")

	// ErrVolumeNotFound is returned when a named volume does not exist.
	ErrVolumeNotFound = errors.New("docker: volume not found")

	// ErrNoMountpoint is returned for volumes whose driver exposes no host
	// path.
	ErrNoMountpoint = errors.New("docker: volume has no host mountpoint")
)

// Volume is the subset of volume metadata a backup needs.
type Volume struct {
	Name       string
	Mountpoint string
	Driver     string
	Labels     map[string]string
}

// Client talks to the Docker daemon.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the daemon socket at socketPath, or to the SDK
// default (DOCKER_HOST, then the platform socket) when socketPath is empty.
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return &Client{docker: dc}, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return nil
}

// ListVolumes returns all volumes, optionally restricted by a label filter
// such as "backup=true".
func (c *Client) ListVolumes(ctx context.Context, labelFilter string) ([]Volume, error) {
	opts := volumetypes.ListOptions{Filters: filters.NewArgs()}
	if labelFilter != "" {
		opts.Filters.Add("label", labelFilter)
	}
	list, err := c.docker.VolumeList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	out := make([]Volume, 0, len(list.Volumes))
	for _, v := range list.Volumes {
		out = append(out, Volume{Name: v.Name, Mountpoint: v.Mountpoint, Driver: v.Driver, Labels: v.Labels})
	}
	return out, nil
}

// InspectVolume returns one volume by name.
func (c *Client) InspectVolume(ctx context.Context, name string) (*Volume, error) {
	v, err := c.docker.VolumeInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return &Volume{Name: v.Name, Mountpoint: v.Mountpoint, Driver: v.Driver, Labels: v.Labels}, nil
}

// Mountpoint returns the host path of the named volume.
func (c *Client) Mountpoint(ctx context.Context, name string) (string, error) {
	v, err := c.InspectVolume(ctx, name)
	if err != nil {
		return "", err
	}
	if v.Mountpoint == "" {
		return "", fmt.Errorf("%w: %s (driver %s)", ErrNoMountpoint, name, v.Driver)
	}
	return v.Mountpoint, nil
}

// Close releases the client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// VolumeName returns the volume name of a "docker-volume://" source entry.
func VolumeName(source string) (string, bool) {
	name, ok := strings.CutPrefix(source, VolumeScheme)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
