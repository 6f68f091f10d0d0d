// Package docker runs agent containers on a Docker engine.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/provision"
)

// apiClient is the part of the Docker client the runtime uses.
type apiClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

type Runtime struct {
	cli apiClient
}

var _ provision.Runtime = (*Runtime)(nil)

// New connects using the DOCKER_HOST family of environment variables.
func New() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) Create(ctx context.Context, spec provision.ResourceSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		User:   spec.User,
	}
	hostCfg := &container.HostConfig{
		Binds:         spec.Binds,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (*provision.ResourceState, error) {
	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return &provision.ResourceState{}, nil
	}
	return toState(resp.State), nil
}

// Remove force-removes a container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) ListByLabel(ctx context.Context, key, value string) ([]provision.ResourceInfo, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]provision.ResourceInfo, 0, len(list))
	for _, s := range list {
		out = append(out, toInfo(s))
	}
	return out, nil
}

func (r *Runtime) FindByName(ctx context.Context, name string) (*provision.ResourceInfo, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return nil, fmt.Errorf("find container %s: %w", name, err)
	}

	// The name filter matches substrings on older engines.
	for _, s := range list {
		info := toInfo(s)
		if info.Name == name {
			return &info, nil
		}
	}
	return nil, nil
}

func toInfo(s container.Summary) provision.ResourceInfo {
	var name string
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	return provision.ResourceInfo{
		ID:        s.ID,
		Name:      name,
		Labels:    s.Labels,
		State:     s.State,
		CreatedAt: time.Unix(s.Created, 0),
	}
}

func toState(s *container.State) *provision.ResourceState {
	return &provision.ResourceState{
		Running:    s.Running && !s.Restarting,
		ExitCode:   s.ExitCode,
		Status:     s.Status,
		StartedAt:  parseTime(s.StartedAt),
		FinishedAt: parseTime(s.FinishedAt),
	}
}

// parseTime returns the zero time for the engine's "never" marker.
func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
