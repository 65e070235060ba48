// Package replicas runs agent pool replicas as Docker containers.
package replicas

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/autoscale"
)

const (
	// LabelPool marks containers belonging to an agent pool.
	LabelPool = "fleet.pool"
	// LabelManaged marks containers created by the operator.
	LabelManaged = "fleet.managed"
)

// DockerAPI is the subset of the Docker client used by DockerSet.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Config configures the Docker replica set.
type Config struct {
	// Host is the Docker daemon address; empty uses the environment.
	Host string
	// Network the agent containers join.
	Network string
	// AgentPort is the gRPC port agents listen on inside the network.
	AgentPort int
	// StopTimeout is how long an agent gets to drain before it is killed.
	StopTimeout time.Duration
	// PullImages pulls the pool image before creating containers.
	PullImages bool
}

// DockerSet implements autoscale.ReplicaSet with containers labelled by pool.
type DockerSet struct {
	api    DockerAPI
	cfg    Config
	logger zerolog.Logger
}

// NewDockerClient creates a Docker client and checks the daemon responds.
func NewDockerClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return cli, nil
}

// NewDockerSet creates a replica set on top of api.
func NewDockerSet(api DockerAPI, cfg Config, logger zerolog.Logger) *DockerSet {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 7000
	}
	return &DockerSet{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "docker-replicas").Logger(),
	}
}

// Count returns the number of running containers of a pool.
func (d *DockerSet) Count(ctx context.Context, pool string) (int, error) {
	list, err := d.list(ctx, pool)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Hosts returns the agent addresses of a pool's running containers.
func (d *DockerSet) Hosts(ctx context.Context, pool string) ([]string, error) {
	list, err := d.list(ctx, pool)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(list))
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		hosts = append(hosts, net.JoinHostPort(name, strconv.Itoa(d.cfg.AgentPort)))
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Scale creates or removes containers until the pool runs target of
// them. The newest containers are removed first.
func (d *DockerSet) Scale(ctx context.Context, spec autoscale.PoolSpec, target int) error {
	list, err := d.list(ctx, spec.Name)
	if err != nil {
		return err
	}

	current := len(list)
	switch {
	case current < target:
		if d.cfg.PullImages {
			if err := d.pull(ctx, spec.Image); err != nil {
				return err
			}
		}
		for i := current; i < target; i++ {
			if err := d.create(ctx, spec); err != nil {
				return err
			}
		}
	case current > target:
		sort.Slice(list, func(i, j int) bool { return list[i].Created > list[j].Created })
		for _, c := range list[:current-target] {
			if err := d.remove(ctx, c.ID); err != nil {
				return err
			}
		}
	default:
		return nil
	}

	d.logger.Info().
		Str("pool", spec.Name).
		Int("from", current).
		Int("to", target).
		Msg("pool replicas scaled")
	return nil
}

func (d *DockerSet) list(ctx context.Context, pool string) ([]container.Summary, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManaged+"=true"),
			filters.Arg("label", LabelPool+"="+pool),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of pool %s: %w", pool, err)
	}
	return list, nil
}

func (d *DockerSet) pull(ctx context.Context, ref string) error {
	reader, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerSet) create(ctx context.Context, spec autoscale.PoolSpec) error {
	env := make([]string, 0, len(spec.Env)+2)
	env = append(env,
		"FLEET_AGENT_POOL="+spec.Name,
		"FLEET_AGENT_GRPC_PORT="+strconv.Itoa(d.cfg.AgentPort),
	)
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}

	name := fmt.Sprintf("fleet-agent-%s-%s", spec.Name, uuid.NewString()[:8])
	cfg := &container.Config{
		Image:    spec.Image,
		Env:      env,
		Hostname: name,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelPool:    spec.Name,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if d.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create agent container: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start agent container: %w", err)
	}
	d.logger.Debug().Str("pool", spec.Name).Str("container_id", resp.ID).Msg("agent container started")
	return nil
}

func (d *DockerSet) remove(ctx context.Context, id string) error {
	timeout := int(d.cfg.StopTimeout.Seconds())
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		d.logger.Debug().Err(err).Str("container_id", id).Msg("failed to stop agent container")
	}
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove agent container: %w", err)
	}
	d.logger.Debug().Str("container_id", id).Msg("agent container removed")
	return nil
}
