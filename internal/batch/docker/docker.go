// Package docker runs builds as short-lived Docker containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terrpan/pulsebuild/internal/batch"
	"github.com/terrpan/pulsebuild/internal/ci"
)

// DefaultImage runs builds when no image is configured.
const DefaultImage = "alpine:latest"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the build container image.  Default: DefaultImage.
	Image string

	// Script is run with /bin/sh -c inside the container.
	Script string

	// Env adds NAME=value pairs to the container environment.
	Env []string

	// Pull fetches the image when the batch is created.
	Pull bool

	// Dind bind-mounts the host's Docker socket into the build
	// container and runs it as root, so builds can use docker.
	//
	// Security note: the socket gives the build full access to the
	// host Docker daemon.
	Dind bool
}

// dockerAPI is the subset of *dockerclient.Client a build uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Batch runs each build in a new container that is force-removed when
// the build ends.
type Batch struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Batch satisfies ci.Batch.
var _ ci.Batch = (*Batch)(nil)

// New connects to the daemon from the environment and, when cfg.Pull is
// set, pulls the build image.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Batch, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	b := newBatch(client, cfg, logger)
	if cfg.Pull {
		if err := b.pull(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func newBatch(client dockerAPI, cfg Config, logger *slog.Logger) *Batch {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Batch{client: client, cfg: cfg, logger: logger}
}

func (b *Batch) pull(ctx context.Context) error {
	b.logger.Info("pulling build image", slog.String("image", b.cfg.Image))

	pull, err := b.client.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", b.cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	b.logger.Info("build image ready", slog.String("image", b.cfg.Image))
	return nil
}

// Exec implements ci.Batch.  Container output is demultiplexed into
// out; the container's exit status is the exit code.
func (b *Batch) Exec(ctx context.Context, args map[string]string, out io.Writer) (int, error) {
	name := "pulsebuild-" + uuid.NewString()[:8]
	environ := append(append([]string{}, b.cfg.Env...), batch.EnvVars(args)...)

	var hostCfg *container.HostConfig
	user := ""
	if b.cfg.Dind {
		user = "root"
		environ = append(environ, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	resp, err := b.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: b.cfg.Image,
			User:  user,
			Cmd:   []string{"/bin/sh", "-c", b.cfg.Script},
			Env:   environ,
			Labels: map[string]string{
				"pulsebuild.commit": args[ci.ArgCommit],
				"pulsebuild.branch": args[ci.ArgBranch],
			},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return -1, fmt.Errorf("container create %s: %w", name, err)
	}
	logger := b.logger.With(slog.String("container", name))
	defer b.remove(ctx, resp.ID, logger)

	// Register the wait before starting so a fast exit is not missed.
	waitCh, errCh := b.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("container start %s: %w", name, err)
	}
	logger.Info("build container started", slog.String("image", b.cfg.Image))

	logs, err := b.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("container logs %s: %w", name, err)
	}
	_, copyErr := stdcopy.StdCopy(out, out, logs)
	_ = logs.Close()
	if copyErr != nil {
		logger.Warn("build output stream ended early", slog.String("error", copyErr.Error()))
	}

	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, fmt.Errorf("container wait %s: %s", name, res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait %s: %w", name, err)
	case <-ctx.Done():
		return -1, fmt.Errorf("container wait %s: %w", name, ctx.Err())
	}
}

// remove force-removes the build container, even after ctx is done.
func (b *Batch) remove(ctx context.Context, id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := b.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logger.Error("failed to remove build container", slog.String("error", err.Error()))
		return
	}
	logger.Debug("build container removed")
}
