//go:build integration

package docker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/pulsebuild/internal/ci"
)

// DockerBatchIntegrationSuite runs builds against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/batch/docker/ -tags integration -v
type DockerBatchIntegrationSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client
}

func (s *DockerBatchIntegrationSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	_, err = cli.Ping(context.Background())
	require.NoError(s.T(), err, "Docker daemon must be reachable")
}

func (s *DockerBatchIntegrationSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerBatchIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 120*time.Second)
}

func (s *DockerBatchIntegrationSuite) TearDownTest() {
	s.cancel()
}

func TestDockerBatchIntegrationSuite(t *testing.T) {
	suite.Run(t, new(DockerBatchIntegrationSuite))
}

func (s *DockerBatchIntegrationSuite) newBatch(script string) *Batch {
	b, err := New(s.ctx, Config{Image: DefaultImage, Script: script, Pull: true}, s.logger)
	require.NoError(s.T(), err)
	return b
}

// leftovers counts containers labelled with commit.
func (s *DockerBatchIntegrationSuite) leftovers(commit string) int {
	list, err := s.docker.ContainerList(s.ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "pulsebuild.commit="+commit)),
	})
	require.NoError(s.T(), err)
	return len(list)
}

func (s *DockerBatchIntegrationSuite) TestExec_StreamsOutput() {
	b := s.newBatch(`echo "building $COMMIT"; echo "on stderr" >&2`)
	var out bytes.Buffer

	code, err := b.Exec(s.ctx, map[string]string{ci.ArgCommit: "it-output"}, &out)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, code)
	assert.Contains(s.T(), out.String(), "building it-output")
	assert.Contains(s.T(), out.String(), "on stderr")
	assert.Zero(s.T(), s.leftovers("it-output"), "container must be removed")
}

func (s *DockerBatchIntegrationSuite) TestExec_ExitCode() {
	b := s.newBatch("exit 7")

	code, err := b.Exec(s.ctx, map[string]string{ci.ArgCommit: "it-exit"}, io.Discard)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 7, code)
	assert.Zero(s.T(), s.leftovers("it-exit"))
}

func (s *DockerBatchIntegrationSuite) TestExec_RapidBuilds() {
	b := s.newBatch("true")

	for range 3 {
		code, err := b.Exec(s.ctx, map[string]string{ci.ArgCommit: "it-rapid"}, io.Discard)
		require.NoError(s.T(), err)
		assert.Equal(s.T(), 0, code)
	}
	assert.Zero(s.T(), s.leftovers("it-rapid"))
}
