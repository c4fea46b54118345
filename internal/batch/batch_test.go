package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/pulsebuild/internal/env"
)

func TestEnvVars(t *testing.T) {
	vars := EnvVars(map[string]string{
		"commit":   "abc",
		"branch":   "feature/x",
		"build-id": "7",
	})
	assert.Equal(t, []string{"BRANCH=feature/x", "BUILD_ID=7", "COMMIT=abc"}, vars)
	assert.Empty(t, EnvVars(nil))
}

// ---------------------------------------------------------------------------
// Shell
// ---------------------------------------------------------------------------

func TestShell_ExportsArgsAndCapturesOutput(t *testing.T) {
	var out bytes.Buffer
	sh := &Shell{Script: `echo "$COMMIT on $BRANCH"; echo oops >&2`, Env: []string{"EXTRA=1"}}

	code, err := sh.Exec(context.Background(), map[string]string{"commit": "abc123", "branch": "main"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "abc123 on main")
	assert.Contains(t, out.String(), "oops")
}

func TestShell_NonZeroExitIsNotAnError(t *testing.T) {
	code, err := (&Shell{Script: "exit 3"}).Exec(context.Background(), nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestShell_WorkingDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	var out bytes.Buffer

	_, err = (&Shell{Script: "pwd -P", Dir: dir}).Exec(context.Background(), nil, &out)
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(out.String()))
}

func TestShell_MissingInterpreter(t *testing.T) {
	_, err := (&Shell{Script: "true", Interpreter: "/nonexistent/sh"}).Exec(context.Background(), nil, io.Discard)
	assert.Error(t, err)
}

func TestShell_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := (&Shell{Script: "sleep 5"}).Exec(ctx, nil, io.Discard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ---------------------------------------------------------------------------
// Provisioned
// ---------------------------------------------------------------------------

type fakeEnv struct {
	mu       sync.Mutex
	closed   int
	closeErr error
	addrErr  error
}

func (f *fakeEnv) Address(context.Context) (env.Address, error) {
	if f.addrErr != nil {
		return env.Address{}, f.addrErr
	}
	return env.Address{Host: "build-1.example.com", IP: netip.MustParseAddr("198.51.100.9")}, nil
}

func (f *fakeEnv) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return errors.Join(ctx.Err(), f.closeErr)
}

type fakeEnvs struct {
	env *fakeEnv
	err error
}

func (f *fakeEnvs) Acquire(context.Context) (env.Environment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.env, nil
}

type recordingBatch struct {
	args map[string]string
	code int
	err  error
}

func (r *recordingBatch) Exec(_ context.Context, args map[string]string, _ io.Writer) (int, error) {
	r.args = args
	return r.code, r.err
}

type ProvisionedSuite struct {
	suite.Suite
	ctx   context.Context
	env   *fakeEnv
	inner *recordingBatch
	p     *Provisioned
}

func (s *ProvisionedSuite) SetupTest() {
	s.ctx = context.Background()
	s.env = &fakeEnv{}
	s.inner = &recordingBatch{}
	s.p = NewProvisioned(&fakeEnvs{env: s.env}, s.inner, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProvisionedSuite(t *testing.T) {
	suite.Run(t, new(ProvisionedSuite))
}

func (s *ProvisionedSuite) TestAddsAddressAndCloses() {
	args := map[string]string{"commit": "abc"}

	code, err := s.p.Exec(s.ctx, args, io.Discard)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, code)

	assert.Equal(s.T(), map[string]string{
		"commit": "abc",
		ArgHost:  "build-1.example.com",
		ArgIP:    "198.51.100.9",
	}, s.inner.args)
	assert.NotContains(s.T(), args, ArgHost, "caller's map must not be modified")
	assert.Equal(s.T(), 1, s.env.closed)
}

func (s *ProvisionedSuite) TestClosesWhenBuildFails() {
	s.inner.code = 1

	code, err := s.p.Exec(s.ctx, nil, io.Discard)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, code)
	assert.Equal(s.T(), 1, s.env.closed)
}

func (s *ProvisionedSuite) TestClosesWhenBatchErrors() {
	s.inner.err = errors.New("exec failed")

	_, err := s.p.Exec(s.ctx, nil, io.Discard)
	require.Error(s.T(), err)
	assert.Equal(s.T(), 1, s.env.closed)
}

func (s *ProvisionedSuite) TestClosesWhenAddressFails() {
	s.env.addrErr = env.ErrMissingOutput

	_, err := s.p.Exec(s.ctx, nil, io.Discard)
	assert.ErrorIs(s.T(), err, env.ErrMissingOutput)
	assert.Equal(s.T(), 1, s.env.closed)
	assert.Nil(s.T(), s.inner.args, "the build must not run")
}

func (s *ProvisionedSuite) TestCloseErrorKeepsExitCode() {
	s.inner.code = 4
	s.env.closeErr = errors.New("terminate throttled")

	code, err := s.p.Exec(s.ctx, nil, io.Discard)
	assert.Equal(s.T(), 4, code)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "terminate throttled")
}

func (s *ProvisionedSuite) TestClosesAfterCancellation() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.inner.err = context.Canceled
	cancel()

	_, err := s.p.Exec(ctx, nil, io.Discard)
	require.Error(s.T(), err)
	assert.Equal(s.T(), 1, s.env.closed)
	assert.NotContains(s.T(), err.Error(), "releasing environment", "close runs on a live context")
}

func (s *ProvisionedSuite) TestAcquireFailure() {
	p := NewProvisioned(&fakeEnvs{err: env.ErrNoInstance}, s.inner, nil)

	_, err := p.Exec(s.ctx, nil, io.Discard)
	assert.ErrorIs(s.T(), err, env.ErrNoInstance)
	assert.Nil(s.T(), s.inner.args)
}
