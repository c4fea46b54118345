package cloudformation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	awscf "github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/pulsebuild/internal/env"
)

const stackID = "arn:aws:cloudformation:us-east-1:123456789012:stack/pulsebuild-1/abc"

// ---------------------------------------------------------------------------
// Mock CloudFormation API
// ---------------------------------------------------------------------------

type mockCF struct {
	cloudformationiface.CloudFormationAPI

	mu sync.Mutex

	createCalls   []*awscf.CreateStackInput
	describeCalls int
	deleteCalls   []*awscf.DeleteStackInput

	createErr   error
	stacks      []*awscf.Stack // one per describe call; last repeats
	describeErr error
	deleteErr   error
}

func (m *mockCF) CreateStackWithContext(_ aws.Context, in *awscf.CreateStackInput, _ ...request.Option) (*awscf.CreateStackOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, in)
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &awscf.CreateStackOutput{StackId: aws.String(stackID)}, nil
}

func (m *mockCF) DescribeStacksWithContext(_ aws.Context, _ *awscf.DescribeStacksInput, _ ...request.Option) (*awscf.DescribeStacksOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	st := m.stacks[min(m.describeCalls-1, len(m.stacks)-1)]
	return &awscf.DescribeStacksOutput{Stacks: []*awscf.Stack{st}}, nil
}

func (m *mockCF) DeleteStackWithContext(_ aws.Context, in *awscf.DeleteStackInput, _ ...request.Option) (*awscf.DeleteStackOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, in)
	return &awscf.DeleteStackOutput{}, m.deleteErr
}

func stack(status string, outputs ...string) *awscf.Stack {
	st := &awscf.Stack{StackId: aws.String(stackID), StackStatus: aws.String(status)}
	for i := 0; i+1 < len(outputs); i += 2 {
		st.Outputs = append(st.Outputs, &awscf.Output{
			OutputKey:   aws.String(outputs[i]),
			OutputValue: aws.String(outputs[i+1]),
		})
	}
	return st
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type StackSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockCF
	waits  []time.Duration
	cfg    Config
}

func (s *StackSuite) SetupTest() {
	s.ctx = context.Background()
	s.waits = nil
	s.client = &mockCF{
		stacks: []*awscf.Stack{stack(awscf.StackStatusCreateComplete, "ip", "198.51.100.4")},
	}
	s.cfg = Config{
		Template:   `{"Resources": {}}`,
		Parameters: map[string]string{"InstanceType": "t3.micro", "Ami": "ami-1"},
		Poller: env.Poller{Sleep: func(_ context.Context, d time.Duration) error {
			s.waits = append(s.waits, d)
			return nil
		}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resolve: func(_ context.Context, host string) ([]netip.Addr, error) {
			if host == "build.example.com" {
				return []netip.Addr{netip.MustParseAddr("192.0.2.55")}, nil
			}
			return nil, errors.New("no such host")
		},
	}
}

func TestStackSuite(t *testing.T) {
	suite.Run(t, new(StackSuite))
}

func (s *StackSuite) acquire() env.Environment {
	envs, err := New(s.client, s.cfg)
	require.NoError(s.T(), err)
	e, err := envs.Acquire(s.ctx)
	require.NoError(s.T(), err)
	return e
}

func (s *StackSuite) TestNew_RequiresTemplate() {
	_, err := New(s.client, Config{Template: "  "})
	assert.Error(s.T(), err)
}

func (s *StackSuite) TestAcquire_RequestShape() {
	e := s.acquire().(*Stack)

	assert.Equal(s.T(), stackID, e.ID())
	assert.True(s.T(), strings.HasPrefix(e.Name(), "pulsebuild-"))
	assert.Len(s.T(), e.Name(), len("pulsebuild-")+8)

	require.Len(s.T(), s.client.createCalls, 1)
	in := s.client.createCalls[0]
	assert.Equal(s.T(), e.Name(), aws.StringValue(in.StackName))
	assert.Equal(s.T(), s.cfg.Template, aws.StringValue(in.TemplateBody))
	require.Len(s.T(), in.Parameters, 2)
	assert.Equal(s.T(), "Ami", aws.StringValue(in.Parameters[0].ParameterKey))
	assert.Equal(s.T(), "InstanceType", aws.StringValue(in.Parameters[1].ParameterKey))

	// No waiting during Acquire.
	assert.Zero(s.T(), s.client.describeCalls)
}

func (s *StackSuite) TestAcquire_UniqueNames() {
	a := s.acquire().(*Stack)
	b := s.acquire().(*Stack)
	assert.NotEqual(s.T(), a.Name(), b.Name())
}

func (s *StackSuite) TestAcquire_Error() {
	s.client.createErr = errors.New("AlreadyExistsException")
	envs, err := New(s.client, s.cfg)
	require.NoError(s.T(), err)

	_, err = envs.Acquire(s.ctx)
	assert.Error(s.T(), err)
}

func (s *StackSuite) TestAddress_InProgressThenComplete() {
	s.client.stacks = []*awscf.Stack{
		stack(awscf.StackStatusCreateInProgress),
		stack(awscf.StackStatusCreateComplete, "IP", "198.51.100.4"),
	}
	e := s.acquire()

	addr, err := e.Address(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "198.51.100.4", addr.IP.String())
	assert.Empty(s.T(), addr.Host)
	assert.Equal(s.T(), 2, s.client.describeCalls)
	assert.Equal(s.T(), []time.Duration{env.DefaultPollInterval}, s.waits)
}

func (s *StackSuite) TestAddress_HostOutputIsResolved() {
	s.client.stacks = []*awscf.Stack{stack(awscf.StackStatusCreateComplete, "Ip", "build.example.com")}
	e := s.acquire()

	addr, err := e.Address(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "build.example.com", addr.Host)
	assert.Equal(s.T(), "192.0.2.55", addr.IP.String())
}

func (s *StackSuite) TestAddress_UnresolvableHost() {
	s.client.stacks = []*awscf.Stack{stack(awscf.StackStatusCreateComplete, "ip", "nowhere.invalid")}
	e := s.acquire()

	_, err := e.Address(s.ctx)
	assert.Error(s.T(), err)
}

func (s *StackSuite) TestAddress_MissingOutput() {
	s.client.stacks = []*awscf.Stack{stack(awscf.StackStatusCreateComplete, "dns", "x")}
	e := s.acquire()

	_, err := e.Address(s.ctx)
	assert.ErrorIs(s.T(), err, env.ErrMissingOutput)
	assert.True(s.T(), env.IsFatal(err))
}

func (s *StackSuite) TestAddress_RollbackIsFatal() {
	st := stack(awscf.StackStatusRollbackComplete)
	st.StackStatusReason = aws.String("The following resource(s) failed to create: [Instance]")
	s.client.stacks = []*awscf.Stack{stack(awscf.StackStatusCreateInProgress), st}
	e := s.acquire()

	_, err := e.Address(s.ctx)
	assert.ErrorIs(s.T(), err, env.ErrUnexpectedState)
	assert.Contains(s.T(), err.Error(), "ROLLBACK_COMPLETE")
	assert.Contains(s.T(), err.Error(), "failed to create")
}

func (s *StackSuite) TestAddress_DescribeError() {
	s.client.describeErr = errors.New("Throttling")
	e := s.acquire()

	_, err := e.Address(s.ctx)
	require.Error(s.T(), err)
	assert.False(s.T(), env.IsFatal(err))
}

func (s *StackSuite) TestClose_DeletesPerCall() {
	e := s.acquire()

	require.NoError(s.T(), e.Close(s.ctx))
	require.Len(s.T(), s.client.deleteCalls, 1)
	assert.Equal(s.T(), stackID, aws.StringValue(s.client.deleteCalls[0].StackName))
	assert.Zero(s.T(), s.client.describeCalls, "close must not wait")

	require.NoError(s.T(), e.Close(s.ctx))
	assert.Len(s.T(), s.client.deleteCalls, 2)
}

func (s *StackSuite) TestClose_RetryAfterFailure() {
	s.client.deleteErr = errors.New("Throttling")
	e := s.acquire()

	require.Error(s.T(), e.Close(s.ctx))

	s.client.deleteErr = nil

	require.NoError(s.T(), e.Close(s.ctx))
	assert.Len(s.T(), s.client.deleteCalls, 2)
}

func (s *StackSuite) TestClose_Error() {
	s.client.deleteErr = errors.New("AccessDenied")
	e := s.acquire()
	assert.Error(s.T(), e.Close(s.ctx))
}
