package gce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/pulsebuild/internal/env"
)

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	getCalls    []*computepb.GetInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	insertErr error
	statuses  []string // one per Get; last repeats
	getErr    error
	deleteErr error
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest, _ ...gax.CallOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return "", m.insertErr
	}
	return "operation-insert", nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest, _ ...gax.CallOption) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	status := m.statuses[min(len(m.getCalls)-1, len(m.statuses)-1)]
	return &computepb.Instance{
		Name:          proto.String(req.GetInstance()),
		Status:        proto.String(status),
		StatusMessage: proto.String("status " + status),
		NetworkInterfaces: []*computepb.NetworkInterface{{
			NetworkIP: proto.String("10.128.0.5"),
			AccessConfigs: []*computepb.AccessConfig{{
				NatIP: proto.String("34.1.2.3"),
			}},
		}},
	}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest, _ ...gax.CallOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return "", m.deleteErr
	}
	return "operation-delete", nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func notFound() error {
	apiErr, _ := apierror.FromError(&googleapi.Error{Code: 404, Message: "The resource was not found"})
	return apiErr
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCESuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	waits  []time.Duration
	cfg    Config
}

func (s *GCESuite) SetupTest() {
	s.ctx = context.Background()
	s.waits = nil
	s.client = &mockInstancesClient{statuses: []string{"RUNNING"}}
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		Image:       "projects/test-project/global/images/builder",
		DiskSizeGB:  50,
		PublicIP:    true,
		Poller: env.Poller{Sleep: func(_ context.Context, d time.Duration) error {
			s.waits = append(s.waits, d)
			return nil
		}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestGCESuite(t *testing.T) {
	suite.Run(t, new(GCESuite))
}

func (s *GCESuite) acquire() *VM {
	e, err := newEnvironments(s.client, s.cfg).Acquire(s.ctx)
	require.NoError(s.T(), err)
	return e.(*VM)
}

// ---------------------------------------------------------------------------
// Acquire
// ---------------------------------------------------------------------------

func (s *GCESuite) TestAcquire_RequestShape() {
	vm := s.acquire()
	assert.True(s.T(), strings.HasPrefix(vm.Name(), "pulsebuild-"))

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), vm.Name(), inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-medium")
	assert.Equal(s.T(), "pulsebuild", inst.GetLabels()["managed-by"])
	assert.Nil(s.T(), inst.GetMetadata())

	// Acquire never waits for the VM.
	assert.Empty(s.T(), s.client.getCalls)
}

func (s *GCESuite) TestAcquire_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	s.acquire()

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCESuite) TestAcquire_Networking() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/builds"
	s.acquire()
	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Equal(s.T(), "global/networks/default", nic.GetNetwork())
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
	assert.Len(s.T(), nic.GetAccessConfigs(), 1)

	s.cfg.PublicIP = false
	s.client.insertCalls = nil
	s.acquire()
	nic = s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs())
}

func (s *GCESuite) TestAcquire_ServiceAccountAndStartupScript() {
	s.cfg.ServiceAccount = "builder@test-project.iam.gserviceaccount.com"
	s.cfg.StartupScript = "#!/bin/sh\necho ready"
	s.acquire()

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	assert.Equal(s.T(), s.cfg.ServiceAccount, inst.GetServiceAccounts()[0].GetEmail())

	items := inst.GetMetadata().GetItems()
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), "startup-script", items[0].GetKey())
	assert.Equal(s.T(), s.cfg.StartupScript, items[0].GetValue())
}

func (s *GCESuite) TestAcquire_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")

	_, err := newEnvironments(s.client, s.cfg).Acquire(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

// ---------------------------------------------------------------------------
// Address
// ---------------------------------------------------------------------------

func (s *GCESuite) TestAddress_ProvisioningThenRunning() {
	s.client.statuses = []string{"PROVISIONING", "STAGING", "RUNNING"}
	vm := s.acquire()

	addr, err := vm.Address(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "34.1.2.3", addr.IP.String())
	assert.Len(s.T(), s.client.getCalls, 3)
	assert.Equal(s.T(), []time.Duration{env.DefaultPollInterval, env.DefaultPollInterval}, s.waits)
	assert.Equal(s.T(), vm.Name(), s.client.getCalls[0].GetInstance())
}

func (s *GCESuite) TestAddress_UnexpectedState() {
	s.client.statuses = []string{"STAGING", "TERMINATED"}
	vm := s.acquire()

	_, err := vm.Address(s.ctx)
	assert.ErrorIs(s.T(), err, env.ErrUnexpectedState)
	assert.Contains(s.T(), err.Error(), "TERMINATED")
}

func (s *GCESuite) TestAddress_GetError() {
	s.client.getErr = errors.New("permission denied")
	vm := s.acquire()

	_, err := vm.Address(s.ctx)
	require.Error(s.T(), err)
	assert.False(s.T(), env.IsFatal(err))
}

func (s *GCESuite) TestAddressOf_InternalFallback() {
	inst := &computepb.Instance{
		Name: proto.String("vm"),
		NetworkInterfaces: []*computepb.NetworkInterface{{
			NetworkIP: proto.String("10.128.0.9"),
		}},
	}
	addr, err := address(inst)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.128.0.9", addr.IP.String())

	_, err = address(&computepb.Instance{Name: proto.String("bare")})
	assert.ErrorIs(s.T(), err, env.ErrMissingOutput)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func (s *GCESuite) TestClose_DeletesOnce() {
	vm := s.acquire()

	require.NoError(s.T(), vm.Close(s.ctx))
	require.NoError(s.T(), vm.Close(s.ctx))

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), vm.Name(), req.GetInstance())
}

func (s *GCESuite) TestClose_NotFoundIsTolerated() {
	s.client.deleteErr = notFound()
	vm := s.acquire()
	assert.NoError(s.T(), vm.Close(s.ctx))
}

func (s *GCESuite) TestClose_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	vm := s.acquire()

	err := vm.Close(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

func (s *GCESuite) TestEnvironmentsClose() {
	require.NoError(s.T(), newEnvironments(s.client, s.cfg).Close())
	assert.True(s.T(), s.client.closed)
}

func (s *GCESuite) TestIsNotFound() {
	assert.True(s.T(), isNotFound(notFound()))
	assert.True(s.T(), isNotFound(fmt.Errorf("delete: %w", notFound())))
	assert.False(s.T(), isNotFound(errors.New("Error 500")))
	assert.False(s.T(), isNotFound(nil))
}

func (s *GCESuite) TestNewEnvironments_Defaults() {
	e := newEnvironments(s.client, Config{Project: "p", Zone: "z", Image: "img"})
	assert.Equal(s.T(), "e2-medium", e.cfg.MachineType)
	assert.Equal(s.T(), int64(50), e.cfg.DiskSizeGB)
	assert.Equal(s.T(), "default", e.cfg.Network)
}

func (s *GCESuite) TestNew_RequiresFields() {
	_, err := New(s.ctx, Config{Project: "p"})
	assert.Error(s.T(), err)
}
