// Package gce provisions build environments as Google Compute Engine
// VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config; auth is handled by the environment
// (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/pulsebuild/internal/env"
)

// Config holds GCE-specific settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone where build VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the build image (required).
	// Examples:
	//   "projects/my-project/global/images/builder-1234567890"
	//   "projects/my-project/global/images/family/builder"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network.  Default: "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP gives VMs an external address.
	PublicIP bool

	// ServiceAccount is attached to the VM when set.
	ServiceAccount string

	// StartupScript is passed as the "startup-script" metadata item.
	StartupScript string

	// NamePrefix starts every VM name.  Default: "pulsebuild".
	NamePrefix string

	Poller env.Poller
	Logger *slog.Logger
}

// instancesAPI is the subset of *compute.InstancesClient used here.
// Operations are never waited on, so only their names are returned.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (string, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (string, error)
	Close() error
}

// restClient adapts *compute.InstancesClient to instancesAPI.
type restClient struct{ c *compute.InstancesClient }

func (r restClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (string, error) {
	op, err := r.c.Insert(ctx, req, opts...)
	if err != nil {
		return "", err
	}
	return op.Name(), nil
}

func (r restClient) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r restClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (string, error) {
	op, err := r.c.Delete(ctx, req, opts...)
	if err != nil {
		return "", err
	}
	return op.Name(), nil
}

func (r restClient) Close() error { return r.c.Close() }

// retry retries a single API call on gateway errors.
var retry = gax.WithRetry(func() gax.Retryer {
	return gax.OnHTTPCodes(gax.Backoff{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
	}, 502, 503, 504)
})

// Environments creates one VM per Acquire.
type Environments struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

var _ env.Environments = (*Environments)(nil)

// New creates GCE environments using Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Environments, error) {
	if cfg.Project == "" || cfg.Zone == "" || cfg.Image == "" {
		return nil, errors.New("gce: project, zone and image are required")
	}
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gce instances client: %w", err)
	}
	e := newEnvironments(restClient{client}, cfg)
	e.logger.Info("gce environments initialized",
		slog.String("project", e.cfg.Project),
		slog.String("zone", e.cfg.Zone),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("image", e.cfg.Image),
	)
	return e, nil
}

func newEnvironments(client instancesAPI, cfg Config) *Environments {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "pulsebuild"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Poller.Logger == nil {
		cfg.Poller.Logger = cfg.Logger
	}
	return &Environments{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("pulsebuild/env/gce"),
	}
}

// Close releases the API client.
func (e *Environments) Close() error { return e.client.Close() }

// Acquire inserts a VM and returns without waiting on the operation.
func (e *Environments) Acquire(ctx context.Context) (env.Environment, error) {
	ctx, span := e.tracer.Start(ctx, "env.gce.Acquire")
	defer span.End()

	name := fmt.Sprintf("%s-%s", e.cfg.NamePrefix, uuid.NewString()[:8])
	span.SetAttributes(
		attribute.String("gce.instance_name", name),
		attribute.String("gce.project", e.cfg.Project),
		attribute.String("gce.zone", e.cfg.Zone),
		attribute.String("gce.machine_type", e.cfg.MachineType),
	)

	e.logger.Info("creating build VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.instance(name),
	}, retry)
	if err != nil {
		return nil, fmt.Errorf("insert instance %s: %w", name, err)
	}
	span.SetAttributes(attribute.String("gce.operation", op))

	return &VM{
		name:   name,
		cfg:    e.cfg,
		client: e.client,
		logger: e.logger.With(slog.String("vm", name)),
		tracer: e.tracer,
	}, nil
}

func (e *Environments) instance(name string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String("global/networks/" + e.cfg.Network),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{{
			Name: proto.String("External NAT"),
			Type: proto.String("ONE_TO_ONE_NAT"),
		}}
	}

	inst := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            map[string]string{"managed-by": "pulsebuild"},
	}
	if e.cfg.StartupScript != "" {
		inst.Metadata = &computepb.Metadata{
			Items: []*computepb.Items{{
				Key:   proto.String("startup-script"),
				Value: proto.String(e.cfg.StartupScript),
			}},
		}
	}
	if e.cfg.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(e.cfg.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}
	return inst
}

// VM is one acquired Compute Engine instance.
type VM struct {
	name   string
	cfg    Config
	client instancesAPI
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	closed bool
}

var _ env.Environment = (*VM)(nil)

// Name returns the instance name.
func (v *VM) Name() string { return v.name }

// Address polls the VM until it is RUNNING.
func (v *VM) Address(ctx context.Context) (env.Address, error) {
	ctx, span := v.tracer.Start(ctx, "env.gce.Address")
	defer span.End()
	span.SetAttributes(attribute.String("gce.instance_name", v.name))

	var addr env.Address
	err := v.cfg.Poller.Poll(ctx, func(ctx context.Context) (bool, error) {
		inst, err := v.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  v.cfg.Project,
			Zone:     v.cfg.Zone,
			Instance: v.name,
		}, retry)
		if err != nil {
			return false, fmt.Errorf("get instance %s: %w", v.name, err)
		}
		switch status := inst.GetStatus(); status {
		case "RUNNING":
			addr, err = address(inst)
			return err == nil, err
		case "PROVISIONING", "STAGING":
			v.logger.Debug("VM not running yet", slog.String("status", status))
			return false, nil
		default:
			return false, &env.StateError{
				Resource: "VM " + v.name,
				State:    status,
				Reason:   inst.GetStatusMessage(),
			}
		}
	})
	if err != nil {
		return env.Address{}, err
	}
	v.logger.Info("build VM ready", slog.String("ip", addr.IP.String()))
	return addr, nil
}

// address prefers the external NAT IP over the internal one.
func address(inst *computepb.Instance) (env.Address, error) {
	var raw string
	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				raw = ip
				break
			}
		}
		if raw == "" {
			raw = nic.GetNetworkIP()
		}
		if raw != "" {
			break
		}
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return env.Address{}, fmt.Errorf("VM %s has no usable address: %w", inst.GetName(), env.ErrMissingOutput)
	}
	return env.Address{IP: ip}, nil
}

// Close deletes the VM.  An already deleted VM is not an error.
func (v *VM) Close(ctx context.Context) error {
	ctx, span := v.tracer.Start(ctx, "env.gce.Close")
	defer span.End()
	span.SetAttributes(attribute.String("gce.instance_name", v.name))

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	_, err := v.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  v.cfg.Project,
		Zone:     v.cfg.Zone,
		Instance: v.name,
	}, retry)
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			v.logger.Info("build VM already deleted")
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", v.name, err)
	}
	v.logger.Info("build VM deletion requested")
	return nil
}

// isNotFound reports whether err is an HTTP 404 from the API.
func isNotFound(err error) bool {
	var apiErr *apierror.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPCode() == 404
}
