// Package ec2 provisions build environments as Amazon EC2 instances.
//
// Credentials come from the aws-sdk-go session chain (environment,
// shared config, instance role).  Transient API failures are retried by
// the SDK according to the session's MaxRetries; this package adds no
// retry loop of its own.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/pulsebuild/internal/env"
)

// Config holds EC2 launch settings.
type Config struct {
	// InstanceType, e.g. "t3.small" (required).
	InstanceType string

	// AMI is the image id (required).
	AMI string

	// SecurityGroup is a group id ("sg-...") or, in EC2-Classic and
	// default VPCs, a group name.
	SecurityGroup string

	// KeyPair is the name of the SSH key pair to install.
	KeyPair string

	// Zone pins the availability zone.  Empty lets EC2 choose.
	Zone string

	// Subnet places the instance in a VPC subnet (optional).
	Subnet string

	// NamePrefix becomes the instance Name tag.  Default: "pulsebuild".
	NamePrefix string

	Poller env.Poller
	Logger *slog.Logger

	// Now is the clock used for uptime.  Default: time.Now.
	Now func() time.Time
}

// Environments launches one instance per Acquire.
type Environments struct {
	client ec2iface.EC2API
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

var _ env.Environments = (*Environments)(nil)

// New returns EC2 environments using client.
func New(client ec2iface.EC2API, cfg Config) (*Environments, error) {
	if cfg.InstanceType == "" {
		return nil, errors.New("ec2: instance type is required")
	}
	if cfg.AMI == "" {
		return nil, errors.New("ec2: ami is required")
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "pulsebuild"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
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
		tracer: otel.Tracer("pulsebuild/env/ec2"),
	}, nil
}

// Acquire requests one instance and returns without waiting for it to
// boot.
func (e *Environments) Acquire(ctx context.Context) (env.Environment, error) {
	ctx, span := e.tracer.Start(ctx, "env.ec2.Acquire")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.instance_type", e.cfg.InstanceType),
		attribute.String("ec2.ami", e.cfg.AMI),
	)

	in := &awsec2.RunInstancesInput{
		InstanceType: aws.String(e.cfg.InstanceType),
		ImageId:      aws.String(e.cfg.AMI),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
	}
	if e.cfg.KeyPair != "" {
		in.KeyName = aws.String(e.cfg.KeyPair)
	}
	if e.cfg.Zone != "" {
		in.Placement = &awsec2.Placement{AvailabilityZone: aws.String(e.cfg.Zone)}
	}
	if e.cfg.Subnet != "" {
		in.SubnetId = aws.String(e.cfg.Subnet)
	}
	switch {
	case strings.HasPrefix(e.cfg.SecurityGroup, "sg-"):
		in.SecurityGroupIds = aws.StringSlice([]string{e.cfg.SecurityGroup})
	case e.cfg.SecurityGroup != "":
		in.SecurityGroups = aws.StringSlice([]string{e.cfg.SecurityGroup})
	}

	e.logger.Info("creating EC2 instance",
		slog.String("type", e.cfg.InstanceType),
		slog.String("ami", e.cfg.AMI),
		slog.String("zone", e.cfg.Zone),
	)

	out, err := e.client.RunInstancesWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("run instance from %s: %w", e.cfg.AMI, err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instance from %s: %w", e.cfg.AMI, env.ErrNoInstance)
	}

	first := out.Instances[0]
	id := aws.StringValue(first.InstanceId)
	launched := aws.TimeValue(first.LaunchTime)
	if launched.IsZero() {
		launched = e.cfg.Now()
	}
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	e.tag(ctx, id)
	zone := e.cfg.Zone
	if first.Placement != nil {
		zone = aws.StringValue(first.Placement.AvailabilityZone)
	}
	e.logger.Info("EC2 instance created",
		slog.String("instance", id),
		slog.String("type", aws.StringValue(first.InstanceType)),
		slog.String("zone", zone),
	)

	return &Instance{
		id:       id,
		launched: launched,
		client:   e.client,
		poller:   e.cfg.Poller,
		now:      e.cfg.Now,
		logger:   e.logger.With(slog.String("instance", id)),
		tracer:   e.tracer,
	}, nil
}

// tag names the instance.  Failures are logged, never returned: an
// untagged instance is still usable.
func (e *Environments) tag(ctx context.Context, id string) {
	_, err := e.client.CreateTagsWithContext(ctx, &awsec2.CreateTagsInput{
		Resources: aws.StringSlice([]string{id}),
		Tags: []*awsec2.Tag{
			{Key: aws.String("Name"), Value: aws.String(e.cfg.NamePrefix + "-" + id)},
			{Key: aws.String("pulsebuild:created"), Value: aws.String(e.cfg.Now().UTC().Format(time.RFC3339))},
		},
	})
	if err != nil {
		e.logger.Warn("failed to tag EC2 instance",
			slog.String("instance", id),
			slog.String("error", err.Error()),
		)
	}
}

// Instance is one acquired EC2 instance.
type Instance struct {
	id       string
	launched time.Time
	client   ec2iface.EC2API
	poller   env.Poller
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ env.Environment = (*Instance)(nil)

// ID returns the EC2 instance id.
func (i *Instance) ID() string { return i.id }

// Address polls the instance until it is running.
func (i *Instance) Address(ctx context.Context) (env.Address, error) {
	ctx, span := i.tracer.Start(ctx, "env.ec2.Address")
	defer span.End()
	span.SetAttributes(attribute.String("ec2.instance_id", i.id))

	var (
		addr   env.Address
		polls  int
		waited bool
	)
	err := i.poller.Poll(ctx, func(ctx context.Context) (bool, error) {
		polls++
		inst, err := i.describe(ctx)
		if err != nil {
			return false, err
		}
		if inst == nil {
			// Not yet visible to DescribeInstances.
			waited = true
			return false, nil
		}
		state := aws.StringValue(inst.State.Name)
		switch state {
		case awsec2.InstanceStateNameRunning:
			addr, err = address(inst)
			if err != nil {
				return false, err
			}
			return true, nil
		case awsec2.InstanceStateNamePending:
			waited = true
			i.logger.Debug("EC2 instance pending", slog.Int("poll", polls))
			return false, nil
		default:
			return false, &env.StateError{
				Resource: "EC2 instance " + i.id,
				State:    state,
				Reason:   stateReason(inst),
			}
		}
	})
	if err != nil {
		return env.Address{}, err
	}
	if waited {
		i.logger.Info("EC2 instance ready",
			slog.String("host", addr.Host),
			slog.String("ip", addr.IP.String()),
			slog.Int("polls", polls),
		)
	}
	return addr, nil
}

// describe returns the instance, or nil when EC2 does not know it yet.
func (i *Instance) describe(ctx context.Context) (*awsec2.Instance, error) {
	out, err := i.client.DescribeInstancesWithContext(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{i.id}),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.NotFound" {
			return nil, nil
		}
		return nil, fmt.Errorf("describe instance %s: %w", i.id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.StringValue(inst.InstanceId) == i.id && inst.State != nil {
				return inst, nil
			}
		}
	}
	return nil, nil
}

// Close terminates the instance without waiting for it.  Every call
// issues its own TerminateInstances request, so a failed Close can be
// retried.
func (i *Instance) Close(ctx context.Context) error {
	ctx, span := i.tracer.Start(ctx, "env.ec2.Close")
	defer span.End()
	span.SetAttributes(attribute.String("ec2.instance_id", i.id))

	_, err := i.client.TerminateInstancesWithContext(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{i.id}),
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", i.id, err)
	}
	i.logger.Info("EC2 instance terminated",
		slog.Duration("uptime", i.now().Sub(i.launched).Truncate(time.Second)),
	)
	return nil
}

func address(inst *awsec2.Instance) (env.Address, error) {
	host := aws.StringValue(inst.PublicDnsName)
	raw := aws.StringValue(inst.PublicIpAddress)
	if raw == "" {
		raw = aws.StringValue(inst.PrivateIpAddress)
		if host == "" {
			host = aws.StringValue(inst.PrivateDnsName)
		}
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return env.Address{}, fmt.Errorf("instance %s has no usable address %q: %w",
			aws.StringValue(inst.InstanceId), raw, env.ErrMissingOutput)
	}
	return env.Address{Host: host, IP: ip}, nil
}

func stateReason(inst *awsec2.Instance) string {
	if inst.StateReason != nil {
		return aws.StringValue(inst.StateReason.Message)
	}
	return aws.StringValue(inst.StateTransitionReason)
}
