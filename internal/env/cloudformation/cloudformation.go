// Package cloudformation provisions build environments as AWS
// CloudFormation stacks.  The template must declare an output named
// "ip" holding either an IP address or a resolvable host name.
package cloudformation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	awscf "github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/pulsebuild/internal/env"
)

// OutputIP is the stack output that carries the address.
const OutputIP = "ip"

// Resolver turns a host name into addresses.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// Config holds stack settings.
type Config struct {
	// Template is the template body (required).
	Template string

	// Parameters are passed to CreateStack.
	Parameters map[string]string

	// NamePrefix starts every stack name.  Default: "pulsebuild".
	NamePrefix string

	// Capabilities such as CAPABILITY_IAM, if the template needs them.
	Capabilities []string

	Poller env.Poller
	Logger *slog.Logger

	// Resolve looks up host names found in the ip output.
	// Default: net.DefaultResolver.
	Resolve Resolver
}

// Environments creates one stack per Acquire.
type Environments struct {
	client cloudformationiface.CloudFormationAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

var _ env.Environments = (*Environments)(nil)

// New returns stack environments using client.
func New(client cloudformationiface.CloudFormationAPI, cfg Config) (*Environments, error) {
	if strings.TrimSpace(cfg.Template) == "" {
		return nil, errors.New("cloudformation: template is required")
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
	if cfg.Resolve == nil {
		cfg.Resolve = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	return &Environments{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("pulsebuild/env/cloudformation"),
	}, nil
}

// Acquire starts stack creation and returns without waiting.
func (e *Environments) Acquire(ctx context.Context) (env.Environment, error) {
	ctx, span := e.tracer.Start(ctx, "env.cloudformation.Acquire")
	defer span.End()

	name := fmt.Sprintf("%s-%s", e.cfg.NamePrefix, uuid.NewString()[:8])
	span.SetAttributes(attribute.String("cloudformation.stack_name", name))

	in := &awscf.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(e.cfg.Template),
		Parameters:   parameters(e.cfg.Parameters),
	}
	if len(e.cfg.Capabilities) > 0 {
		in.Capabilities = aws.StringSlice(e.cfg.Capabilities)
	}

	out, err := e.client.CreateStackWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create stack %s: %w", name, err)
	}
	id := aws.StringValue(out.StackId)
	if id == "" {
		return nil, fmt.Errorf("create stack %s: %w", name, env.ErrNoInstance)
	}

	e.logger.Info("CloudFormation stack creation started",
		slog.String("stack", name),
		slog.String("id", id),
	)
	return &Stack{
		id:      id,
		name:    name,
		client:  e.client,
		poller:  e.cfg.Poller,
		resolve: e.cfg.Resolve,
		logger:  e.logger.With(slog.String("stack", name)),
		tracer:  e.tracer,
	}, nil
}

// parameters converts a map into CreateStack parameters, sorted by key
// so requests are deterministic.
func parameters(m map[string]string) []*awscf.Parameter {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]*awscf.Parameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, &awscf.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(m[k]),
		})
	}
	return params
}

// Stack is one acquired stack.
type Stack struct {
	id      string
	name    string
	client  cloudformationiface.CloudFormationAPI
	poller  env.Poller
	resolve Resolver
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ env.Environment = (*Stack)(nil)

// ID returns the stack id (an ARN).
func (s *Stack) ID() string { return s.id }

// Name returns the generated stack name.
func (s *Stack) Name() string { return s.name }

// Address polls the stack until creation completes and reads the ip
// output.
func (s *Stack) Address(ctx context.Context) (env.Address, error) {
	ctx, span := s.tracer.Start(ctx, "env.cloudformation.Address")
	defer span.End()
	span.SetAttributes(attribute.String("cloudformation.stack_id", s.id))

	var stack *awscf.Stack
	polls := 0
	err := s.poller.Poll(ctx, func(ctx context.Context) (bool, error) {
		polls++
		out, err := s.client.DescribeStacksWithContext(ctx, &awscf.DescribeStacksInput{
			StackName: aws.String(s.id),
		})
		if err != nil {
			return false, fmt.Errorf("describe stack %s: %w", s.name, err)
		}
		if len(out.Stacks) == 0 {
			return false, &env.StateError{Resource: "stack " + s.name, State: "MISSING"}
		}
		st := out.Stacks[0]
		status := aws.StringValue(st.StackStatus)
		switch status {
		case awscf.StackStatusCreateComplete:
			stack = st
			return true, nil
		case awscf.StackStatusCreateInProgress:
			s.logger.Debug("stack creation in progress", slog.Int("poll", polls))
			return false, nil
		default:
			return false, &env.StateError{
				Resource: "stack " + s.name,
				State:    status,
				Reason:   aws.StringValue(st.StackStatusReason),
			}
		}
	})
	if err != nil {
		return env.Address{}, err
	}

	raw, ok := output(stack, OutputIP)
	if !ok {
		return env.Address{}, fmt.Errorf("stack %s has no %q output: %w", s.name, OutputIP, env.ErrMissingOutput)
	}
	addr, err := s.parse(ctx, raw)
	if err != nil {
		return env.Address{}, err
	}
	s.logger.Info("CloudFormation stack ready",
		slog.String("ip", addr.IP.String()),
		slog.String("host", addr.Host),
		slog.Int("polls", polls),
	)
	return addr, nil
}

// parse accepts an IP literal or a host name.
func (s *Stack) parse(ctx context.Context, raw string) (env.Address, error) {
	raw = strings.TrimSpace(raw)
	if ip, err := netip.ParseAddr(raw); err == nil {
		return env.Address{IP: ip}, nil
	}
	if raw == "" {
		return env.Address{}, fmt.Errorf("stack %s has an empty %q output: %w", s.name, OutputIP, env.ErrMissingOutput)
	}
	addrs, err := s.resolve(ctx, raw)
	if err != nil {
		return env.Address{}, fmt.Errorf("resolving %s: %w", raw, err)
	}
	if len(addrs) == 0 {
		return env.Address{}, fmt.Errorf("%s resolves to nothing: %w", raw, env.ErrMissingOutput)
	}
	return env.Address{Host: raw, IP: addrs[0].Unmap()}, nil
}

// output finds an output by key, ignoring case.
func output(stack *awscf.Stack, key string) (string, bool) {
	for _, o := range stack.Outputs {
		if strings.EqualFold(aws.StringValue(o.OutputKey), key) {
			return aws.StringValue(o.OutputValue), true
		}
	}
	return "", false
}

// Close requests stack deletion without waiting for it.  Every call
// issues its own DeleteStack request.
func (s *Stack) Close(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "env.cloudformation.Close")
	defer span.End()
	span.SetAttributes(attribute.String("cloudformation.stack_id", s.id))

	_, err := s.client.DeleteStackWithContext(ctx, &awscf.DeleteStackInput{
		StackName: aws.String(s.id),
	})
	if err != nil {
		return fmt.Errorf("delete stack %s: %w", s.name, err)
	}
	s.logger.Info("CloudFormation stack deletion requested")
	return nil
}
