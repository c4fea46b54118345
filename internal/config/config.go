// Package config handles loading, validating, and applying
// configuration for pulsebuild.  Configuration is read from a YAML file
// and can be overridden by CLI flags.  The factories at the bottom turn
// a validated Config into the components of a build loop.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/pulsebuild/internal/env"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	SCM         SCMConfig         `yaml:"scm"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Notepad     NotepadConfig     `yaml:"notepad"`
	Batch       BatchConfig       `yaml:"batch"`
	Environment EnvironmentConfig `yaml:"environment"`
	Board       BoardConfig       `yaml:"board"`
	Poll        PollConfig        `yaml:"poll"`
	AWS         AWSConfig         `yaml:"aws"`
	Logging     LoggingConfig     `yaml:"logging"`
	OTel        OTelConfig        `yaml:"otel"`
	Health      HealthConfig      `yaml:"health"`
}

// ---------------------------------------------------------------------------
// Source control
// ---------------------------------------------------------------------------

// SCMConfig locates the repository to watch.
type SCMConfig struct {
	// URL is the git remote (required).
	URL string `yaml:"url"`

	// Dir holds the local clone.  Default: "<tmp>/pulsebuild".
	Dir string `yaml:"dir"`

	// PageSize bounds each git log call.  Default: 11.
	PageSize int `yaml:"page_size"`
}

// ---------------------------------------------------------------------------
// Trigger
// ---------------------------------------------------------------------------

// Trigger modes.
const (
	TriggerCommit = "commit"
	TriggerTag    = "tag"
)

// TriggerConfig selects what starts a build.
type TriggerConfig struct {
	// Mode is "commit" (newest unseen commit of Branch) or "tag" (unseen
	// tags matching TagPattern).  Default: "commit".
	Mode string `yaml:"mode"`

	// Branch is watched in commit mode.  Default: "main".
	Branch string `yaml:"branch"`

	// MaxAgeMinutes, when > 0, ignores commits older than this.
	MaxAgeMinutes int `yaml:"max_age_minutes"`

	// TagPattern selects tags in tag mode.  It must have exactly one
	// capture group holding the version.  Default: `v(\d+\.\d+\.\d+)`.
	TagPattern string `yaml:"tag_pattern"`

	// LatestOnly builds only the newest unseen tag per pulse.
	// Default: true.
	LatestOnly *bool `yaml:"latest_only"`

	// Interval between pulses.  Default: 1m.
	Interval time.Duration `yaml:"interval"`
}

// ---------------------------------------------------------------------------
// Notepad
// ---------------------------------------------------------------------------

// NotepadConfig selects where seen commits and tags are remembered.
type NotepadConfig struct {
	// Type: memory, bolt, s3, memcache.  Default: bolt.
	Type string `yaml:"type"`

	// Name separates notepads that share a store.  Default: the trigger
	// mode plus branch, e.g. "commit-main".
	Name string `yaml:"name"`

	Bolt     BoltNotepadConfig     `yaml:"bolt"`
	S3       S3NotepadConfig       `yaml:"s3"`
	Memcache MemcacheNotepadConfig `yaml:"memcache"`
}

// BoltNotepadConfig holds the database path.
type BoltNotepadConfig struct {
	// Path to the database file.  Default: "<scm.dir>/notepad.db".
	Path string `yaml:"path"`
}

// S3NotepadConfig locates the object holding seen identifiers.
type S3NotepadConfig struct {
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to the notepad name to form the key.
	// Default: "pulsebuild/".
	Prefix string `yaml:"prefix"`
}

// MemcacheNotepadConfig lists the cache servers.
type MemcacheNotepadConfig struct {
	Servers []string `yaml:"servers"`

	// TTL of each entry.  Default: 30 days.
	TTL time.Duration `yaml:"ttl"`

	// Timeout per request.  Default: 1s.
	Timeout time.Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

// BatchConfig describes the build itself.
type BatchConfig struct {
	// Type: shell, docker.  Default: shell.
	Type string `yaml:"type"`

	// Script is the build, run by /bin/sh -c (required).
	Script string `yaml:"script"`

	// Dir is the working directory of a shell build.  Default: the
	// clone of scm.url.
	Dir string `yaml:"dir"`

	// Env adds NAME=value pairs to the build environment.
	Env []string `yaml:"env"`

	Docker DockerBatchConfig `yaml:"docker"`
}

// DockerBatchConfig holds container settings.
type DockerBatchConfig struct {
	// Image is the build image.  Default: "alpine:latest".
	Image string `yaml:"image"`

	// Pull fetches the image at startup.
	Pull bool `yaml:"pull"`

	// Dind bind-mounts the host's Docker socket into each build.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

// Environment backends.
const (
	EnvironmentEC2            = "ec2"
	EnvironmentCloudFormation = "cloudformation"
	EnvironmentGCE            = "gce"
)

// EnvironmentConfig optionally provisions a machine per build.
type EnvironmentConfig struct {
	// Type: "" (none), ec2, cloudformation, gce.
	Type string `yaml:"type"`

	// Immortal leaves environments running after the build.
	Immortal bool `yaml:"immortal"`

	// NamePrefix starts every instance, stack or VM name.
	// Default: "pulsebuild".
	NamePrefix string `yaml:"name_prefix"`

	EC2            EC2Config            `yaml:"ec2"`
	CloudFormation CloudFormationConfig `yaml:"cloudformation"`
	GCE            GCEConfig            `yaml:"gce"`
}

// EC2Config describes the instance launched per build.
type EC2Config struct {
	// InstanceType, e.g. "t3.small" (required).
	InstanceType string `yaml:"instance_type"`
	// AMI is the image id (required).
	AMI           string `yaml:"ami"`
	SecurityGroup string `yaml:"security_group"`
	KeyPair       string `yaml:"key_pair"`
	Zone          string `yaml:"zone"`
	Subnet        string `yaml:"subnet"`
}

// CloudFormationConfig describes the stack created per build.
type CloudFormationConfig struct {
	// TemplatePath is a file holding the template body.
	TemplatePath string `yaml:"template_path"`
	// Template is the body itself; it wins over TemplatePath.
	Template     string            `yaml:"template"`
	Parameters   map[string]string `yaml:"parameters"`
	Capabilities []string          `yaml:"capabilities"`
}

// GCEConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials.
type GCEConfig struct {
	// Project is the GCP project ID (required).
	Project string `yaml:"project"`

	// Zone for build VMs (required).
	Zone string `yaml:"zone"`

	// MachineType.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the self-link or family URL of the boot image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network.  Default: "default".
	Network string `yaml:"network"`

	Subnet string `yaml:"subnet"`

	// PublicIP gives VMs an external address.  Default: true.  A *bool
	// tells "not set" apart from "false".
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`
	StartupScript  string `yaml:"startup_script"`
}

// ---------------------------------------------------------------------------
// Board
// ---------------------------------------------------------------------------

// BoardConfig lists where build outcomes are announced.  Outcomes are
// always logged; SNS and Slack are added when configured.
type BoardConfig struct {
	SNS   SNSBoardConfig   `yaml:"sns"`
	Slack SlackBoardConfig `yaml:"slack"`
}

// SNSBoardConfig names the topic to publish to.
type SNSBoardConfig struct {
	TopicARN string `yaml:"topic_arn"`
}

// SlackBoardConfig holds the incoming webhook.
type SlackBoardConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Username overrides the webhook's display name.
	Username string `yaml:"username"`
}

// ---------------------------------------------------------------------------
// Polling & AWS
// ---------------------------------------------------------------------------

// PollConfig controls how provisioning backends wait for readiness.
type PollConfig struct {
	// Interval between state checks.  Default: 15s.
	Interval time.Duration `yaml:"interval"`

	// MaxAttempts caps the checks per wait.  Default: 0 (unbounded).
	MaxAttempts int `yaml:"max_attempts"`
}

// AWSConfig configures the shared AWS session.
type AWSConfig struct {
	// Region.  Default: the SDK's resolution (AWS_REGION, profile).
	Region string `yaml:"region"`

	// Profile from the shared config files.
	Profile string `yaml:"profile"`

	// MaxRetries per API call.  Default: 5.
	MaxRetries int `yaml:"max_retries"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry & health
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// HealthConfig controls the HTTP server for /healthz and /metrics.
type HealthConfig struct {
	// Addr to listen on, e.g. ":8080".  Empty disables the server.
	Addr string `yaml:"addr"`

	// Metrics also serves Prometheus metrics on /metrics.
	Metrics bool `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config, to be filled from flags before
// Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.SCM.Dir == "" {
		c.SCM.Dir = filepath.Join(os.TempDir(), "pulsebuild")
	}
	if c.Trigger.Mode == "" {
		c.Trigger.Mode = TriggerCommit
	}
	if c.Trigger.Branch == "" {
		c.Trigger.Branch = "main"
	}
	if c.Trigger.TagPattern == "" {
		c.Trigger.TagPattern = `v(\d+\.\d+\.\d+)`
	}
	if c.Trigger.LatestOnly == nil {
		t := true
		c.Trigger.LatestOnly = &t
	}
	if c.Trigger.Interval == 0 {
		c.Trigger.Interval = time.Minute
	}
	if c.Notepad.Type == "" {
		c.Notepad.Type = "bolt"
	}
	if c.Notepad.Name == "" {
		c.Notepad.Name = c.Trigger.Mode
		if c.Trigger.Mode == TriggerCommit {
			c.Notepad.Name += "-" + c.Trigger.Branch
		}
	}
	if c.Notepad.Bolt.Path == "" {
		c.Notepad.Bolt.Path = filepath.Join(c.SCM.Dir, "notepad.db")
	}
	if c.Notepad.S3.Prefix == "" {
		c.Notepad.S3.Prefix = "pulsebuild/"
	}
	if c.Batch.Type == "" {
		c.Batch.Type = "shell"
	}
	if c.Batch.Docker.Image == "" {
		c.Batch.Docker.Image = "alpine:latest"
	}
	if c.Environment.NamePrefix == "" {
		c.Environment.NamePrefix = "pulsebuild"
	}
	if c.Environment.GCE.MachineType == "" {
		c.Environment.GCE.MachineType = "e2-medium"
	}
	if c.Environment.GCE.DiskSizeGB == 0 {
		c.Environment.GCE.DiskSizeGB = 50
	}
	if c.Environment.GCE.Network == "" {
		c.Environment.GCE.Network = "default"
	}
	if c.Environment.GCE.PublicIP == nil {
		t := true
		c.Environment.GCE.PublicIP = &t
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = env.DefaultPollInterval
	}
	if c.AWS.MaxRetries == 0 {
		c.AWS.MaxRetries = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.SCM.URL == "" {
		return fmt.Errorf("scm.url is required")
	}
	if c.SCM.PageSize < 0 {
		return fmt.Errorf("scm.page_size must not be negative")
	}

	if err := c.validateTrigger(); err != nil {
		return err
	}
	if err := c.validateNotepad(); err != nil {
		return err
	}

	switch c.Batch.Type {
	case "shell", "docker":
	default:
		return fmt.Errorf("batch.type %q is not supported (supported: shell, docker)", c.Batch.Type)
	}
	if strings.TrimSpace(c.Batch.Script) == "" {
		return fmt.Errorf("batch.script is required")
	}

	if err := c.validateEnvironment(); err != nil {
		return err
	}

	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	if c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("poll.max_attempts must not be negative")
	}
	if c.AWS.MaxRetries < 0 {
		return fmt.Errorf("aws.max_retries must not be negative")
	}

	return nil
}

func (c *Config) validateTrigger() error {
	switch c.Trigger.Mode {
	case TriggerCommit:
		if c.Trigger.MaxAgeMinutes < 0 {
			return fmt.Errorf("trigger.max_age_minutes must not be negative")
		}
	case TriggerTag:
		re, err := regexp.Compile(c.Trigger.TagPattern)
		if err != nil {
			return fmt.Errorf("trigger.tag_pattern: %w", err)
		}
		if re.NumSubexp() != 1 {
			return fmt.Errorf("trigger.tag_pattern must have exactly one group, has %d", re.NumSubexp())
		}
	default:
		return fmt.Errorf("trigger.mode %q is not supported (supported: commit, tag)", c.Trigger.Mode)
	}
	if c.Trigger.Interval < 0 {
		return fmt.Errorf("trigger.interval must not be negative")
	}
	return nil
}

func (c *Config) validateNotepad() error {
	switch c.Notepad.Type {
	case "memory", "bolt":
	case "s3":
		if c.Notepad.S3.Bucket == "" {
			return fmt.Errorf("notepad.s3.bucket is required when notepad.type is \"s3\"")
		}
	case "memcache":
		if len(c.Notepad.Memcache.Servers) == 0 {
			return fmt.Errorf("notepad.memcache.servers is required when notepad.type is \"memcache\"")
		}
	default:
		return fmt.Errorf("notepad.type %q is not supported (supported: memory, bolt, s3, memcache)", c.Notepad.Type)
	}
	return nil
}

func (c *Config) validateEnvironment() error {
	e := c.Environment
	switch e.Type {
	case "":
	case EnvironmentEC2:
		if e.EC2.InstanceType == "" {
			return fmt.Errorf("environment.ec2.instance_type is required when environment.type is \"ec2\"")
		}
		if e.EC2.AMI == "" {
			return fmt.Errorf("environment.ec2.ami is required when environment.type is \"ec2\"")
		}
	case EnvironmentCloudFormation:
		if e.CloudFormation.Template == "" && e.CloudFormation.TemplatePath == "" {
			return fmt.Errorf("environment.cloudformation.template or template_path is required")
		}
	case EnvironmentGCE:
		if e.GCE.Project == "" {
			return fmt.Errorf("environment.gce.project is required when environment.type is \"gce\"")
		}
		if e.GCE.Zone == "" {
			return fmt.Errorf("environment.gce.zone is required when environment.type is \"gce\"")
		}
		if e.GCE.Image == "" {
			return fmt.Errorf("environment.gce.image is required when environment.type is \"gce\"")
		}
	default:
		return fmt.Errorf("environment.type %q is not supported (supported: ec2, cloudformation, gce)", e.Type)
	}
	if e.Immortal && e.Type == "" {
		return fmt.Errorf("environment.immortal needs an environment.type")
	}
	return nil
}

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
