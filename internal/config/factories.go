package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sns"

	"github.com/terrpan/pulsebuild/internal/batch"
	"github.com/terrpan/pulsebuild/internal/batch/docker"
	"github.com/terrpan/pulsebuild/internal/board"
	"github.com/terrpan/pulsebuild/internal/ci"
	"github.com/terrpan/pulsebuild/internal/env"
	cfnenv "github.com/terrpan/pulsebuild/internal/env/cloudformation"
	"github.com/terrpan/pulsebuild/internal/env/ec2"
	"github.com/terrpan/pulsebuild/internal/env/gce"
	"github.com/terrpan/pulsebuild/internal/notepad"
	"github.com/terrpan/pulsebuild/internal/otel"
	"github.com/terrpan/pulsebuild/internal/scm"
	"github.com/terrpan/pulsebuild/internal/scm/git"
)

// Factories build components from a validated Config.  They share one
// AWS session, created on first use.
type Factories struct {
	cfg    *Config
	logger *slog.Logger
	sess   *session.Session
}

// Factories returns the component factories for c.  Call Validate first.
func (c *Config) Factories(logger *slog.Logger) *Factories {
	return &Factories{cfg: c, logger: logger}
}

// AWSSession returns the shared session.  Transient failures of single
// calls are retried by the SDK up to aws.max_retries times.
func (f *Factories) AWSSession() (*session.Session, error) {
	if f.sess != nil {
		return f.sess, nil
	}
	awsCfg := aws.Config{MaxRetries: aws.Int(f.cfg.AWS.MaxRetries)}
	if f.cfg.AWS.Region != "" {
		awsCfg.Region = aws.String(f.cfg.AWS.Region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		Profile:           f.cfg.AWS.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	f.sess = sess
	return sess, nil
}

// OTel converts the otel and health sections to the SDK configuration.
func (f *Factories) OTel() otel.Config {
	return otel.Config{
		Enabled:    f.cfg.OTel.Enabled,
		Endpoint:   f.cfg.OTel.Endpoint,
		Insecure:   f.cfg.OTel.Insecure,
		StdOut:     f.cfg.OTel.StdOut,
		Prometheus: f.cfg.Health.Addr != "" && f.cfg.Health.Metrics,
	}
}

// NewSCM returns the git repository named by scm.url.
func (f *Factories) NewSCM() (*git.Repo, error) {
	return git.New(git.Config{
		URL:      f.cfg.SCM.URL,
		Dir:      f.cfg.SCM.Dir,
		PageSize: f.cfg.SCM.PageSize,
		Logger:   f.logger.WithGroup("git"),
	})
}

// NewNotepad opens the store selected by notepad.type.
func (f *Factories) NewNotepad() (notepad.Closer, error) {
	n := f.cfg.Notepad
	switch n.Type {
	case "memory":
		return notepad.NopCloser(notepad.NewMemory()), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(n.Bolt.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating notepad directory: %w", err)
		}
		b, err := notepad.OpenBolt(n.Bolt.Path, n.Name)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		sess, err := f.AWSSession()
		if err != nil {
			return nil, err
		}
		return notepad.NopCloser(notepad.NewS3(s3.New(sess), n.S3.Bucket, n.S3.Prefix+n.Name)), nil
	case "memcache":
		m, err := notepad.NewMemcache(notepad.MemcacheConfig{
			Servers: n.Memcache.Servers,
			Prefix:  "pulsebuild:" + n.Name + ":",
			TTL:     n.Memcache.TTL,
			Timeout: n.Memcache.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return notepad.NopCloser(m), nil
	default:
		return nil, fmt.Errorf("unsupported notepad type: %s", n.Type)
	}
}

// NewEnvironments creates the backend selected by environment.type, or
// returns nil when builds run locally.  The result may implement
// io.Closer.
func (f *Factories) NewEnvironments(ctx context.Context) (env.Environments, error) {
	e := f.cfg.Environment
	poller := env.Poller{Interval: f.cfg.Poll.Interval, MaxAttempts: f.cfg.Poll.MaxAttempts}

	switch e.Type {
	case "":
		return nil, nil
	case EnvironmentEC2:
		sess, err := f.AWSSession()
		if err != nil {
			return nil, err
		}
		return environments(ec2.New(awsec2.New(sess), ec2.Config{
			InstanceType:  e.EC2.InstanceType,
			AMI:           e.EC2.AMI,
			SecurityGroup: e.EC2.SecurityGroup,
			KeyPair:       e.EC2.KeyPair,
			Zone:          e.EC2.Zone,
			Subnet:        e.EC2.Subnet,
			NamePrefix:    e.NamePrefix,
			Poller:        poller,
			Logger:        f.logger.WithGroup("env.ec2"),
		}))
	case EnvironmentCloudFormation:
		template := e.CloudFormation.Template
		if template == "" {
			data, err := os.ReadFile(e.CloudFormation.TemplatePath)
			if err != nil {
				return nil, fmt.Errorf("reading template %s: %w", e.CloudFormation.TemplatePath, err)
			}
			template = string(data)
		}
		sess, err := f.AWSSession()
		if err != nil {
			return nil, err
		}
		return environments(cfnenv.New(cloudformation.New(sess), cfnenv.Config{
			Template:     template,
			Parameters:   e.CloudFormation.Parameters,
			NamePrefix:   e.NamePrefix,
			Capabilities: e.CloudFormation.Capabilities,
			Poller:       poller,
			Logger:       f.logger.WithGroup("env.cloudformation"),
		}))
	case EnvironmentGCE:
		return environments(gce.New(ctx, gce.Config{
			Project:        e.GCE.Project,
			Zone:           e.GCE.Zone,
			MachineType:    e.GCE.MachineType,
			Image:          e.GCE.Image,
			DiskSizeGB:     e.GCE.DiskSizeGB,
			Network:        e.GCE.Network,
			Subnet:         e.GCE.Subnet,
			PublicIP:       *e.GCE.PublicIP,
			ServiceAccount: e.GCE.ServiceAccount,
			StartupScript:  e.GCE.StartupScript,
			NamePrefix:     e.NamePrefix,
			Poller:         poller,
			Logger:         f.logger.WithGroup("env.gce"),
		}))
	default:
		return nil, fmt.Errorf("unsupported environment type: %s", e.Type)
	}
}

// environments keeps a failed constructor from yielding a typed nil.
func environments[E env.Environments](e E, err error) (env.Environments, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewBatch creates the build selected by batch.type.  With envs set,
// every build first provisions an environment and receives its address
// as the host and ip arguments.
func (f *Factories) NewBatch(ctx context.Context, envs env.Environments) (ci.Batch, error) {
	b := f.cfg.Batch

	var inner ci.Batch
	switch b.Type {
	case "shell":
		dir := b.Dir
		if dir == "" {
			dir = git.WorkTree(f.cfg.SCM.Dir)
		}
		inner = &batch.Shell{Script: b.Script, Dir: dir, Env: b.Env}
	case "docker":
		d, err := docker.New(ctx, docker.Config{
			Image:  b.Docker.Image,
			Script: b.Script,
			Env:    b.Env,
			Pull:   b.Docker.Pull,
			Dind:   b.Docker.Dind,
		}, f.logger.WithGroup("batch.docker"))
		if err != nil {
			return nil, err
		}
		inner = d
	default:
		return nil, fmt.Errorf("unsupported batch type: %s", b.Type)
	}

	if envs == nil {
		return inner, nil
	}
	if f.cfg.Environment.Immortal {
		envs = env.Immortal(envs)
	}
	return batch.NewProvisioned(envs, inner, f.logger.WithGroup("batch.provisioned")), nil
}

// NewBoard always logs announcements and adds SNS and Slack when they
// are configured.
func (f *Factories) NewBoard() (ci.Billboard, error) {
	boards := board.Multi{&board.Log{Logger: f.logger.WithGroup("board")}}

	if arn := f.cfg.Board.SNS.TopicARN; arn != "" {
		sess, err := f.AWSSession()
		if err != nil {
			return nil, err
		}
		boards = append(boards, board.NewSNS(sns.New(sess), arn))
	}
	if hook := f.cfg.Board.Slack.WebhookURL; hook != "" {
		boards = append(boards, board.NewSlack(hook, f.cfg.Board.Slack.Username))
	}

	if len(boards) == 1 {
		return boards[0], nil
	}
	return boards, nil
}

// NewTrigger assembles the decorator pipeline for trigger.mode.
//
// Commit mode builds the branch tip when it is unseen, optionally
// ignoring a tip older than max_age_minutes.  History behind the tip is
// never built.  Tag mode builds unseen
// tags matching tag_pattern in version order, or only the newest of them
// when latest_only is set.
func (f *Factories) NewTrigger(repo scm.SCM, seen scm.Notepad, b ci.Batch, billboard ci.Billboard, out io.Writer) (ci.Trigger, error) {
	t := f.cfg.Trigger
	cfg := ci.Config{
		Batch:  b,
		Board:  billboard,
		Logger: f.logger.WithGroup("ci"),
		Output: out,
	}

	switch t.Mode {
	case TriggerCommit:
		branch := scm.Head(scm.Checkout(repo, t.Branch))
		if t.MaxAgeMinutes > 0 {
			branch = scm.Seasoned(t.MaxAgeMinutes, branch)
		}
		oc, err := ci.NewOnCommit(scm.UnseenCommits(branch, seen), cfg)
		if err != nil {
			return nil, err
		}
		return ci.CommitTrigger{OnCommit: oc}, nil
	case TriggerTag:
		tags, err := scm.SemVer(t.TagPattern, repo)
		if err != nil {
			return nil, err
		}
		tags = scm.UnseenBranches(tags, seen)
		if *t.LatestOnly {
			tags = scm.Edge(tags)
		}
		return ci.NewOnTag(tags, cfg)
	default:
		return nil, fmt.Errorf("unsupported trigger mode: %s", t.Mode)
	}
}
