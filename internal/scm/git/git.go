// Package git implements scm.SCM on top of the git command-line client.
// The repository is cloned into a working directory on first use and
// re-synchronised with origin before every operation.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/terrpan/pulsebuild/internal/scm"
)

// DefaultPageSize is how many commits a single git log call fetches.
const DefaultPageSize = 11

// Environment variables inherited from the process; everything else is
// withheld from git.
var allowedEnvVars = []string{
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME", "GIT_SSH", "GIT_SSH_COMMAND", "SSH_AUTH_SOCK",
}

// Config holds repository settings.
type Config struct {
	// URL is the remote to clone (required).
	URL string

	// Dir is the local working directory.  The clone lives in Dir/repo.
	Dir string

	// PageSize bounds each git log call.  Default: DefaultPageSize.
	PageSize int

	Logger *slog.Logger
}

// runner executes one git invocation in dir, writing stdout to out.
type runner func(ctx context.Context, dir string, out io.Writer, args ...string) error

// Repo is a git repository reached through the git binary.
type Repo struct {
	url      string
	dir      string
	pageSize int
	logger   *slog.Logger
	git      runner

	// mu serialises working-tree operations; git does not tolerate
	// concurrent checkouts in one clone.
	mu sync.Mutex
}

var _ scm.SCM = (*Repo)(nil)

// New returns a Repo.  Nothing touches the network until the first
// operation.
func New(cfg Config) (*Repo, error) {
	if cfg.URL == "" {
		return nil, errors.New("git: url is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("git: dir is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Repo{
		url:      cfg.URL,
		dir:      cfg.Dir,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
		git:      execGit,
	}, nil
}

// WorkTree is where a Repo configured with dir keeps its clone.
func WorkTree(dir string) string {
	return filepath.Join(dir, "repo")
}

func (r *Repo) workTree() string {
	return WorkTree(r.dir)
}

// Branches lists remote branches and tags, with the "origin/" prefix
// stripped.
func (r *Repo) Branches(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r.mu.Lock()
		out := &bytes.Buffer{}
		err := r.sync(ctx)
		if err == nil {
			err = r.git(ctx, r.workTree(), out,
				"for-each-ref", "--format=%(refname:short)", "refs/remotes/origin", "refs/tags")
		}
		r.mu.Unlock()
		if err != nil {
			yield("", fmt.Errorf("listing refs: %w", err))
			return
		}

		names := splitList(out.String())
		r.logger.Debug("refs listed", slog.Int("count", len(names)))
		for _, ref := range names {
			name := strings.TrimPrefix(ref, "origin/")
			if name == "HEAD" || name == "origin" {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// Checkout switches the working tree to name and fast-forwards it when
// name is a local branch.
func (r *Repo) Checkout(ctx context.Context, name string) (scm.Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sync(ctx); err != nil {
		return nil, err
	}
	if err := r.git(ctx, r.workTree(), nil, "checkout", name); err != nil {
		return nil, fmt.Errorf("git checkout %s: %w", name, err)
	}
	local, err := r.refExists(ctx, "refs/heads/"+name)
	if err != nil {
		return nil, err
	}
	if local {
		if err := r.git(ctx, r.workTree(), nil, "pull", "--ff-only"); err != nil {
			return nil, fmt.Errorf("git pull %s: %w", name, err)
		}
	}

	r.logger.Info("branch checked out", slog.String("branch", name))
	return &Branch{repo: r, name: name}, nil
}

// sync clones on first use, then resets the clone to match origin.
func (r *Repo) sync(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", r.dir, err)
	}
	if _, err := os.Stat(filepath.Join(r.workTree(), ".git")); errors.Is(err, os.ErrNotExist) {
		if err := r.git(ctx, r.dir, nil, "clone", r.url, r.workTree()); err != nil {
			return fmt.Errorf("git clone: %w", err)
		}
	}
	steps := [][]string{
		{"remote", "set-url", "origin", r.url},
		{"fetch", "origin", "--prune", "--tags"},
		{"reset", "--hard"},
		{"clean", "-f", "-d"},
	}
	for _, args := range steps {
		if err := r.git(ctx, r.workTree(), nil, args...); err != nil {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
	}
	return nil
}

func (r *Repo) refExists(ctx context.Context, ref string) (bool, error) {
	out := &bytes.Buffer{}
	if err := r.git(ctx, r.workTree(), out, "for-each-ref", ref); err != nil {
		return false, fmt.Errorf("git for-each-ref %s: %w", ref, err)
	}
	return strings.TrimSpace(out.String()) != "", nil
}

// execGit runs git with a restricted environment.  On failure the
// combined output becomes the error text.
func execGit(ctx context.Context, dir string, out io.Writer, args ...string) error {
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = dir
	c.Env = env()

	combined := &bytes.Buffer{}
	c.Stdout = combined
	c.Stderr = combined
	if out != nil {
		c.Stdout = io.MultiWriter(combined, out)
	}

	err := c.Run()
	if err != nil && combined.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(combined.String()))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("running git %v: %w", args, ctxErr)
	}
	return err
}

func env() []string {
	vars := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			vars = append(vars, k+"="+v)
		}
	}
	return vars
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
