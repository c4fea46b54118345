package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/terrpan/pulsebuild/internal/ci"
)

// DefaultShell interprets scripts.
const DefaultShell = "/bin/sh"

// Shell runs a script with the host shell.  Build arguments are
// exported as upper-cased environment variables (COMMIT, BRANCH, ...).
type Shell struct {
	// Script is passed to the shell with -c.
	Script string

	// Dir is the working directory.  Empty means the current one.
	Dir string

	// Env adds NAME=value pairs on top of the inherited environment.
	Env []string

	// Interpreter overrides DefaultShell.
	Interpreter string
}

var _ ci.Batch = (*Shell)(nil)

// Exec implements ci.Batch.  The exit status of the script is returned
// as the code; only a failure to start it, or cancellation, is an error.
func (s *Shell) Exec(ctx context.Context, args map[string]string, out io.Writer) (int, error) {
	sh := s.Interpreter
	if sh == "" {
		sh = DefaultShell
	}
	cmd := exec.CommandContext(ctx, sh, "-c", s.Script)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), EnvVars(args)...)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("running %s: %w", sh, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("running %s: %w", sh, err)
	}
	return 0, nil
}
