package rootfs

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
)

// Command is a single command executed inside a bake's filesystem.
type Command struct {
	// Argv is the command and its arguments.
	Argv []string

	// WorkDir is the working directory inside the chroot. Defaults to "/".
	WorkDir string

	// Env is the process environment. A default PATH is provided when nil.
	Env []string

	// NonFatal marks commands whose failure is logged but does not abort
	// the step (the package cache purge is the one user of this).
	NonFatal bool
}

// String renders the command for logs and tests.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// defaultEnv is the environment used when a Command carries none. Matches
// what the base images themselves ship in PATH.
var defaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"DEBIAN_FRONTEND=noninteractive",
}

// Executor runs commands inside a root filesystem. The production
// implementation chroots; tests substitute a fake.
type Executor interface {
	Run(ctx context.Context, rootDir string, cmd Command, output io.Writer) error
}

// ChrootExecutor runs commands chrooted into the target root filesystem.
// Requires the calling process to have CAP_SYS_CHROOT (kiln runs as root,
// as mounting overlays already demands).
type ChrootExecutor struct{}

// Run executes the command with the process root switched to rootDir.
// Stdout and stderr are interleaved into output.
func (ChrootExecutor) Run(ctx context.Context, rootDir string, cmd Command, output io.Writer) error {
	if len(cmd.Argv) == 0 {
		return fmt.Errorf("empty command")
	}

	workDir := cmd.WorkDir
	if workDir == "" {
		workDir = "/"
	}
	env := cmd.Env
	if env == nil {
		env = defaultEnv
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Chroot: rootDir}
	c.Dir = workDir
	c.Env = env
	c.Stdout = output
	c.Stderr = output

	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("command %q exited with status %d", cmd.String(), exitErr.ExitCode())
		}
		return fmt.Errorf("run %q: %w", cmd.String(), err)
	}
	return nil
}
