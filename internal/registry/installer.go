package registry

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Installer installs one package requirement declared by a plugin. The
// meaning of a requirement string is host-defined.
type Installer interface {
	Install(ctx context.Context, requirement string) error
}

// NopInstaller ignores requirements. It is the default when a host has no
// package manager to delegate to.
type NopInstaller struct{}

func (NopInstaller) Install(ctx context.Context, requirement string) error {
	return nil
}

// ExecInstaller installs requirements by running a configured command with
// the requirement appended, e.g. Command: []string{"pip", "install"}.
type ExecInstaller struct {
	Command []string
}

func (e ExecInstaller) Install(ctx context.Context, requirement string) error {
	if len(e.Command) == 0 {
		return errors.New("installer command not configured")
	}

	args := append(append([]string{}, e.Command[1:]...), requirement)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("install %q: %w: %s", requirement, err, out)
	}
	return nil
}
