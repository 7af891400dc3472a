// Package cmdexec runs external tools with captured output.
// Stages depend on the Runner interface so tests can fake tool invocations.
package cmdexec

import (
	"context"
	"os/exec"
)

// Command describes a single external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current process environment.
	// Credentials injected here live only for the child process.
	Env []string
}

// Runner executes external commands.
type Runner interface {
	// Run executes the command and returns its combined stdout/stderr.
	// A non-zero exit is returned as an error alongside whatever output
	// the tool produced.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	return c.CombinedOutput()
}
