// Package run wraps external command execution behind a small interface so
// that every package shelling out to disk tooling (sfdisk, mkfs.vfat, mcopy,
// fsck.vfat, mkfs.ext4, resize2fs) can be exercised in tests with a recording
// fake instead of the real binaries.
package run

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cmd describes a single external command invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin string   // piped to the process verbatim when non-empty
	Dir   string   // working directory (optional)
	Env   []string // extra environment entries appended to the inherited env
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes external commands. Implementations must return the combined
// stdout/stderr output even on failure so callers can propagate it verbatim.
type Runner interface {
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// ToolError wraps a failed external tool invocation. The tool's combined
// output is carried along untouched; sdforge never interprets it.
type ToolError struct {
	Cmd    Cmd
	Output []byte
	Err    error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Cmd, e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Exec is the Runner used outside of tests.
type Exec struct{}

func NewExec() *Exec {
	return &Exec{}
}

func (r *Exec) Run(ctx context.Context, c Cmd) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &ToolError{Cmd: c, Output: out, Err: err}
	}
	return out, nil
}
