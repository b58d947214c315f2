package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/fs"
)

// ErrStagingEmpty is returned when the population hook completes without
// producing any firmware content.
var ErrStagingEmpty = errors.New("firmware staging directory is empty after population")

// Staging is the transient tree holding firmware partition content for one
// build. It is owned by the assembler and destroyed after use.
type Staging struct {
	Dir string
}

// NewStaging creates an empty staging directory under workDir.
func NewStaging(workDir string) (*Staging, error) {
	dir, err := os.MkdirTemp(workDir, "firmware-staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Staging{Dir: dir}, nil
}

// Populate runs the opaque population command with the staging directory as
// $1. The command must fill the directory synchronously and must not write
// outside it; an empty result is a staging failure.
func (s *Staging) Populate(ctx context.Context, runner run.Runner, command string) error {
	if command != "" {
		_, err := runner.Run(ctx, run.Cmd{
			Name: "sh",
			Args: []string{"-c", command, "sh", s.Dir},
		})
		if err != nil {
			return fmt.Errorf("firmware population hook: %w", err)
		}
	}

	empty, err := fs.DirIsEmpty(s.Dir)
	if err != nil {
		return fmt.Errorf("inspect staging directory: %w", err)
	}
	if empty {
		return ErrStagingEmpty
	}
	return nil
}

// Destroy removes the staging tree.
func (s *Staging) Destroy() error {
	return os.RemoveAll(s.Dir)
}
