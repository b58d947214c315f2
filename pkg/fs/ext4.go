package fs

import (
	"context"
	"fmt"

	"github.com/sdforge/sdforge/internal/run"
)

// BlockDeviceOptions specifies how to create a filesystem image file.
type BlockDeviceOptions struct {
	SourceDir  string // prepared root tree copied into the filesystem (optional)
	OutputPath string // where to write the image file
	SizeBytes  int64  // apparent size of the image file
	Label      string // filesystem label (optional)
	UUID       string // filesystem UUID (optional)
}

// BlockDevice describes a created filesystem image file.
type BlockDevice struct {
	Path      string
	SizeBytes int64
	Label     string
}

// BlockDeviceBuilder creates a filesystem image sized to opts.SizeBytes.
type BlockDeviceBuilder interface {
	NewDevice(ctx context.Context, opts BlockDeviceOptions) (*BlockDevice, error)
}

// Ext4Builder formats image files as ext4 via mkfs.ext4. Populating from a
// source directory uses mkfs.ext4 -d, so no loop mount or root privileges are
// needed.
type Ext4Builder struct {
	runner run.Runner
}

func NewExt4Builder(runner run.Runner) *Ext4Builder {
	return &Ext4Builder{runner: runner}
}

func (b *Ext4Builder) NewDevice(ctx context.Context, opts BlockDeviceOptions) (*BlockDevice, error) {
	if opts.SizeBytes <= 0 {
		return nil, fmt.Errorf("ext4 image %s: size must be positive, got %d", opts.OutputPath, opts.SizeBytes)
	}
	if err := CreateSparseFile(opts.OutputPath, opts.SizeBytes); err != nil {
		return nil, fmt.Errorf("creating sparse file: %w", err)
	}

	args := []string{"-F"}
	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}
	if opts.UUID != "" {
		args = append(args, "-U", opts.UUID)
	}
	if opts.SourceDir != "" {
		args = append(args, "-d", opts.SourceDir)
	}
	args = append(args, opts.OutputPath)

	if _, err := b.runner.Run(ctx, run.Cmd{Name: "mkfs.ext4", Args: args}); err != nil {
		return nil, fmt.Errorf("formatting %s as ext4: %w", opts.OutputPath, err)
	}

	return &BlockDevice{
		Path:      opts.OutputPath,
		SizeBytes: opts.SizeBytes,
		Label:     opts.Label,
	}, nil
}

// NoOpBlockDeviceBuilder is a no-op implementation for testing.
type NoOpBlockDeviceBuilder struct{}

func NewNoOpBlockDeviceBuilder() *NoOpBlockDeviceBuilder {
	return &NoOpBlockDeviceBuilder{}
}

func (b *NoOpBlockDeviceBuilder) NewDevice(ctx context.Context, opts BlockDeviceOptions) (*BlockDevice, error) {
	// No-op: in real implementation, would create an ext4 image
	return &BlockDevice{
		Path:      opts.OutputPath,
		SizeBytes: opts.SizeBytes,
		Label:     opts.Label,
	}, nil
}
