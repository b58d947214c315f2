// Package firmware builds the FAT32 boot partition image. The filesystem is
// formatted with a fixed timestamp and populated in sorted order, so two
// builds over identical staging content produce byte-identical images.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/sdforge/sdforge/internal/partition"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/fs"
)

// Epoch pinned into every filesystem metadata timestamp.
const deterministicEpoch = "1970-01-01 00:00:00"

// ErrInvalid is returned when the finished filesystem fails its consistency
// check. The image is never repaired or shipped in that state.
var ErrInvalid = errors.New("firmware filesystem failed consistency check")

// BuildOptions sizes and labels the firmware filesystem.
type BuildOptions struct {
	OutputPath string // side file receiving the FAT32 image
	Sectors    int64  // exact partition size in 512-byte sectors
	Label      string
	VolumeID   uint32
}

// Builder creates FAT32 filesystem images from a staging tree using the
// mtools/dosfstools toolchain.
type Builder struct {
	runner run.Runner
	logger *slog.Logger
}

func NewBuilder(runner run.Runner) *Builder {
	return &Builder{runner: runner, logger: slog.Default()}
}

// Build formats opts.OutputPath as FAT32 of exactly opts.Sectors sectors,
// copies the staging tree into it, and validates the result.
func (b *Builder) Build(ctx context.Context, stagingDir string, opts BuildOptions) error {
	if opts.Sectors <= 0 {
		return &partition.SizingError{Detail: fmt.Sprintf("firmware partition size %d sectors", opts.Sectors)}
	}
	sizeBytes := opts.Sectors * partition.SectorSize

	b.logger.InfoContext(ctx, "building firmware filesystem",
		"path", opts.OutputPath,
		"size_mb", sizeBytes/1024/1024,
		"label", opts.Label)

	if err := fs.CreateSparseFile(opts.OutputPath, sizeBytes); err != nil {
		return fmt.Errorf("presize firmware image: %w", err)
	}

	// faketime pins every FAT timestamp to the epoch; reproducibility depends
	// on it, not just tidiness.
	_, err := b.runner.Run(ctx, run.Cmd{
		Name: "faketime",
		Args: []string{deterministicEpoch,
			"mkfs.vfat", "-i", fmt.Sprintf("%08X", opts.VolumeID), "-n", opts.Label, opts.OutputPath},
	})
	if err != nil {
		return fmt.Errorf("format firmware image: %w", err)
	}

	if err := b.populate(ctx, stagingDir, opts.OutputPath); err != nil {
		return err
	}

	// -n: check only, never repair. A corrupt boot partition aborts assembly.
	if _, err := b.runner.Run(ctx, run.Cmd{
		Name: "fsck.vfat",
		Args: []string{"-vn", opts.OutputPath},
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// populate copies every top-level staging entry into the filesystem root,
// preserving directory structure. Entries are copied one by one in sorted
// order so the resulting image does not depend on readdir order.
func (b *Builder) populate(ctx context.Context, stagingDir, imagePath string) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return fmt.Errorf("read staging directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		src := filepath.Join(stagingDir, entry.Name())
		_, err := b.runner.Run(ctx, run.Cmd{
			Name: "mcopy",
			Args: []string{"-psvm", "-i", imagePath, src, "::"},
		})
		if err != nil {
			return fmt.Errorf("copy %s into firmware image: %w", entry.Name(), err)
		}
	}
	return nil
}
