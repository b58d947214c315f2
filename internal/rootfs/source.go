// Package rootfs materializes the root partition content for an assembly.
// The root image either already exists as a (possibly compressed) file, or is
// built on the fly from an OCI image: layers flattened to a tree, population
// hook applied, provisioning seed injected, tree formatted as ext4.
package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sdforge/sdforge/internal/partition"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/compress"
	"github.com/sdforge/sdforge/pkg/fs"
	"github.com/sdforge/sdforge/pkg/oci"
)

// Source yields a decompressed root filesystem image file for one build.
type Source interface {
	// Materialize produces the image under workDir and returns its path.
	Materialize(ctx context.Context, workDir string) (string, error)
	Info() string
}

// FileSource wraps a prebuilt root image file, transparently decompressing
// zstd or gzip input.
type FileSource struct {
	Path   string
	logger *slog.Logger
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, logger: slog.Default()}
}

func (s *FileSource) Info() string {
	return s.Path
}

func (s *FileSource) Materialize(ctx context.Context, workDir string) (string, error) {
	dst := filepath.Join(workDir, "root.img")
	n, err := compress.DecompressFile(s.Path, dst)
	if err != nil {
		return "", fmt.Errorf("materialize root image from %s: %w", s.Path, err)
	}
	s.logger.InfoContext(ctx, "root image materialized",
		"source", s.Path,
		"size", humanize.IBytes(uint64(n)))
	return dst, nil
}

// ImageSource builds the root image from a container image.
type ImageSource struct {
	image       oci.ImageSource
	trees       fs.TreeBuilder
	devices     fs.BlockDeviceBuilder
	runner      run.Runner
	logger      *slog.Logger
	PopulateCmd string // optional root population hook, receives the tree as $1
	RootUUID    string // optional ext4 filesystem UUID
	Label       string
}

func NewImageSource(image oci.ImageSource, trees fs.TreeBuilder, devices fs.BlockDeviceBuilder, runner run.Runner) *ImageSource {
	return &ImageSource{
		image:   image,
		trees:   trees,
		devices: devices,
		runner:  runner,
		logger:  slog.Default(),
		Label:   "SDROOT",
	}
}

func (s *ImageSource) Info() string {
	return s.image.Info()
}

func (s *ImageSource) Materialize(ctx context.Context, workDir string) (string, error) {
	image, err := s.image.GetImage(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch root image source: %w", err)
	}
	s.logger.InfoContext(ctx, "root image source fetched",
		"ref", s.image.Info(),
		"digest", image.Digest.String(),
		"layers", len(image.Layers))

	treeDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(treeDir, 0o755); err != nil {
		return "", fmt.Errorf("create root tree directory: %w", err)
	}
	if err := s.trees.BuildTree(ctx, image.Layers, treeDir); err != nil {
		return "", fmt.Errorf("flatten root tree: %w", err)
	}

	if s.PopulateCmd != "" {
		_, err := s.runner.Run(ctx, run.Cmd{
			Name: "sh",
			Args: []string{"-c", s.PopulateCmd, "sh", treeDir},
		})
		if err != nil {
			return "", fmt.Errorf("root population hook: %w", err)
		}
	}

	if err := WriteSeed(ctx, treeDir, image); err != nil {
		return "", fmt.Errorf("write provisioning seed: %w", err)
	}

	treeSize, err := fs.DirSize(treeDir)
	if err != nil {
		return "", fmt.Errorf("measure root tree: %w", err)
	}

	imagePath := filepath.Join(workDir, "root.img")
	device, err := s.devices.NewDevice(ctx, fs.BlockDeviceOptions{
		SourceDir:  treeDir,
		OutputPath: imagePath,
		SizeBytes:  ext4ImageSize(treeSize),
		Label:      s.Label,
		UUID:       s.RootUUID,
	})
	if err != nil {
		return "", fmt.Errorf("build root ext4 image: %w", err)
	}

	s.logger.InfoContext(ctx, "root image built",
		"path", device.Path,
		"size", humanize.IBytes(uint64(device.SizeBytes)))
	return device.Path, nil
}

// ext4ImageSize sizes the root image for a tree of treeBytes: 25% headroom
// for filesystem metadata plus fixed slack, rounded up to a whole MiB.
func ext4ImageSize(treeBytes int64) int64 {
	size := treeBytes + treeBytes/4 + 64*partition.MiB
	if rem := size % partition.MiB; rem != 0 {
		size += partition.MiB - rem
	}
	return size
}
