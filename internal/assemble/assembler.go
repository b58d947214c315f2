// Package assemble sequences one image build: materialize the root image,
// size the artifact, write the partition table, fill both partitions, run the
// post-build hook, and publish atomically. Every step is synchronous and any
// failure aborts the run without leaving a published artifact behind.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sdforge/sdforge/internal/config"
	"github.com/sdforge/sdforge/internal/firmware"
	"github.com/sdforge/sdforge/internal/partition"
	"github.com/sdforge/sdforge/internal/rootfs"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/compress"
	"github.com/sdforge/sdforge/pkg/fs"
	"github.com/sdforge/sdforge/pkg/lock"
)

// Result describes a finished assembly.
type Result struct {
	ArtifactPath string // published file: OutputPath, or OutputPath+".zst"
	Layout       partition.Layout
	SizeBytes    int64 // raw (uncompressed) image size
	Compressed   bool
	BuildTime    time.Duration
}

// Assembler builds bootable disk images from an ImageSpec.
type Assembler struct {
	runner   run.Runner
	locker   lock.Locker
	tables   *partition.Sfdisk
	firmware *firmware.Builder
	logger   *slog.Logger
}

func New(runner run.Runner, locker lock.Locker) *Assembler {
	return &Assembler{
		runner:   runner,
		locker:   locker,
		tables:   partition.NewSfdisk(runner),
		firmware: firmware.NewBuilder(runner),
		logger:   slog.Default(),
	}
}

// Assemble runs the full pipeline for one spec. The spec is not mutated.
func (a *Assembler) Assemble(ctx context.Context, spec config.ImageSpec, source rootfs.Source) (*Result, error) {
	startTime := time.Now()
	buildTimestamp := startTime.Unix()

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image spec: %w", err)
	}
	volumeID, err := spec.FirmwareVolumeID()
	if err != nil {
		return nil, err
	}

	// Concurrent runs for the same output are serialized, never interleaved.
	lk, err := a.locker.AcquireLock(ctx, spec.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("acquire build lock: %w", err)
	}
	defer lk.Release()

	logger := a.logger.With("output", spec.OutputPath, "source", source.Info())
	logger.InfoContext(ctx, "starting assembly")

	if dir := filepath.Dir(spec.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	runID := uuid.NewString()[:8]
	buildDir := filepath.Join(spec.WorkDir, "sdforge", "build", runID)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(buildDir); err != nil {
			logger.WarnContext(ctx, "failed to clean up build directory", "error", err, "path", buildDir)
		}
	}()

	// This run is now the wanted build for the output path.
	wantedFile := spec.OutputPath + ".wanted"
	if err := fs.WriteFileAtomic(wantedFile, []byte(strconv.FormatInt(buildTimestamp, 10)), 0o644); err != nil {
		return nil, fmt.Errorf("write wanted file: %w", err)
	}

	rootImage, err := source.Materialize(ctx, buildDir)
	if err != nil {
		return nil, err
	}

	sizes, err := ComputeSizes(rootImage, spec.FirmwareSizeMiB, spec.GapMiB)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "image sized",
		"root", humanize.IBytes(uint64(sizes.RootBytes)),
		"firmware", humanize.IBytes(uint64(sizes.FirmwareBytes)),
		"total", humanize.IBytes(uint64(sizes.TotalBytes())))

	// All writes go to a temporary path next to the output; publish is a
	// rename at the very end, so an aborted run never leaves an artifact.
	tmpArtifact := spec.OutputPath + "." + runID + ".tmp"
	defer os.Remove(tmpArtifact)

	if err := fs.CreateSparseFile(tmpArtifact, sizes.TotalBytes()); err != nil {
		return nil, fmt.Errorf("presize artifact: %w", err)
	}

	layout, err := partition.Derive(volumeID, spec.GapMiB, spec.FirmwareSizeMiB, sizes.TotalBytes())
	if err != nil {
		return nil, err
	}
	if err := a.tables.Write(ctx, tmpArtifact, layout); err != nil {
		return nil, err
	}

	// Re-read the table so partition offsets come from what sfdisk actually
	// wrote, not from in-memory arithmetic.
	layout, err = a.tables.Read(ctx, tmpArtifact)
	if err != nil {
		return nil, err
	}

	// Root partition first, firmware second.
	logger.InfoContext(ctx, "copying root partition", "offset_sectors", layout.Root().StartSector)
	if err := copyIntoPartition(tmpArtifact, rootImage, layout.Root()); err != nil {
		return nil, err
	}

	if err := a.buildFirmware(ctx, spec, volumeID, buildDir, tmpArtifact, layout); err != nil {
		return nil, err
	}

	if spec.PostBuildCmd != "" {
		logger.InfoContext(ctx, "running post-build hook")
		_, err := a.runner.Run(ctx, run.Cmd{
			Name: "sh",
			Args: []string{"-c", spec.PostBuildCmd, "sh", tmpArtifact},
			Env:  []string{"IMG=" + tmpArtifact},
		})
		if err != nil {
			return nil, fmt.Errorf("post-build hook: %w", err)
		}
	}

	if !isNewestBuild(wantedFile, buildTimestamp) {
		return nil, errors.New("newer build detected, not publishing")
	}

	artifactPath, err := a.publish(spec, tmpArtifact, runID)
	if err != nil {
		return nil, err
	}
	clearWanted(wantedFile, buildTimestamp)

	duration := time.Since(startTime)
	logger.InfoContext(ctx, "assembly complete",
		"artifact", artifactPath,
		"size", humanize.IBytes(uint64(sizes.TotalBytes())),
		"compressed", spec.Compress,
		"duration", duration)

	return &Result{
		ArtifactPath: artifactPath,
		Layout:       layout,
		SizeBytes:    sizes.TotalBytes(),
		Compressed:   spec.Compress,
		BuildTime:    duration,
	}, nil
}

func (a *Assembler) buildFirmware(ctx context.Context, spec config.ImageSpec, volumeID uint32, buildDir, artifact string, layout partition.Layout) error {
	staging, err := firmware.NewStaging(buildDir)
	if err != nil {
		return err
	}
	defer staging.Destroy()

	if err := staging.Populate(ctx, a.runner, spec.FirmwarePopulateCmd); err != nil {
		return err
	}

	firmwareImage := filepath.Join(buildDir, "firmware.img")
	err = a.firmware.Build(ctx, staging.Dir, firmware.BuildOptions{
		OutputPath: firmwareImage,
		Sectors:    layout.Firmware().Sectors,
		Label:      spec.FirmwareLabel,
		VolumeID:   volumeID,
	})
	if err != nil {
		return err
	}

	return copyIntoPartition(artifact, firmwareImage, layout.Firmware())
}

// publish moves the finished build into place. Exactly one file remains:
// the raw image, or its zstd form when compression is enabled.
func (a *Assembler) publish(spec config.ImageSpec, tmpArtifact, runID string) (string, error) {
	if !spec.Compress {
		if err := os.Rename(tmpArtifact, spec.OutputPath); err != nil {
			return "", fmt.Errorf("publish artifact: %w", err)
		}
		if err := removeIfExists(spec.OutputPath + ".zst"); err != nil {
			return "", err
		}
		return spec.OutputPath, nil
	}

	compressedPath := spec.OutputPath + ".zst"
	tmpCompressed := compressedPath + "." + runID + ".tmp"
	defer os.Remove(tmpCompressed)

	if err := compress.CompressFileZstd(tmpArtifact, tmpCompressed); err != nil {
		return "", err
	}
	if err := os.Rename(tmpCompressed, compressedPath); err != nil {
		return "", fmt.Errorf("publish compressed artifact: %w", err)
	}
	if err := os.Remove(tmpArtifact); err != nil {
		return "", fmt.Errorf("remove raw artifact: %w", err)
	}
	if err := removeIfExists(spec.OutputPath); err != nil {
		return "", err
	}
	return compressedPath, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale %s: %w", path, err)
	}
	return nil
}

// clearWanted removes the freshness file once the artifact is published, but
// only while it still carries this run's claim. A newer run's claim stays.
func clearWanted(filePath string, timestamp int64) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	if ts, err := strconv.ParseInt(string(data), 10, 64); err == nil && ts == timestamp {
		os.Remove(filePath)
	}
}

func isNewestBuild(filePath string, timestamp int64) bool {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return true
	}

	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return true
	}

	return ts <= timestamp
}
