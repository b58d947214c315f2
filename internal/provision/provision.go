// Package provision implements the first-boot sequence of an assembled
// image: grow the root partition and filesystem to fill the disk, register
// the pre-seeded content into the store database, and mark the system
// installed.
//
// Provisioning state lives in a single marker file, the registration seed at
// the filesystem root. Marker present means unprovisioned; the marker is
// removed last, so a failure at any earlier step leaves it in place and the
// whole sequence is retried on the next boot. Every step tolerates being
// re-run after a partial earlier attempt.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sdforge/sdforge/internal/rootfs"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/internal/store"
)

// State of the marker-file machine.
type State int

const (
	StateUnprovisioned State = iota
	StateProvisioned
)

func (s State) String() string {
	if s == StateProvisioned {
		return "provisioned"
	}
	return "unprovisioned"
}

// Options locates the provisioner's inputs and outputs. Root is the mounted
// root filesystem, "/" on a real system and a scratch directory in tests.
type Options struct {
	Root string

	// SkipGrow disables the partition and filesystem growth steps, for
	// systems whose image already fills the disk.
	SkipGrow bool
}

// Paths under Root.
const (
	registryPath = "sdforge/registry.db"
	profilesDir  = "sdforge/profiles"
	tagPath      = "etc/sdforge/installed"
	imageMeta    = "etc/sdforge/image"
)

// Provisioner executes the first-boot sequence.
type Provisioner struct {
	runner run.Runner
	logger *slog.Logger
	opts   Options
}

func New(runner run.Runner, opts Options) *Provisioner {
	if opts.Root == "" {
		opts.Root = "/"
	}
	return &Provisioner{runner: runner, logger: slog.Default(), opts: opts}
}

func (p *Provisioner) markerPath() string {
	return filepath.Join(p.opts.Root, rootfs.SeedMarkerName)
}

// State reports the current provisioning state.
func (p *Provisioner) State() (State, error) {
	_, err := os.Stat(p.markerPath())
	switch {
	case err == nil:
		return StateUnprovisioned, nil
	case os.IsNotExist(err):
		return StateProvisioned, nil
	default:
		return StateUnprovisioned, fmt.Errorf("inspect marker %s: %w", p.markerPath(), err)
	}
}

// Run executes the provisioning sequence once. On an already provisioned
// system it is a no-op. Steps run in a fixed order and the first failure
// aborts; the marker file survives the failure, so the next boot retries.
func (p *Provisioner) Run(ctx context.Context) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	if state == StateProvisioned {
		p.logger.InfoContext(ctx, "system already provisioned, nothing to do")
		return nil
	}

	p.logger.InfoContext(ctx, "provisioning", "root", p.opts.Root)

	if !p.opts.SkipGrow {
		if err := p.growRoot(ctx); err != nil {
			return err
		}
	}

	generationID, err := p.registerSeed(ctx)
	if err != nil {
		return err
	}

	if err := p.markInstalled(generationID); err != nil {
		return err
	}

	if err := os.Remove(p.markerPath()); err != nil {
		return fmt.Errorf("remove registration marker: %w", err)
	}

	p.logger.InfoContext(ctx, "provisioning complete", "generation", generationID)
	return nil
}

// growRoot expands the root partition to the end of the disk, then the
// filesystem to the end of the partition. Both tools are no-ops when there
// is nothing left to grow, which makes a retry after interruption safe.
func (p *Provisioner) growRoot(ctx context.Context) error {
	dev, err := DiscoverRootDevice(ctx, p.runner)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "growing root partition",
		"disk", dev.Disk, "partition", dev.Partition)

	_, err = p.runner.Run(ctx, run.Cmd{
		Name:  "sfdisk",
		Args:  []string{"--no-reread", "-N", strconv.Itoa(dev.Number), dev.Disk},
		Stdin: ",+\n",
	})
	if err != nil {
		return fmt.Errorf("grow partition %s: %w", dev.Partition, err)
	}

	if _, err := p.runner.Run(ctx, run.Cmd{
		Name: "resize2fs",
		Args: []string{dev.Partition},
	}); err != nil {
		return fmt.Errorf("grow filesystem on %s: %w", dev.Partition, err)
	}
	return nil
}

// registerSeed loads the registration marker into the store database and
// records this image as the active generation.
func (p *Provisioner) registerSeed(ctx context.Context) (string, error) {
	data, err := os.ReadFile(p.markerPath())
	if err != nil {
		return "", fmt.Errorf("read registration marker: %w", err)
	}
	entries, err := rootfs.ParseSeed(data)
	if err != nil {
		return "", err
	}

	dbPath := filepath.Join(p.opts.Root, registryPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return "", fmt.Errorf("create store directory: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if err := store.InitSchema(ctx, db); err != nil {
		return "", err
	}

	for _, entry := range entries {
		obj := &store.Object{Digest: entry.Digest, Size: entry.Size, Path: entry.Path}
		if err := store.RegisterObject(db, obj); err != nil {
			return "", fmt.Errorf("register %s: %w", entry.Digest, err)
		}
	}
	p.logger.InfoContext(ctx, "seed registered", "objects", len(entries))

	meta := p.readImageMeta()
	generationID := uuid.NewString()
	gen := &store.Generation{
		ID:          generationID,
		ImageDigest: meta["digest"],
		Entrypoint:  meta["entrypoint"],
	}
	if err := store.InsertGeneration(db, gen); err != nil {
		return "", fmt.Errorf("record generation: %w", err)
	}
	if err := store.ActivateGeneration(db, generationID); err != nil {
		return "", fmt.Errorf("activate generation: %w", err)
	}
	return generationID, nil
}

// readImageMeta parses the image metadata file written at assembly time.
// The file is optional; a missing or partial file yields empty values.
func (p *Provisioner) readImageMeta() map[string]string {
	meta := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(p.opts.Root, imageMeta))
	if err != nil {
		return meta
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && key != "" {
			meta[key] = value
		}
	}
	return meta
}

// markInstalled writes the installed tag file and points the default
// profile at the new generation.
func (p *Provisioner) markInstalled(generationID string) error {
	tag := filepath.Join(p.opts.Root, tagPath)
	if err := os.MkdirAll(filepath.Dir(tag), 0o755); err != nil {
		return fmt.Errorf("create tag directory: %w", err)
	}
	content := fmt.Sprintf("SDFORGE_PROVISIONED=1\nSDFORGE_GENERATION=%s\nSDFORGE_PROVISIONED_AT=%s\n",
		generationID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(tag, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write installed tag: %w", err)
	}

	profiles := filepath.Join(p.opts.Root, profilesDir)
	if err := os.MkdirAll(profiles, 0o755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}
	link := filepath.Join(profiles, "default")
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace default profile link: %w", err)
	}
	if err := os.Symlink(generationID, link); err != nil {
		return fmt.Errorf("link default profile: %w", err)
	}
	return nil
}
