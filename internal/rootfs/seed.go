package rootfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sdforge/sdforge/pkg/oci"
)

// SeedMarkerName is the registration marker at the root of the assembled
// filesystem. Its presence means the system is unprovisioned; the first-boot
// provisioner consumes it and removes it.
const SeedMarkerName = "sdforge-registration"

// SeedEntry is one pre-seeded content object: a digest-addressed path in the
// root filesystem that the provisioner registers into the content store.
type SeedEntry struct {
	Digest digest.Digest
	Size   int64
	Path   string
}

func (e SeedEntry) String() string {
	return fmt.Sprintf("%s %d %s", e.Digest, e.Size, e.Path)
}

// ParseSeed reads marker-file content back into entries. Blank lines are
// skipped; anything else malformed is an error, since registering a partial
// seed would leave the store silently incomplete.
func ParseSeed(data []byte) ([]SeedEntry, error) {
	var entries []SeedEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("seed line %d: want 3 fields, got %d", i+1, len(fields))
		}
		dgst, err := digest.Parse(fields[0])
		if err != nil {
			return nil, fmt.Errorf("seed line %d: %w", i+1, err)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed line %d: %w", i+1, err)
		}
		entries = append(entries, SeedEntry{Digest: dgst, Size: size, Path: fields[2]})
	}
	return entries, nil
}

// WriteSeed injects the provisioning seed into a root tree: the registration
// marker listing every pre-seeded content object, and /etc/sdforge/image
// recording where the root filesystem came from.
func WriteSeed(ctx context.Context, treeDir string, image *oci.Image) error {
	var marker bytes.Buffer
	for _, layer := range image.Layers {
		entry := SeedEntry{
			Digest: layer.Digest(),
			Size:   layer.Size(),
			Path:   "/sdforge/store/" + layer.Digest().Encoded(),
		}
		fmt.Fprintln(&marker, entry)
	}
	if err := os.WriteFile(filepath.Join(treeDir, SeedMarkerName), marker.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write registration marker: %w", err)
	}

	metaDir := filepath.Join(treeDir, "etc", "sdforge")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", metaDir, err)
	}

	var meta bytes.Buffer
	fmt.Fprintf(&meta, "digest=%s\n", image.Digest)
	if image.Config != nil {
		if len(image.Config.Entrypoint) > 0 {
			fmt.Fprintf(&meta, "entrypoint=%s\n", strings.Join(image.Config.Entrypoint, " "))
		}
		if image.Config.WorkingDir != "" {
			fmt.Fprintf(&meta, "workdir=%s\n", image.Config.WorkingDir)
		}
	}
	if err := os.WriteFile(filepath.Join(metaDir, "image"), meta.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write image metadata: %w", err)
	}

	return nil
}
