package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sdforge/sdforge/internal/rootfs"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/internal/store"
)

func TestSplitPartition(t *testing.T) {
	tests := []struct {
		device string
		disk   string
		number int
	}{
		{"/dev/sda2", "/dev/sda", 2},
		{"/dev/vdb1", "/dev/vdb", 1},
		{"/dev/mmcblk0p2", "/dev/mmcblk0", 2},
		{"/dev/nvme0n1p2", "/dev/nvme0n1", 2},
		{"/dev/mmcblk1p12", "/dev/mmcblk1", 12},
	}
	for _, tt := range tests {
		dev, err := splitPartition(tt.device)
		if err != nil {
			t.Errorf("splitPartition(%q): %v", tt.device, err)
			continue
		}
		if dev.Disk != tt.disk || dev.Number != tt.number || dev.Partition != tt.device {
			t.Errorf("splitPartition(%q) = %+v, want disk %q number %d", tt.device, dev, tt.disk, tt.number)
		}
	}
}

func TestSplitPartitionRejectsWholeDisk(t *testing.T) {
	for _, device := range []string{"/dev/sda", "/dev/mmcblk0", "/dev/loop0", "", "2"} {
		if _, err := splitPartition(device); err == nil {
			t.Errorf("splitPartition(%q) accepted a non-partition device", device)
		}
	}
}

func seedDigest() digest.Digest { return digest.FromString("seed-layer") }

// unprovisionedRoot lays out a root filesystem as the assembler leaves it:
// registration marker at the root, image metadata under etc/sdforge.
func unprovisionedRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	entry := rootfs.SeedEntry{
		Digest: seedDigest(),
		Size:   2048,
		Path:   "/sdforge/store/" + seedDigest().Encoded(),
	}
	seed := entry.String() + "\n"
	if err := os.WriteFile(filepath.Join(root, rootfs.SeedMarkerName), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	metaDir := filepath.Join(root, "etc", "sdforge")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	meta := fmt.Sprintf("digest=%s\nentrypoint=/sbin/init\n", digest.FromString("image"))
	if err := os.WriteFile(filepath.Join(metaDir, "image"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func growRecorder() *run.Recorder {
	recorder := run.NewRecorder()
	recorder.Respond("findmnt", run.Response{Output: []byte("/dev/mmcblk0p2\n")})
	return recorder
}

func TestRunProvisionsSystem(t *testing.T) {
	root := unprovisionedRoot(t)
	recorder := growRecorder()

	p := New(recorder, Options{Root: root})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantCmds := []string{"findmnt", "sfdisk", "resize2fs"}
	names := recorder.CommandNames()
	if len(names) != len(wantCmds) {
		t.Fatalf("commands = %v, want %v", names, wantCmds)
	}
	for i, want := range wantCmds {
		if names[i] != want {
			t.Errorf("command %d = %q, want %q", i, names[i], want)
		}
	}

	grow := recorder.Calls[1]
	if grow.Stdin != ",+\n" {
		t.Errorf("sfdisk stdin = %q, want grow-to-end script", grow.Stdin)
	}
	if last := grow.Args[len(grow.Args)-1]; last != "/dev/mmcblk0" {
		t.Errorf("sfdisk target = %q, want the whole disk", last)
	}
	if target := recorder.Calls[2].Args[0]; target != "/dev/mmcblk0p2" {
		t.Errorf("resize2fs target = %q, want the root partition", target)
	}

	if state, _ := p.State(); state != StateProvisioned {
		t.Errorf("state after Run = %s, want provisioned", state)
	}
	if _, err := os.Stat(filepath.Join(root, rootfs.SeedMarkerName)); !os.IsNotExist(err) {
		t.Error("registration marker still present")
	}
	if _, err := os.Stat(filepath.Join(root, "etc", "sdforge", "installed")); err != nil {
		t.Errorf("installed tag: %v", err)
	}

	db, err := store.Open(filepath.Join(root, "sdforge", "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer db.Close()

	obj, err := store.GetObjectByDigest(db, seedDigest())
	if err != nil {
		t.Fatalf("seed object not registered: %v", err)
	}
	if obj.Size != 2048 {
		t.Errorf("object size = %d, want 2048", obj.Size)
	}

	gen, err := store.ActiveGeneration(db)
	if err != nil {
		t.Fatalf("no active generation: %v", err)
	}
	if gen.ImageDigest != digest.FromString("image").String() {
		t.Errorf("generation digest = %q", gen.ImageDigest)
	}
	if gen.Entrypoint != "/sbin/init" {
		t.Errorf("generation entrypoint = %q", gen.Entrypoint)
	}

	link, err := os.Readlink(filepath.Join(root, "sdforge", "profiles", "default"))
	if err != nil {
		t.Fatalf("default profile link: %v", err)
	}
	if link != gen.ID {
		t.Errorf("default profile -> %q, want generation %q", link, gen.ID)
	}
}

func TestRunIsNoOpWhenProvisioned(t *testing.T) {
	root := unprovisionedRoot(t)

	p := New(growRecorder(), Options{Root: root})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := run.NewRecorder()
	if err := New(second, Options{Root: root}).Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(second.Calls) != 0 {
		t.Errorf("provisioned system ran commands: %v", second.CommandNames())
	}
}

func TestRunRetriesAfterFailure(t *testing.T) {
	root := unprovisionedRoot(t)

	// First boot: filesystem growth fails, marker must survive.
	failing := growRecorder()
	failing.Respond("resize2fs", run.Response{Err: errors.New("device busy")})
	p := New(failing, Options{Root: root})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite resize2fs failure")
	}
	if state, _ := p.State(); state != StateUnprovisioned {
		t.Fatal("failed run removed the marker")
	}

	// Next boot retries the whole sequence and converges.
	if err := New(growRecorder(), Options{Root: root}).Run(context.Background()); err != nil {
		t.Fatalf("retry Run: %v", err)
	}

	db, err := store.Open(filepath.Join(root, "sdforge", "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	objects, err := store.ListObjects(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 {
		t.Errorf("retry registered %d objects, want 1", len(objects))
	}
	gens, err := store.ListGenerations(db)
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, gen := range gens {
		if gen.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("%d active generations after retry, want 1", active)
	}
}

func TestRunSkipGrow(t *testing.T) {
	root := unprovisionedRoot(t)
	recorder := run.NewRecorder()

	if err := New(recorder, Options{Root: root, SkipGrow: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recorder.Calls) != 0 {
		t.Errorf("SkipGrow still ran %v", recorder.CommandNames())
	}
}
