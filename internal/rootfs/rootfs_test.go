package rootfs

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/fs"
	"github.com/sdforge/sdforge/pkg/oci"
)

func TestFileSourceDecompressesGzip(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("rootfs"), 4096)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(payload)
	gw.Close()

	src := filepath.Join(dir, "root.img.gz")
	if err := os.WriteFile(src, gz.Bytes(), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	path, err := NewFileSource(src).Materialize(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("materialized image differs from the decompressed payload")
	}
}

func TestFileSourceRawPassthrough(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("already raw")
	src := filepath.Join(dir, "root.img")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	path, err := NewFileSource(src).Materialize(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, payload) {
		t.Error("raw image altered during materialization")
	}
}

func TestImageSourceBuildsSeededTree(t *testing.T) {
	workDir := t.TempDir()

	src := NewImageSource(oci.NewNoOpImageSource(), fs.NewNoOpTreeBuilder(), fs.NewNoOpBlockDeviceBuilder(), run.NewRecorder())
	path, err := src.Materialize(context.Background(), workDir)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if path != filepath.Join(workDir, "root.img") {
		t.Errorf("image path = %q", path)
	}

	// seed metadata is injected into the tree before formatting
	treeDir := filepath.Join(workDir, "rootfs")
	if _, err := os.Stat(filepath.Join(treeDir, SeedMarkerName)); err != nil {
		t.Errorf("registration marker missing: %v", err)
	}
	meta, err := os.ReadFile(filepath.Join(treeDir, "etc", "sdforge", "image"))
	if err != nil {
		t.Fatalf("image metadata missing: %v", err)
	}
	if !strings.Contains(string(meta), "digest=sha256:") {
		t.Errorf("metadata lacks source digest:\n%s", meta)
	}
}

func TestImageSourceRunsPopulationHook(t *testing.T) {
	recorder := run.NewRecorder()
	src := NewImageSource(oci.NewNoOpImageSource(), fs.NewNoOpTreeBuilder(), fs.NewNoOpBlockDeviceBuilder(), recorder)
	src.PopulateCmd = "install-extra \"$1\""

	workDir := t.TempDir()
	if _, err := src.Materialize(context.Background(), workDir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if len(recorder.Calls) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(recorder.Calls))
	}
	call := recorder.Calls[0]
	if call.Name != "sh" || call.Args[0] != "-c" {
		t.Errorf("hook not run via sh -c: %+v", call)
	}
	if got := call.Args[len(call.Args)-1]; got != filepath.Join(workDir, "rootfs") {
		t.Errorf("tree dir not passed as $1: %q", got)
	}
}

func TestSeedRoundTrip(t *testing.T) {
	entries := []SeedEntry{
		{Digest: digest.FromString("a"), Size: 42, Path: "/sdforge/store/aaa"},
		{Digest: digest.FromString("b"), Size: 7, Path: "/sdforge/store/bbb"},
	}

	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.String() + "\n")
	}

	parsed, err := ParseSeed(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(parsed) != len(entries) {
		t.Fatalf("parsed %d entries, want %d", len(parsed), len(entries))
	}
	for i := range entries {
		if parsed[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, parsed[i], entries[i])
		}
	}
}

func TestParseSeedRejectsMalformedLine(t *testing.T) {
	if _, err := ParseSeed([]byte("sha256:deadbeef 12\n")); err == nil {
		t.Fatal("ParseSeed accepted a two-field line")
	}
	if _, err := ParseSeed([]byte("notadigest 12 /p\n")); err == nil {
		t.Fatal("ParseSeed accepted a bad digest")
	}
}

func TestExt4ImageSizeHeadroom(t *testing.T) {
	size := ext4ImageSize(100 * 1024 * 1024)
	if size <= 100*1024*1024 {
		t.Errorf("image size %d leaves no headroom", size)
	}
	if size%(1024*1024) != 0 {
		t.Errorf("image size %d not MiB aligned", size)
	}
}
