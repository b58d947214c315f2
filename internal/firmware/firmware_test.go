package firmware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sdforge/sdforge/internal/run"
)

func stagingWithFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write staging file: %v", err)
		}
	}
	return dir
}

func TestBuildCommandSequence(t *testing.T) {
	staging := stagingWithFiles(t, "config.txt", "bootcode.bin", "start.elf")
	out := filepath.Join(t.TempDir(), "firmware.img")

	recorder := run.NewRecorder()
	builder := NewBuilder(recorder)

	err := builder.Build(context.Background(), staging, BuildOptions{
		OutputPath: out,
		Sectors:    61440, // 30 MiB
		Label:      "FIRMWARE",
		VolumeID:   0x2178694e,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"faketime", "mcopy", "mcopy", "mcopy", "fsck.vfat"}
	if got := recorder.CommandNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("command sequence = %v, want %v", got, want)
	}

	// mkfs runs under faketime with the pinned epoch
	format := recorder.Calls[0]
	if format.Args[0] != "1970-01-01 00:00:00" {
		t.Errorf("faketime epoch = %q", format.Args[0])
	}
	assertContains(t, format.Args, "mkfs.vfat")
	assertContains(t, format.Args, "2178694E")
	assertContains(t, format.Args, "FIRMWARE")

	// staging entries copied in sorted order for reproducibility
	wantOrder := []string{"bootcode.bin", "config.txt", "start.elf"}
	for i, name := range wantOrder {
		call := recorder.Calls[1+i]
		if got := filepath.Base(call.Args[3]); got != name {
			t.Errorf("mcopy %d copied %q, want %q", i, got, name)
		}
	}

	// image presized to exactly sectors*512
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat image: %v", err)
	}
	if info.Size() != 61440*512 {
		t.Errorf("image size = %d, want %d", info.Size(), 61440*512)
	}
}

func TestBuildValidationFailureIsFatal(t *testing.T) {
	staging := stagingWithFiles(t, "config.txt")
	out := filepath.Join(t.TempDir(), "firmware.img")

	recorder := run.NewRecorder()
	recorder.Respond("fsck.vfat", run.Response{Err: errors.New("exit status 1"), Output: []byte("bad cluster chain")})

	builder := NewBuilder(recorder)
	err := builder.Build(context.Background(), staging, BuildOptions{
		OutputPath: out, Sectors: 2048, Label: "BOOT", VolumeID: 1,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Build = %v, want ErrInvalid", err)
	}
}

func TestBuildRejectsNonPositiveSize(t *testing.T) {
	builder := NewBuilder(run.NewRecorder())
	err := builder.Build(context.Background(), t.TempDir(), BuildOptions{
		OutputPath: filepath.Join(t.TempDir(), "f.img"), Sectors: 0,
	})
	if err == nil {
		t.Fatal("Build accepted zero sectors")
	}
}

func TestStagingPopulateRunsHookWithDirAsArg(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	defer staging.Destroy()

	recorder := run.NewRecorder()
	recorder.Respond("sh", run.Response{Effect: func(c run.Cmd) error {
		return os.WriteFile(filepath.Join(c.Args[len(c.Args)-1], "kernel.img"), []byte("k"), 0o644)
	}})

	if err := staging.Populate(context.Background(), recorder, "cp /boot/* \"$1\""); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	call := recorder.Calls[0]
	if call.Name != "sh" || call.Args[0] != "-c" {
		t.Errorf("hook not run via sh -c: %+v", call)
	}
	if call.Args[len(call.Args)-1] != staging.Dir {
		t.Errorf("staging dir not passed as $1: %v", call.Args)
	}
}

func TestStagingPopulateEmptyResultFails(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	defer staging.Destroy()

	// hook succeeds but writes nothing
	err = staging.Populate(context.Background(), run.NewRecorder(), "true")
	if !errors.Is(err, ErrStagingEmpty) {
		t.Fatalf("Populate = %v, want ErrStagingEmpty", err)
	}
}

func assertContains(t *testing.T, args []string, want string) {
	t.Helper()
	for _, a := range args {
		if a == want {
			return
		}
	}
	t.Errorf("args %v missing %q", args, want)
}
