package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validSpec() ImageSpec {
	spec := Default()
	spec.RootImagePath = "root.img"
	return spec
}

func TestDefaultsAreValidWithRootSource(t *testing.T) {
	spec := validSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("defaults with a root source should validate: %v", err)
	}

	if spec.FirmwareSizeMiB != 30 {
		t.Errorf("default firmware size = %d, want 30", spec.FirmwareSizeMiB)
	}
	if spec.GapMiB != 8 {
		t.Errorf("default gap = %d, want 8", spec.GapMiB)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ImageSpec)
		wantSub string
	}{
		{
			name:    "missing root source",
			mutate:  func(s *ImageSpec) { s.RootImagePath = "" },
			wantSub: "root filesystem source",
		},
		{
			name:    "both root sources",
			mutate:  func(s *ImageSpec) { s.RootImageRef = "alpine:3.20" },
			wantSub: "mutually exclusive",
		},
		{
			name:    "zero firmware size",
			mutate:  func(s *ImageSpec) { s.FirmwareSizeMiB = 0 },
			wantSub: "firmware size",
		},
		{
			name:    "negative gap",
			mutate:  func(s *ImageSpec) { s.GapMiB = -1 },
			wantSub: "alignment gap",
		},
		{
			name:    "overlong label",
			mutate:  func(s *ImageSpec) { s.FirmwareLabel = "TWELVECHARSX" },
			wantSub: "exceeds 11",
		},
		{
			name:    "bad firmware id",
			mutate:  func(s *ImageSpec) { s.FirmwareID = "0xnothex" },
			wantSub: "32-bit hex",
		},
		{
			name:    "firmware id too wide",
			mutate:  func(s *ImageSpec) { s.FirmwareID = "0x1ffffffff" },
			wantSub: "32-bit hex",
		},
		{
			name:    "bad root uuid",
			mutate:  func(s *ImageSpec) { s.RootUUID = "not-a-uuid" },
			wantSub: "root uuid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid spec")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestFirmwareVolumeID(t *testing.T) {
	spec := validSpec()
	id, err := spec.FirmwareVolumeID()
	if err != nil {
		t.Fatalf("FirmwareVolumeID: %v", err)
	}
	if id != 0x2178694e {
		t.Errorf("id = %#x, want 0x2178694e", id)
	}

	spec.FirmwareID = "DEADBEEF" // no 0x prefix is fine
	id, err = spec.FirmwareVolumeID()
	if err != nil {
		t.Fatalf("FirmwareVolumeID without prefix: %v", err)
	}
	if id != 0xdeadbeef {
		t.Errorf("id = %#x, want 0xdeadbeef", id)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.json")
	content := `{
		"output": "out/pi.img",
		"rootImage": "root.img",
		"firmwareSizeMiB": 64,
		"compress": true
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	spec, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if spec.OutputPath != "out/pi.img" {
		t.Errorf("output = %q", spec.OutputPath)
	}
	if spec.FirmwareSizeMiB != 64 {
		t.Errorf("firmware size = %d, want 64", spec.FirmwareSizeMiB)
	}
	if !spec.Compress {
		t.Error("compress should be true")
	}
	// untouched fields keep their defaults
	if spec.GapMiB != DefaultGapMiB {
		t.Errorf("gap = %d, want default %d", spec.GapMiB, DefaultGapMiB)
	}
	if spec.FirmwareLabel != DefaultFirmwareLabel {
		t.Errorf("label = %q, want default %q", spec.FirmwareLabel, DefaultFirmwareLabel)
	}

	if err := spec.Validate(); err != nil {
		t.Fatalf("loaded spec should validate: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("LoadFile should fail for a missing file")
	}
}
