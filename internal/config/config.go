// Package config defines the image specification consumed by the assembler.
// Values resolve with explicit precedence: command-line flags override the
// JSON config file, which overrides the built-in defaults below.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Built-in defaults.
const (
	DefaultFirmwareSizeMiB = 30
	DefaultGapMiB          = 8
	DefaultFirmwareLabel   = "FIRMWARE"
	DefaultFirmwareID      = "0x2178694e"
	DefaultOutputPath      = "sdforge.img"
)

// FAT volume labels are at most 11 characters.
const maxFirmwareLabelLen = 11

// ImageSpec describes one image assembly. It is immutable once the assembler
// starts; construct it, Validate it, then hand it over.
type ImageSpec struct {
	// Output artifact path. When Compress is set the published file is
	// OutputPath + ".zst".
	OutputPath string `json:"output"`

	// Root filesystem source: exactly one of the two.
	RootImagePath string `json:"rootImage,omitempty"` // raw/zstd/gzip image file
	RootImageRef  string `json:"rootImageRef,omitempty"` // OCI image reference

	FirmwareSizeMiB int64  `json:"firmwareSizeMiB"`
	FirmwareLabel   string `json:"firmwareLabel"`
	FirmwareID      string `json:"firmwareId"` // 32-bit hex, also the MBR disk id
	GapMiB          int64  `json:"gapMiB"`     // alignment gap before partition 1
	RootUUID        string `json:"rootUuid,omitempty"` // optional root fs UUID

	Compress bool `json:"compress"`

	// Opaque hooks, run via sh -c with the relevant path as $1.
	FirmwarePopulateCmd string `json:"populateFirmware,omitempty"`
	RootPopulateCmd     string `json:"populateRoot,omitempty"`
	PostBuildCmd        string `json:"postBuild,omitempty"`

	// Scratch space for staging directories and intermediate files.
	// Defaults to the system temp directory.
	WorkDir string `json:"workDir,omitempty"`
}

// Default returns an ImageSpec populated with the built-in defaults.
func Default() ImageSpec {
	return ImageSpec{
		OutputPath:      DefaultOutputPath,
		FirmwareSizeMiB: DefaultFirmwareSizeMiB,
		FirmwareLabel:   DefaultFirmwareLabel,
		FirmwareID:      DefaultFirmwareID,
		GapMiB:          DefaultGapMiB,
		WorkDir:         os.TempDir(),
	}
}

// LoadFile reads a JSON config file on top of the defaults.
func LoadFile(path string) (ImageSpec, error) {
	spec := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse config %s: %w", path, err)
	}
	return spec, nil
}

// FirmwareVolumeID parses the configured firmware id as a 32-bit value.
func (s *ImageSpec) FirmwareVolumeID() (uint32, error) {
	raw := strings.TrimPrefix(strings.ToLower(s.FirmwareID), "0x")
	id, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("firmware id %q is not a 32-bit hex value: %w", s.FirmwareID, err)
	}
	return uint32(id), nil
}

// Validate checks the spec before assembly begins. All failures are reported
// against the field that caused them.
func (s *ImageSpec) Validate() error {
	if s.OutputPath == "" {
		return fmt.Errorf("output path must be set")
	}

	switch {
	case s.RootImagePath == "" && s.RootImageRef == "":
		return fmt.Errorf("a root filesystem source is required: set rootImage or rootImageRef")
	case s.RootImagePath != "" && s.RootImageRef != "":
		return fmt.Errorf("rootImage and rootImageRef are mutually exclusive")
	}

	if s.FirmwareSizeMiB <= 0 {
		return fmt.Errorf("firmware size must be a positive number of MiB, got %d", s.FirmwareSizeMiB)
	}
	if s.GapMiB <= 0 {
		return fmt.Errorf("alignment gap must be a positive number of MiB, got %d", s.GapMiB)
	}

	if s.FirmwareLabel == "" {
		return fmt.Errorf("firmware label must be set")
	}
	if len(s.FirmwareLabel) > maxFirmwareLabelLen {
		return fmt.Errorf("firmware label %q exceeds %d characters", s.FirmwareLabel, maxFirmwareLabelLen)
	}

	if _, err := s.FirmwareVolumeID(); err != nil {
		return err
	}

	if s.RootUUID != "" {
		if _, err := uuid.Parse(s.RootUUID); err != nil {
			return fmt.Errorf("root uuid %q: %w", s.RootUUID, err)
		}
	}

	return nil
}
