// Package partition derives and writes the two-entry MBR layout of an
// assembled image: a FAT32 firmware partition at the alignment gap, and a
// Linux root partition spanning the remainder of the image.
package partition

import (
	"fmt"
)

const (
	SectorSize = 512
	MiB        = 1024 * 1024
)

// MBR type codes, as sfdisk spells them.
type Type string

const (
	TypeFAT32 Type = "b"  // W95 FAT32
	TypeLinux Type = "83" // Linux filesystem
)

// Entry is one partition of the layout, in 512-byte sectors.
type Entry struct {
	StartSector int64
	Sectors     int64
	Type        Type
	Bootable    bool
}

// EndSector returns the first sector after the partition.
func (e Entry) EndSector() int64 {
	return e.StartSector + e.Sectors
}

// Layout is the ordered, non-overlapping partition table of one image.
// Entry 0 is the firmware partition, entry 1 the root partition.
type Layout struct {
	DiskID  uint32
	Entries []Entry
}

// SizingError reports an invalid computed partition or image size.
type SizingError struct {
	Detail string
	Have   int64
	Need   int64
}

func (e *SizingError) Error() string {
	if e.Need != 0 || e.Have != 0 {
		return fmt.Sprintf("sizing: %s (have %d bytes, need %d)", e.Detail, e.Have, e.Need)
	}
	return "sizing: " + e.Detail
}

// Derive computes the layout for an image of totalBytes with the configured
// alignment gap and firmware partition size. The root partition extends to
// the end of the image, leaving room for in-place growth on first boot.
func Derive(diskID uint32, gapMiB, firmwareMiB, totalBytes int64) (Layout, error) {
	if totalBytes%SectorSize != 0 {
		return Layout{}, &SizingError{Detail: fmt.Sprintf("image size %d is not sector aligned", totalBytes)}
	}

	firmwareStart := gapMiB * MiB / SectorSize
	firmwareSectors := firmwareMiB * MiB / SectorSize
	rootStart := firmwareStart + firmwareSectors
	totalSectors := totalBytes / SectorSize

	rootSectors := totalSectors - rootStart
	if rootSectors <= 0 {
		return Layout{}, &SizingError{
			Detail: "image too small for the configured gap and firmware partition",
			Have:   totalBytes,
			Need:   rootStart * SectorSize,
		}
	}

	layout := Layout{
		DiskID: diskID,
		Entries: []Entry{
			{StartSector: firmwareStart, Sectors: firmwareSectors, Type: TypeFAT32},
			{StartSector: rootStart, Sectors: rootSectors, Type: TypeLinux, Bootable: true},
		},
	}
	if err := layout.Check(); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

// Check verifies the layout invariants: entries strictly ordered by start,
// non-overlapping, and the root partition beginning exactly where the
// firmware partition ends.
func (l Layout) Check() error {
	if len(l.Entries) != 2 {
		return &SizingError{Detail: fmt.Sprintf("expected 2 partitions, got %d", len(l.Entries))}
	}
	for i, e := range l.Entries {
		if e.Sectors <= 0 {
			return &SizingError{Detail: fmt.Sprintf("partition %d has non-positive size %d", i+1, e.Sectors)}
		}
		if e.StartSector <= 0 {
			return &SizingError{Detail: fmt.Sprintf("partition %d starts at sector %d", i+1, e.StartSector)}
		}
	}
	firmware, root := l.Entries[0], l.Entries[1]
	if firmware.StartSector >= root.StartSector {
		return &SizingError{Detail: "partitions out of order"}
	}
	if firmware.EndSector() != root.StartSector {
		return &SizingError{
			Detail: "firmware partition must end exactly where the root partition starts",
			Have:   firmware.EndSector() * SectorSize,
			Need:   root.StartSector * SectorSize,
		}
	}
	return nil
}

// Firmware returns the firmware partition entry.
func (l Layout) Firmware() Entry { return l.Entries[0] }

// Root returns the root partition entry.
func (l Layout) Root() Entry { return l.Entries[1] }
