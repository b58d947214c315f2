package assemble

import (
	"github.com/sdforge/sdforge/internal/partition"
	"github.com/sdforge/sdforge/pkg/fs"
)

// Sizes holds the byte accounting for one image: everything downstream
// (truncation, layout, copies) derives from these three inputs.
type Sizes struct {
	RootBytes     int64 // root image apparent size, rounded up to a sector
	FirmwareBytes int64
	GapBytes      int64
}

// TotalBytes is the artifact's apparent size.
func (s Sizes) TotalBytes() int64 {
	return s.GapBytes + s.FirmwareBytes + s.RootBytes
}

// ComputeSizes measures the decompressed root image and derives the image
// size from it and the configured firmware and gap sizes.
func ComputeSizes(rootImagePath string, firmwareMiB, gapMiB int64) (Sizes, error) {
	rootSize, err := fs.ApparentSize(rootImagePath)
	if err != nil {
		return Sizes{}, err
	}
	if rootSize <= 0 {
		return Sizes{}, &partition.SizingError{Detail: "root image is empty", Have: rootSize}
	}

	return Sizes{
		RootBytes:     roundUpSector(rootSize),
		FirmwareBytes: firmwareMiB * partition.MiB,
		GapBytes:      gapMiB * partition.MiB,
	}, nil
}

// roundUpSector rounds n up to the next 512-byte boundary. Rounding down
// would truncate root filesystem data, so never do that.
func roundUpSector(n int64) int64 {
	return (n + partition.SectorSize - 1) &^ (partition.SectorSize - 1)
}
