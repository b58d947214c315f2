package assemble

import (
	"fmt"
	"io"
	"os"

	"github.com/sdforge/sdforge/internal/partition"
	"github.com/sdforge/sdforge/pkg/fs"
)

// copyIntoPartition streams srcPath into the artifact beginning at the
// partition's start sector. The write is positioned and non-truncating, so
// regions written by earlier or later steps are left untouched. The source
// must fit the partition; oversize is a sizing bug reported before any byte
// moves.
func copyIntoPartition(artifactPath, srcPath string, entry partition.Entry) error {
	srcSize, err := fs.ApparentSize(srcPath)
	if err != nil {
		return err
	}

	capacity := entry.Sectors * partition.SectorSize
	if srcSize > capacity {
		return &partition.SizingError{
			Detail: fmt.Sprintf("%s does not fit its partition", srcPath),
			Have:   capacity,
			Need:   srcSize,
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	// O_WRONLY without O_TRUNC: the artifact already has its final size
	dst, err := os.OpenFile(artifactPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", artifactPath, err)
	}
	defer dst.Close()

	offset := entry.StartSector * partition.SectorSize
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to partition offset %d: %w", offset, err)
	}

	written, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("copy into partition at offset %d: %w", offset, err)
	}
	if written != srcSize {
		return fmt.Errorf("short copy into partition: wrote %d of %d bytes", written, srcSize)
	}

	return dst.Sync()
}
