package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CreateSparseFile creates path with the given apparent size without
// allocating the blocks. Physical allocation happens lazily as regions are
// written, so running out of disk space surfaces at write time, not here.
func CreateSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("truncate to %d bytes: %w", sizeBytes, err)
	}
	return nil
}

// ApparentSize returns the apparent size of a file in bytes.
func ApparentSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// DirSize sums the apparent sizes of all regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}
	return total, nil
}

// DirIsEmpty reports whether a directory contains no entries.
func DirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
