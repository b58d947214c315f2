// Package fs provides the filesystem-level building blocks of sdforge:
// sparse file handling, atomic publishes, root tree construction from OCI
// image layers, and ext4 image creation from a prepared tree.
//
// The LayerFlattener extracts and merges OCI image layers into a single root
// filesystem tree, handling layer ordering and overwrites, OCI whiteout
// markers (.wh.* files), opaque whiteouts (.wh..wh..opaque), and directory
// traversal protection.
package fs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sdforge/sdforge/pkg/oci"
)

// TreeBuilder materializes a root filesystem tree from OCI layers.
type TreeBuilder interface {
	BuildTree(ctx context.Context, layers []oci.Layer, targetDir string) error
}

type LayerFlattener struct{}

func NewLayerFlattener() *LayerFlattener {
	return &LayerFlattener{}
}

func (f *LayerFlattener) BuildTree(ctx context.Context, layers []oci.Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.extractLayer(ctx, layer, targetDir); err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}
	}

	return nil
}

func (f *LayerFlattener) extractLayer(ctx context.Context, layer oci.Layer, targetDir string) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	gzipReader, err := gzip.NewReader(reader)
	if err != nil {
		return fmt.Errorf("decompress gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := f.handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := f.extractTarEntry(targetDir, header, tarReader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

// withinDir reports whether path is dir itself or lies below it. A plain
// prefix check is not enough: it would accept a sibling like dir+"-evil".
func withinDir(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(os.PathSeparator))
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opaque clears the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// handleWhiteout removes the file or directory a whiteout marker points at.
func (f *LayerFlattener) handleWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	deletePath := filepath.Join(targetDir, dir, actualName)

	if actualName == ".wh..opaque" {
		// Opaque whiteout: clear the directory but keep it
		opaqueDir := filepath.Join(targetDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}

	return nil
}

// extractTarEntry extracts a single tar entry into the target tree.
func (f *LayerFlattener) extractTarEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	// Sanitize path to prevent directory traversal
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if !withinDir(targetDir, targetPath) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		// Restore ownership if possible (may require root)
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}

		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		defer file.Close()

		if _, err := io.CopyN(file, reader, header.Size); err != nil && err != io.EOF {
			return fmt.Errorf("copy file content: %w", err)
		}

		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	case tar.TypeLink:
		linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
		if !withinDir(targetDir, linkTarget) {
			// Hard link pointing outside the tree: fall back to an empty file
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("mkdir parent: %w", err)
			}
			if _, err := os.Create(targetPath); err != nil {
				return fmt.Errorf("create hardlink fallback file: %w", err)
			}
		} else {
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("create hardlink: %w", err)
			}
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Skip special files; the target system recreates device nodes itself
		return nil

	default:
		return nil
	}

	return nil
}
