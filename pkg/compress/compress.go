// Package compress handles the compressed forms sdforge deals with: zstd
// compression of finished artifacts and transparent decompression of root
// filesystem image inputs (zstd or gzip, detected by magic bytes).
package compress

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Format identifies the compression wrapper of a stream.
type Format int

const (
	FormatRaw Format = iota
	FormatGzip
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	}
	return "raw"
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectFormat sniffs the stream's magic bytes. The returned reader replays
// the consumed bytes, so it must be used in place of r from here on.
func DetectFormat(r io.Reader) (Format, io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return FormatRaw, br, fmt.Errorf("peek stream head: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return FormatZstd, br, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip, br, nil
	}
	return FormatRaw, br, nil
}

// NewReader wraps r with the decompressor matching its detected format.
// A raw stream is passed through unchanged.
func NewReader(r io.Reader) (io.ReadCloser, Format, error) {
	format, br, err := DetectFormat(r)
	if err != nil {
		return nil, format, err
	}

	switch format {
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), format, nil
	case FormatGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("open gzip stream: %w", err)
		}
		return gr, format, nil
	}
	return io.NopCloser(br), FormatRaw, nil
}

// DecompressFile streams src into dst, decompressing according to src's
// detected format. Returns the number of decompressed bytes written.
func DecompressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	reader, _, err := NewReader(in)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	n, err := io.Copy(out, reader)
	if err != nil {
		return n, fmt.Errorf("decompress %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", dst, err)
	}
	return n, nil
}

// CompressFileZstd compresses src into dst as a single zstd stream. The
// source file is left in place; removal is the caller's decision.
func CompressFileZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("open zstd writer: %w", err)
	}

	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	return out.Sync()
}
