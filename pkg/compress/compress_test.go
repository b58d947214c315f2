package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestDetectFormat(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte("payload"))
	gw.Close()

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zw.Write([]byte("payload"))
	zw.Close()

	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"gzip", gz.Bytes(), FormatGzip},
		{"zstd", zs.Bytes(), FormatZstd},
		{"raw", []byte("just some bytes"), FormatRaw},
		{"empty", nil, FormatRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := DetectFormat(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("DetectFormat: %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectFormat = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewReaderRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("sdforge root image bytes "), 1024)

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zw.Write(payload)
	zw.Close()

	reader, format, err := NewReader(bytes.NewReader(zs.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	if format != FormatZstd {
		t.Errorf("format = %v, want zstd", format)
	}

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read decompressed stream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("decompressed bytes differ from original payload")
	}
}

func TestNewReaderRawPassthrough(t *testing.T) {
	payload := []byte("uncompressed image")

	reader, format, err := NewReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	if format != FormatRaw {
		t.Errorf("format = %v, want raw", format)
	}
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("raw passthrough altered the stream")
	}
}

func TestCompressDecompressFile(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 64*1024)

	src := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	compressed := filepath.Join(dir, "disk.img.zst")
	if err := CompressFileZstd(src, compressed); err != nil {
		t.Fatalf("CompressFileZstd: %v", err)
	}

	restored := filepath.Join(dir, "restored.img")
	n, err := DecompressFile(compressed, restored)
	if err != nil {
		t.Fatalf("DecompressFile: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("decompressed %d bytes, want %d", n, len(payload))
	}

	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("restored bytes differ from original")
	}
}
