// Package oci fetches container images to serve as root filesystem content.
// An assembled image's root partition can be built from any OCI image: the
// layers are flattened into a tree and formatted as ext4 by pkg/fs.
package oci

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// ImageSource abstracts where images come from (registry, local, tar, etc.)
type ImageSource interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}

// Image represents a fetched OCI image with its metadata and layers.
type Image struct {
	Digest   digest.Digest
	Config   *ImageConfig
	Layers   []Layer
	Manifest *Manifest
}

// ImageConfig carries the parts of the OCI runtime configuration that end up
// recorded in the assembled root filesystem.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// Manifest summarizes the OCI manifest.
type Manifest struct {
	MediaType string
	Size      int64 // config blob size plus all layer sizes
}

// Layer represents a single OCI layer.
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	// Compressed returns a reader for the compressed (tar.gz) layer data.
	// The caller must close the reader when done.
	Compressed(ctx context.Context) (io.ReadCloser, error)
}

// NoOpImageSource for testing
type NoOpImageSource struct{}

func NewNoOpImageSource() *NoOpImageSource {
	return &NoOpImageSource{}
}

func (p *NoOpImageSource) Info() string {
	return "registry.example/noop-image:latest"
}

func (p *NoOpImageSource) GetImage(ctx context.Context) (*Image, error) {
	return &Image{
		Digest: digest.FromString("noop-image"),
		Config: &ImageConfig{
			Entrypoint: []string{"/sbin/init"},
			Env:        []string{"PATH=/usr/bin:/bin"},
			WorkingDir: "/",
			User:       "root",
		},
		Layers: nil,
		Manifest: &Manifest{
			MediaType: "application/vnd.oci.image.manifest.v1+json",
			Size:      1024,
		},
	}, nil
}
