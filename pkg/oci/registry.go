package oci

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistrySource fetches OCI images from a container registry using
// go-containerregistry. Manifest, config, and layer metadata are downloaded
// by GetImage; layer content is streamed lazily when a layer's Compressed
// reader is consumed.
type RegistrySource struct {
	imageRef name.Reference
}

// NewRegistrySource creates a source for the given image reference.
// ref can be:
//   - "alpine:3.20" (defaults to docker.io/library)
//   - "docker.io/library/alpine:3.20"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistrySource(imageRef string) (ImageSource, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// First component has no dots or colons, so it is not a registry host
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	return &RegistrySource{imageRef: ref}, nil
}

func (p *RegistrySource) Info() string {
	return p.imageRef.String()
}

// GetImage fetches the image from the registry for the host's architecture.
func (p *RegistrySource) GetImage(ctx context.Context) (*Image, error) {
	platform, err := v1.ParsePlatform(fmt.Sprintf("linux/%s", runtime.GOARCH))
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(p.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	config, err := parseImageConfig(img)
	if err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	return &Image{
		Digest: digest.Digest(dgst.String()),
		Config: config,
		Layers: wrappedLayers,
		Manifest: &Manifest{
			MediaType: string(manifest.MediaType),
			Size:      manifestSize,
		},
	}, nil
}

func parseImageConfig(img v1.Image) (*ImageConfig, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}
	if cfgFile == nil {
		return nil, fmt.Errorf("no config file in image")
	}

	cfg := cfgFile.Config
	return &ImageConfig{
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}, nil
}

// registryLayer adapts a go-containerregistry layer to the Layer interface.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}
