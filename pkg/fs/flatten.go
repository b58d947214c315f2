package fs

import (
	"context"

	"github.com/sdforge/sdforge/pkg/oci"
)

// NoOpTreeBuilder is a no-op implementation for testing
type NoOpTreeBuilder struct{}

func NewNoOpTreeBuilder() *NoOpTreeBuilder {
	return &NoOpTreeBuilder{}
}

func (f *NoOpTreeBuilder) BuildTree(ctx context.Context, layers []oci.Layer, targetDir string) error {
	// No-op: in real implementation, would extract and merge layers
	return nil
}
