// Package imagecreator defines the ImageCreator boundary (§1, §9): an
// opaque collaborator that allocates a target image file for restore.
// The restore engine only depends on this interface.
package imagecreator

import "context"

// QcowOptions are the qcow-specific knobs recovered from the image
// sidecar (§6). Each field is a pointer so an absent key can fall back
// silently to the tool's defaults, per §6 and §4.E.
type QcowOptions struct {
	Compat         *string
	ClusterSize    *int64
	LazyRefcounts  *bool
}

// Options describes the target image to allocate.
type Options struct {
	Path          string
	VirtualSize   uint64
	Format        string // "raw", "qcow2", ...
	Qcow          QcowOptions
}

// ImageCreator allocates target image files for restore.
type ImageCreator interface {
	// Create allocates a new image at opt.Path. It must fail if the path
	// already exists (§4.E "refuse to overwrite an existing target
	// file").
	Create(ctx context.Context, opt Options) error
}
