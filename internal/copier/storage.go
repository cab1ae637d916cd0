package copier

import (
	"context"
	"fmt"
	"io"

	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// ReadOnlyStorage is content we can copy from.
type ReadOnlyStorage interface {
	// Fetch returns the raw content for the given descriptor. The caller
	// verifies the content, so implementations need not.
	Fetch(ctx context.Context, desc ocidist.Descriptor) (io.ReadCloser, error)

	// Exists returns true if the content for the given descriptor is
	// present, without transferring it.
	Exists(ctx context.Context, desc ocidist.Descriptor) (bool, error)
}

// Storage is content we can copy to.
type Storage interface {
	ReadOnlyStorage

	// Push stores the given content, which must match the descriptor.
	// Pushing content that's already present must succeed.
	Push(ctx context.Context, desc ocidist.Descriptor, content io.Reader) error
}

// Mounter is implemented by destinations that can make a blob from another
// repository in the same registry available without an upload.
type Mounter interface {
	// Mount returns false if the registry declined to mount the blob, in
	// which case the content must be pushed instead.
	Mount(ctx context.Context, desc ocidist.Descriptor, from string) (bool, error)
}

// Resolver maps tags and digests to manifest descriptors.
type Resolver interface {
	Resolve(ctx context.Context, reference string) (ocidist.Descriptor, error)
}

// ReadOnlyTarget is a repository we can copy tagged artifacts from.
type ReadOnlyTarget interface {
	ReadOnlyStorage
	Resolver
}

// Target is a repository we can copy tagged artifacts to.
type Target interface {
	Storage
	Resolver

	// Tag associates a tag with a manifest that's already present.
	Tag(ctx context.Context, desc ocidist.Descriptor, tag string) error
}

// NodeError is the error returned when copying fails, identifying the node
// of the graph whose transfer failed.
//
// Use [errors.Is] with the error values from package ocidist to determine
// what went wrong.
type NodeError struct {
	Node ocidist.Descriptor
	Err  error
}

func (err *NodeError) Error() string {
	return fmt.Sprintf("%s (%s): %s", err.Node.Digest, err.Node.MediaType, err.Err)
}

func (err *NodeError) Unwrap() error {
	return err.Err
}
