// Package copier copies artifact graphs between registries.
//
// An artifact is a directed acyclic graph of content rooted at a manifest
// or index. [CopyGraph] makes everything reachable from a root present at a
// destination. It transfers content only if the destination doesn't have
// it already, verifies every byte against its digest, and always pushes a
// manifest after everything it refers to.
package copier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/apparentlymart/ocicopy/internal/logging"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// CopyGraph copies the graph rooted at the given descriptor from src to
// dst, returning the root descriptor on success.
//
// Content the destination already has is not transferred again, and
// content shared between several parts of the graph is transferred at most
// once. Transient failures are retried according to opts. Any other
// failure aborts the whole copy and is returned as a [*NodeError]; the
// destination may then have some but not all of the graph, which is safe
// because nothing refers to the incomplete parts.
//
// If ctx is cancelled, CopyGraph returns the context's error.
func CopyGraph(ctx context.Context, src ReadOnlyStorage, dst Storage, root ocidist.Descriptor, opts Options) (ocidist.Descriptor, error) {
	if err := root.Validate(); err != nil {
		return ocidist.Descriptor{}, &NodeError{Node: root, Err: err}
	}
	opts = opts.withDefaults()

	group, gctx := errgroup.WithContext(ctx)
	c := &graphCopier{
		src:   src,
		dst:   dst,
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
		group: group,
		gctx:  gctx,
		done:  make(map[ocidist.DescriptorKey]struct{}),
	}
	if m, ok := dst.(Mounter); ok && opts.MountFrom != nil {
		c.mounter = m
	}

	logger, end := logging.ContextLoggerRequest(ctx, "copying %s", root.Digest)
	defer end()
	group.Go(func() error {
		return c.copyNode(root)
	})
	if err := group.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ocidist.Descriptor{}, ctxErr
		}
		logger.WithError(err).Debug("copy failed")
		return ocidist.Descriptor{}, err
	}
	return root, nil
}

// Copy resolves srcRef in src, copies the graph rooted there to dst, and
// then tags the root in dst as dstRef.
//
// If dstRef is empty then srcRef is used in the destination too. If the
// effective destination reference is a digest, no tag is created.
func Copy(ctx context.Context, src ReadOnlyTarget, srcRef string, dst Target, dstRef string, opts Options) (ocidist.Descriptor, error) {
	if dstRef == "" {
		dstRef = srcRef
	}
	ref, err := ocidist.ParseReference(dstRef)
	if err != nil {
		return ocidist.Descriptor{}, fmt.Errorf("invalid destination reference %q: %w", dstRef, err)
	}

	opts = opts.withDefaults()
	var root ocidist.Descriptor
	err = retry(ctx, opts, "resolve "+srcRef, func() error {
		var err error
		root, err = src.Resolve(ctx, srcRef)
		return err
	})
	if err != nil {
		return ocidist.Descriptor{}, fmt.Errorf("failed to resolve %q: %w", srcRef, err)
	}
	if ref.IsDigest() && ref.Digest() != root.Digest {
		return ocidist.Descriptor{}, fmt.Errorf("destination reference %s doesn't match source manifest %s", ref, root.Digest)
	}

	if _, err := CopyGraph(ctx, src, dst, root, opts); err != nil {
		return ocidist.Descriptor{}, err
	}

	if !ref.IsDigest() {
		err := retry(ctx, opts, "tag "+dstRef, func() error {
			return dst.Tag(ctx, root, ref.String())
		})
		if err != nil {
			return ocidist.Descriptor{}, fmt.Errorf("failed to tag %s as %q: %w", root.Digest, dstRef, err)
		}
	}
	return root, nil
}

// graphCopier holds the state shared by all of the work for a single call
// to [CopyGraph]. It is never reused.
type graphCopier struct {
	src     ReadOnlyStorage
	dst     Storage
	mounter Mounter
	opts    Options

	// sem bounds the number of network operations in progress. A node only
	// holds a slot while it's actually transferring, never while waiting
	// for its children.
	sem *semaphore.Weighted

	// Every node is copied in a goroutine of group, and all of the work
	// uses gctx. The first node to fail therefore cancels everything else,
	// and its error is the one the group reports.
	group *errgroup.Group
	gctx  context.Context

	flights singleflight.Group

	mu   sync.Mutex
	done map[ocidist.DescriptorKey]struct{}
}

// copyNode ensures that the given node and everything below it are present
// at the destination, returning only once that's true or there was an
// error.
//
// Concurrent calls for the same node share a single transfer, and calls
// after the node has been completed return immediately.
func (c *graphCopier) copyNode(desc ocidist.Descriptor) error {
	key := desc.Key()
	if c.isDone(key) {
		return nil
	}

	// Do runs the work on the calling goroutine, which is always one that
	// the group waits for.
	_, err, _ := c.flights.Do(key.String(), func() (any, error) {
		// Another flight for the same node might have finished between our
		// check above and this flight starting.
		if c.isDone(key) {
			return nil, nil
		}
		if err := c.visit(c.gctx, desc); err != nil {
			return nil, err
		}
		c.markDone(key)
		return nil, nil
	})
	return err
}

func (c *graphCopier) isDone(key ocidist.DescriptorKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[key]
	return ok
}

func (c *graphCopier) markDone(key ocidist.DescriptorKey) {
	c.mu.Lock()
	c.done[key] = struct{}{}
	c.mu.Unlock()
}

// visit does the work for one node. Errors about this node itself are
// annotated with its identity, while errors from its children pass through
// unchanged because they already identify the child that failed.
func (c *graphCopier) visit(ctx context.Context, desc ocidist.Descriptor) error {
	ctx = logging.ContextWithFields(ctx, logrus.Fields{
		"digest":    desc.Digest.String(),
		"mediaType": desc.MediaType,
	})
	logger := logging.ContextLogger(ctx)

	var exists bool
	err := c.io(ctx, "check destination", func() error {
		var err error
		exists, err = c.dst.Exists(ctx, desc)
		return err
	})
	if err != nil {
		return c.nodeError(desc, err)
	}
	if exists {
		logger.Debug("already present at destination")
		c.opts.Observer.skipped(desc)
		if !ocidist.IsManifestType(desc) {
			return nil
		}
		// Registries accept a referrer before its subject, so a referrer
		// being present says nothing about whether its subject is.
		content, err := c.readManifestContent(ctx, desc)
		if err != nil {
			return c.nodeError(desc, err)
		}
		c.copySubject(content)
		return nil
	}

	if !ocidist.IsManifestType(desc) {
		return c.copyBlob(ctx, desc)
	}

	content, err := c.readManifestContent(ctx, desc)
	if err != nil {
		return c.nodeError(desc, err)
	}

	c.copySubject(content)
	if err := c.copyChildren(content.Successors()); err != nil {
		return err
	}

	c.opts.Observer.start(desc)
	logger.Debug("pushing manifest")
	err = c.io(ctx, "push manifest", func() error {
		return c.dst.Push(ctx, desc, bytes.NewReader(content.Raw))
	})
	if err != nil {
		return c.nodeError(desc, err)
	}
	c.opts.Observer.copied(desc)
	return nil
}

// copySubject schedules the subject of the given manifest, if any. The
// subject is a backlink, so the referrer's push need not wait for it, but
// the copy as a whole isn't complete until it's present too.
func (c *graphCopier) copySubject(content *ocidist.Content) {
	subject := content.Subject()
	if subject == nil {
		return
	}
	desc := *subject
	c.group.Go(func() error {
		return c.copyNode(desc)
	})
}

// copyChildren copies all of the given nodes concurrently, returning once
// they have all finished. If any failed, the result is the first of their
// errors in the order given.
func (c *graphCopier) copyChildren(descs []ocidist.Descriptor) error {
	errs := make([]error, len(descs))
	var wg sync.WaitGroup
	for i, desc := range descs {
		i, desc := i, desc
		wg.Add(1)
		c.group.Go(func() error {
			defer wg.Done()
			errs[i] = c.copyNode(desc)
			return errs[i]
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *graphCopier) copyBlob(ctx context.Context, desc ocidist.Descriptor) error {
	logger := logging.ContextLogger(ctx)

	if c.mounter != nil {
		for _, from := range c.opts.MountFrom(desc) {
			var mounted bool
			err := c.io(ctx, "mount from "+from, func() error {
				var err error
				mounted, err = c.mounter.Mount(ctx, desc, from)
				return err
			})
			if err != nil {
				return c.nodeError(desc, err)
			}
			if mounted {
				logger.WithField("from", from).Debug("mounted blob")
				c.opts.Observer.mounted(desc, from)
				return nil
			}
		}
	}

	c.opts.Observer.start(desc)
	logger.Debug("copying blob")
	err := c.io(ctx, "copy blob", func() error {
		var r io.Reader
		if data := desc.InlineData(); data != nil {
			r = bytes.NewReader(data)
		} else {
			rc, err := c.src.Fetch(ctx, desc)
			if err != nil {
				return err
			}
			defer rc.Close()
			r = rc
		}
		// The verifying reader fails the push itself if the content is
		// wrong, so the destination never commits it.
		return c.dst.Push(ctx, desc, ocidist.NewVerifyingReader(r, desc))
	})
	if err != nil {
		return c.nodeError(desc, err)
	}
	c.opts.Observer.copied(desc)
	return nil
}

func (c *graphCopier) readManifestContent(ctx context.Context, desc ocidist.Descriptor) (*ocidist.Content, error) {
	raw, err := c.readManifest(ctx, desc)
	if err != nil {
		return nil, err
	}
	return ocidist.ParseManifestContent(desc, raw)
}

// readManifest returns the verified raw bytes of a manifest or index,
// either from the descriptor's inline data or from the source.
func (c *graphCopier) readManifest(ctx context.Context, desc ocidist.Descriptor) ([]byte, error) {
	if desc.Size > c.opts.MaxManifestBytes {
		return nil, fmt.Errorf("manifest size %d exceeds the limit of %d bytes", desc.Size, c.opts.MaxManifestBytes)
	}
	if data := desc.InlineData(); data != nil {
		return data, nil
	}

	var raw []byte
	err := c.io(ctx, "fetch manifest", func() error {
		rc, err := c.src.Fetch(ctx, desc)
		if err != nil {
			return err
		}
		defer rc.Close()
		// desc.Size is within the limit, so reading one more byte than that
		// is enough for the verifying reader to notice oversized content.
		raw, err = io.ReadAll(io.LimitReader(ocidist.NewVerifyingReader(rc, desc), desc.Size+1))
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// io runs op while holding one of the concurrency slots, retrying it if
// it fails transiently. The slot is released while waiting to retry.
func (c *graphCopier) io(ctx context.Context, what string, op func() error) error {
	return retry(ctx, c.opts, what, func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
		return op()
	})
}

func (c *graphCopier) nodeError(desc ocidist.Descriptor, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &NodeError{Node: desc, Err: err}
}
