// Package memregistry is a small registry that keeps everything in memory.
//
// It implements the same resolve, fetch, exists, push, mount and tag
// capabilities as a remote repository, so the copy engine can be exercised
// without a network, and [Registry.Handler] exposes the same content over
// the distribution HTTP API for end-to-end tests of the HTTP client and for
// the "serve" command.
//
// Unlike a production registry, it keeps count of how many times content
// was pushed and fetched, and remembers the order of pushes.
package memregistry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// Registry is a collection of repositories kept in memory.
//
// The zero value is not usable; use [New].
type Registry struct {
	mu      sync.Mutex
	repos   map[string]*repoState
	uploads map[string]string // upload session ID to repository name

	pushes  int
	fetches int
	pushLog []ocidist.Descriptor
}

type repoState struct {
	blobs     map[digest.Digest][]byte
	manifests map[digest.Digest]storedManifest
	tags      map[string]digest.Digest
}

type storedManifest struct {
	mediaType string
	raw       []byte
}

func New() *Registry {
	return &Registry{
		repos:   make(map[string]*repoState),
		uploads: make(map[string]string),
	}
}

// Repository returns an object representing the repository with the given
// name, which is created implicitly on first write.
func (r *Registry) Repository(name string) *Repository {
	return &Repository{reg: r, name: name}
}

// PushCount returns the number of successful pushes across all
// repositories, including pushes of content that was already present.
func (r *Registry) PushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

// FetchCount returns the number of fetches across all repositories.
func (r *Registry) FetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Pushed returns the descriptors of all successful pushes in the order
// they completed.
func (r *Registry) Pushed() []ocidist.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]ocidist.Descriptor, len(r.pushLog))
	copy(ret, r.pushLog)
	return ret
}

// ResetCounts clears the push and fetch counters and the push log, leaving
// the content in place.
func (r *Registry) ResetCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = 0
	r.fetches = 0
	r.pushLog = nil
}

// repo must be called with r.mu held.
func (r *Registry) repo(name string, create bool) *repoState {
	rs, ok := r.repos[name]
	if !ok && create {
		rs = &repoState{
			blobs:     make(map[digest.Digest][]byte),
			manifests: make(map[digest.Digest]storedManifest),
			tags:      make(map[string]digest.Digest),
		}
		r.repos[name] = rs
	}
	return rs
}

// Repository is one namespace within a [Registry].
type Repository struct {
	reg  *Registry
	name string
}

// Name returns the repository's name.
func (r *Repository) Name() string {
	return r.name
}

func (r *Repository) String() string {
	return "memory/" + r.name
}

// Resolve returns the descriptor for the manifest that the given tag or
// digest currently refers to.
func (r *Repository) Resolve(ctx context.Context, reference string) (ocidist.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return ocidist.Descriptor{}, err
	}
	ref, err := ocidist.ParseReference(reference)
	if err != nil {
		return ocidist.Descriptor{}, fmt.Errorf("invalid reference %q: %w", reference, err)
	}

	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	rs := r.reg.repo(r.name, false)
	if rs == nil {
		return ocidist.Descriptor{}, &ocidist.NotFoundError{What: r.name}
	}
	dgst := ref.Digest()
	if dgst == "" {
		var ok bool
		dgst, ok = rs.tags[ref.String()]
		if !ok {
			return ocidist.Descriptor{}, &ocidist.NotFoundError{What: r.name + ":" + ref.String()}
		}
	}
	m, ok := rs.manifests[dgst]
	if !ok {
		return ocidist.Descriptor{}, &ocidist.NotFoundError{What: r.name + "@" + dgst.String()}
	}
	return ocidist.Descriptor{
		MediaType: m.mediaType,
		Digest:    dgst,
		Size:      int64(len(m.raw)),
	}, nil
}

// Fetch returns the content for the given descriptor.
func (r *Repository) Fetch(ctx context.Context, desc ocidist.Descriptor) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	raw, ok := r.reg.lookup(r.name, desc)
	if !ok {
		return nil, &ocidist.NotFoundError{What: r.name + "@" + desc.Digest.String()}
	}
	r.reg.fetches++
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// Exists returns true if content matching the given descriptor is present.
func (r *Repository) Exists(ctx context.Context, desc ocidist.Descriptor) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := desc.Validate(); err != nil {
		return false, err
	}
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	raw, ok := r.reg.lookup(r.name, desc)
	return ok && int64(len(raw)) == desc.Size, nil
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(name string, desc ocidist.Descriptor) ([]byte, bool) {
	rs := r.repo(name, false)
	if rs == nil {
		return nil, false
	}
	if ocidist.IsManifestType(desc) {
		m, ok := rs.manifests[desc.Digest]
		return m.raw, ok
	}
	raw, ok := rs.blobs[desc.Digest]
	return raw, ok
}

// Push stores the given content, which must match the given descriptor.
//
// A manifest or index is accepted only if everything it contains, other
// than its subject, is already present in the same repository.
func (r *Repository) Push(ctx context.Context, desc ocidist.Descriptor, content io.Reader) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	raw, err := io.ReadAll(ocidist.NewVerifyingReader(content, desc))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ocidist.IsManifestType(desc) {
		return r.reg.putManifest(r.name, desc, raw, "")
	}
	r.reg.putBlob(r.name, desc, raw)
	return nil
}

// Mount makes a blob from the repository with the given name available in
// this repository too. The result is false if the other repository doesn't
// have the blob.
func (r *Repository) Mount(ctx context.Context, desc ocidist.Descriptor, from string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := desc.Validate(); err != nil {
		return false, err
	}
	return r.reg.mount(r.name, desc.Digest, from), nil
}

// Tag associates a tag with a manifest already present in the repository.
func (r *Repository) Tag(ctx context.Context, desc ocidist.Descriptor, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, err := ocidist.ParseReference(tag)
	if err != nil || ref.IsDigest() {
		return fmt.Errorf("invalid tag %q", tag)
	}
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	rs := r.reg.repo(r.name, false)
	if rs == nil {
		return &ocidist.NotFoundError{What: r.name}
	}
	if _, ok := rs.manifests[desc.Digest]; !ok {
		return &ocidist.NotFoundError{What: r.name + "@" + desc.Digest.String()}
	}
	rs.tags[tag] = desc.Digest
	return nil
}

// Tags returns the tags in the repository, sorted lexically.
func (r *Repository) Tags() []string {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	rs := r.reg.repo(r.name, false)
	if rs == nil {
		return nil
	}
	ret := make([]string, 0, len(rs.tags))
	for tag := range rs.tags {
		ret = append(ret, tag)
	}
	sort.Strings(ret)
	return ret
}

func (r *Registry) putBlob(name string, desc ocidist.Descriptor, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.repo(name, true)
	rs.blobs[desc.Digest] = raw
	r.pushes++
	r.pushLog = append(r.pushLog, desc)
}

// putManifest stores a manifest that has already been verified against
// desc, and then optionally tags it.
func (r *Registry) putManifest(name string, desc ocidist.Descriptor, raw []byte, tag string) error {
	content, err := ocidist.ParseManifestContent(desc, raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.repo(name, true)
	for _, child := range content.Successors() {
		if _, ok := r.lookup(name, child); !ok {
			return &missingChildError{Manifest: desc.Digest, Child: child}
		}
	}
	rs.manifests[desc.Digest] = storedManifest{
		mediaType: desc.MediaType,
		raw:       raw,
	}
	if tag != "" {
		rs.tags[tag] = desc.Digest
	}
	r.pushes++
	r.pushLog = append(r.pushLog, desc)
	return nil
}

func (r *Registry) mount(name string, dgst digest.Digest, from string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.repo(from, false)
	if src == nil {
		return false
	}
	raw, ok := src.blobs[dgst]
	if !ok {
		return false
	}
	r.repo(name, true).blobs[dgst] = raw
	return true
}

// missingChildError is returned when pushing a manifest that refers to
// content the repository doesn't have yet.
type missingChildError struct {
	Manifest digest.Digest
	Child    ocidist.Descriptor
}

func (err *missingChildError) Error() string {
	return fmt.Sprintf("manifest %s refers to %s, which is not present", err.Manifest, err.Child.Digest)
}

func (err *missingChildError) Is(target error) bool {
	return target == ocidist.ErrNotFound
}
