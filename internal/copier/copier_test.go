package copier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/apparentlymart/ocicopy/internal/auth"
	"github.com/apparentlymart/ocicopy/internal/memregistry"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

const (
	configType = "application/vnd.oci.image.config.v1+json"
	layerType  = "application/vnd.oci.image.layer.v1.tar"
)

// fastRetries keeps tests that exercise retrying from sleeping for long.
var fastRetries = Options{
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

// graphBuilder pushes content into a source repository, children first.
type graphBuilder struct {
	t    *testing.T
	repo *memregistry.Repository
}

func (b graphBuilder) blob(mediaType, content string) ocidist.Descriptor {
	b.t.Helper()
	desc := ocidist.NewDescriptorFromBytes([]byte(content), mediaType)
	require.NoError(b.t, b.repo.Push(context.Background(), desc, strings.NewReader(content)))
	return desc
}

func (b graphBuilder) push(mediaType string, doc any) ocidist.Descriptor {
	b.t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(b.t, err)
	desc := ocidist.NewDescriptorFromBytes(raw, mediaType)
	require.NoError(b.t, b.repo.Push(context.Background(), desc, bytes.NewReader(raw)))
	return desc
}

func (b graphBuilder) manifest(config ocidist.Descriptor, layers ...ocidist.Descriptor) ocidist.Descriptor {
	b.t.Helper()
	return b.push(ocidist.MediaTypeImageManifest, map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocidist.MediaTypeImageManifest,
		"config":        config,
		"layers":        layers,
	})
}

func (b graphBuilder) referrer(subject ocidist.Descriptor, config ocidist.Descriptor, layers ...ocidist.Descriptor) ocidist.Descriptor {
	b.t.Helper()
	return b.push(ocidist.MediaTypeImageManifest, map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocidist.MediaTypeImageManifest,
		"artifactType":  "application/vnd.example.signature",
		"config":        config,
		"layers":        layers,
		"subject":       subject,
	})
}

func (b graphBuilder) index(manifests ...ocidist.Descriptor) ocidist.Descriptor {
	b.t.Helper()
	return b.push(ocidist.MediaTypeImageIndex, map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocidist.MediaTypeImageIndex,
		"manifests":     manifests,
	})
}

func newSource(t *testing.T) (*memregistry.Registry, graphBuilder) {
	reg := memregistry.New()
	return reg, graphBuilder{t: t, repo: reg.Repository("source")}
}

// requireComplete checks that everything reachable from root in src is
// present in dst.
func requireComplete(t *testing.T, src ReadOnlyStorage, dst ReadOnlyStorage, root ocidist.Descriptor) {
	t.Helper()
	ctx := context.Background()
	ok, err := dst.Exists(ctx, root)
	require.NoError(t, err)
	require.True(t, ok, "%s is missing from the destination", root.Digest)
	if !ocidist.IsManifestType(root) {
		return
	}
	rc, err := src.Fetch(ctx, root)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	content, err := ocidist.ParseManifestContent(root, raw)
	require.NoError(t, err)
	for _, child := range content.Successors() {
		requireComplete(t, src, dst, child)
	}
	if subject := content.Subject(); subject != nil {
		requireComplete(t, src, dst, *subject)
	}
}

func TestCopyGraphSimpleManifest(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	config := b.blob(configType, `{"architecture":"amd64","os":"linux"}`)
	layer := b.blob(layerType, "layer B")
	root := b.manifest(config, layer)

	dstReg := memregistry.New()
	dst := dstReg.Repository("dest")

	var copied []ocidist.Descriptor
	var mu sync.Mutex
	opts := Options{
		Observer: &Observer{
			OnCopied: func(desc ocidist.Descriptor) {
				mu.Lock()
				copied = append(copied, desc)
				mu.Unlock()
			},
		},
	}

	got, err := CopyGraph(ctx, b.repo, dst, root, opts)
	require.NoError(t, err)
	require.Equal(t, root, got)

	pushed := dstReg.Pushed()
	require.Len(t, pushed, 3)
	require.Equal(t, root, pushed[2], "manifest must be pushed last")
	require.ElementsMatch(t, []ocidist.Descriptor{config, layer}, pushed[:2])
	require.Len(t, copied, 3)
	requireComplete(t, b.repo, dst, root)

	// Copying again must not push anything, because the destination
	// already has the root.
	dstReg.ResetCounts()
	var skipped atomic.Int32
	opts.Observer = &Observer{
		OnSkipped: func(ocidist.Descriptor) { skipped.Add(1) },
	}
	_, err = CopyGraph(ctx, b.repo, dst, root, opts)
	require.NoError(t, err)
	require.Equal(t, 0, dstReg.PushCount())
	require.EqualValues(t, 1, skipped.Load())
}

func TestCopyGraphIndexSharedContent(t *testing.T) {
	ctx := context.Background()
	srcReg, b := newSource(t)
	shared := b.blob(layerType, "shared layer")
	config := b.blob(configType, `{"os":"linux"}`)
	amd64 := b.manifest(config, b.blob(layerType, "amd64 layer"), shared)
	arm64 := b.manifest(config, b.blob(layerType, "arm64 layer"), shared)
	root := b.index(amd64, arm64)

	srcReg.ResetCounts()
	dstReg := memregistry.New()
	dst := dstReg.Repository("dest")
	var copied, skipped atomic.Int32
	_, err := CopyGraph(ctx, b.repo, dst, root, Options{
		Concurrency: 8,
		Observer: &Observer{
			OnCopied:  func(ocidist.Descriptor) { copied.Add(1) },
			OnSkipped: func(ocidist.Descriptor) { skipped.Add(1) },
		},
	})
	require.NoError(t, err)
	requireComplete(t, b.repo, dst, root)

	// Shared content is reported once, as copied, and never as skipped.
	require.EqualValues(t, 7, copied.Load())
	require.EqualValues(t, 0, skipped.Load())

	// index, two manifests, one config, three distinct layers
	require.Equal(t, 7, dstReg.PushCount())
	require.Equal(t, 7, srcReg.FetchCount())

	counts := make(map[digest.Digest]int)
	positions := make(map[digest.Digest]int)
	for i, desc := range dstReg.Pushed() {
		counts[desc.Digest]++
		positions[desc.Digest] = i
	}
	for dgst, n := range counts {
		if n != 1 {
			t.Errorf("%s pushed %d times", dgst, n)
		}
	}
	for _, m := range []ocidist.Descriptor{amd64, arm64} {
		require.Less(t, positions[shared.Digest], positions[m.Digest])
		require.Less(t, positions[config.Digest], positions[m.Digest])
		require.Less(t, positions[m.Digest], positions[root.Digest])
	}
}

func TestCopyGraphPartialDestination(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	config := b.blob(configType, `{}`+" ")
	layer1 := b.blob(layerType, "one")
	layer2 := b.blob(layerType, "two")
	root := b.manifest(config, layer1, layer2)

	dstReg := memregistry.New()
	dst := dstReg.Repository("dest")
	require.NoError(t, dst.Push(ctx, layer1, strings.NewReader("one")))
	dstReg.ResetCounts()

	var skipped []ocidist.Descriptor
	_, err := CopyGraph(ctx, b.repo, dst, root, Options{
		Concurrency: 1,
		Observer: &Observer{
			OnSkipped: func(desc ocidist.Descriptor) { skipped = append(skipped, desc) },
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, dstReg.PushCount())
	if diff := cmp.Diff([]ocidist.Descriptor{layer1}, skipped); diff != "" {
		t.Errorf("wrong skipped nodes\n%s", diff)
	}
}

// tamperingSource returns the wrong content for one digest.
type tamperingSource struct {
	ReadOnlyStorage
	target digest.Digest
}

func (s tamperingSource) Fetch(ctx context.Context, desc ocidist.Descriptor) (io.ReadCloser, error) {
	if desc.Digest == s.target {
		return io.NopCloser(strings.NewReader(strings.Repeat("x", int(desc.Size)))), nil
	}
	return s.ReadOnlyStorage.Fetch(ctx, desc)
}

func TestCopyGraphDigestMismatch(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	config := b.blob(configType, `{"os":"linux"}`)
	good := b.blob(layerType, "good layer")
	bad := b.blob(layerType, "bad layer")
	root := b.manifest(config, good, bad)

	t.Run("blob", func(t *testing.T) {
		dstReg := memregistry.New()
		dst := dstReg.Repository("dest")
		src := tamperingSource{ReadOnlyStorage: b.repo, target: bad.Digest}

		_, err := CopyGraph(ctx, src, dst, root, fastRetries)
		require.ErrorIs(t, err, ocidist.ErrDigestMismatch)
		var nodeErr *NodeError
		require.ErrorAs(t, err, &nodeErr)
		require.Equal(t, bad, nodeErr.Node)

		for _, desc := range dstReg.Pushed() {
			require.NotEqual(t, bad.Digest, desc.Digest, "tampered content was pushed")
			require.NotEqual(t, root.Digest, desc.Digest, "manifest was pushed despite a failed child")
		}
	})
	t.Run("manifest", func(t *testing.T) {
		dstReg := memregistry.New()
		dst := dstReg.Repository("dest")
		src := tamperingSource{ReadOnlyStorage: b.repo, target: root.Digest}

		_, err := CopyGraph(ctx, src, dst, root, fastRetries)
		require.ErrorIs(t, err, ocidist.ErrDigestMismatch)
		var nodeErr *NodeError
		require.ErrorAs(t, err, &nodeErr)
		require.Equal(t, root, nodeErr.Node)
		require.Equal(t, 0, dstReg.PushCount())
	})
}

func TestCopyGraphInvalidRoot(t *testing.T) {
	dst := memregistry.New().Repository("dest")
	_, err := CopyGraph(context.Background(), dst, dst, ocidist.Descriptor{MediaType: " "}, Options{})
	require.ErrorIs(t, err, ocidist.ErrInvalidDescriptor)
}

func TestCopyGraphSubject(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	image := b.manifest(b.blob(configType, `{"os":"linux"}`), b.blob(layerType, "app"))
	b.blob(ocidist.MediaTypeEmptyJSON, "{}")
	signature := b.referrer(image, ocidist.EmptyDescriptor(), b.blob("application/vnd.example.sig", "signed!"))

	dst := memregistry.New().Repository("dest")
	_, err := CopyGraph(ctx, b.repo, dst, signature, Options{})
	require.NoError(t, err)
	requireComplete(t, b.repo, dst, signature)
}

func TestCopyGraphSubjectOfExistingReferrer(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	image := b.manifest(b.blob(configType, `{"os":"darwin"}`), b.blob(layerType, "app"))
	b.blob(ocidist.MediaTypeEmptyJSON, "{}")
	sigLayer := b.blob("application/vnd.example.sig", "signed again")
	signature := b.referrer(image, ocidist.EmptyDescriptor(), sigLayer)

	// The destination already has the referrer, but not its subject.
	dstReg := memregistry.New()
	dst := dstReg.Repository("dest")
	for _, desc := range []ocidist.Descriptor{ocidist.EmptyDescriptor(), sigLayer, signature} {
		rc, err := b.repo.Fetch(ctx, desc)
		require.NoError(t, err)
		require.NoError(t, dst.Push(ctx, desc, rc))
		rc.Close()
	}
	ok, err := dst.Exists(ctx, image)
	require.NoError(t, err)
	require.False(t, ok)
	dstReg.ResetCounts()

	var skipped []ocidist.Descriptor
	var mu sync.Mutex
	_, err = CopyGraph(ctx, b.repo, dst, signature, Options{
		Observer: &Observer{
			OnSkipped: func(desc ocidist.Descriptor) {
				mu.Lock()
				skipped = append(skipped, desc)
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)
	requireComplete(t, b.repo, dst, signature)
	require.Equal(t, []ocidist.Descriptor{signature}, skipped)
	// the image's config, layer and manifest
	require.Equal(t, 3, dstReg.PushCount())
}

func TestCopyGraphInlineData(t *testing.T) {
	ctx := context.Background()
	srcReg, b := newSource(t)
	layer := b.blob(layerType, "layer")
	b.blob(ocidist.MediaTypeEmptyJSON, "{}")
	root := b.push(ocidist.MediaTypeImageManifest, map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocidist.MediaTypeImageManifest,
		"config":        ocidist.EmptyDescriptor(),
		"layers":        []ocidist.Descriptor{layer},
	})
	srcReg.ResetCounts()

	dst := memregistry.New().Repository("dest")
	_, err := CopyGraph(ctx, b.repo, dst, root, Options{})
	require.NoError(t, err)

	ok, err := dst.Exists(ctx, ocidist.EmptyDescriptor())
	require.NoError(t, err)
	require.True(t, ok)
	// The config came from its inline data, so only the manifest and the
	// layer were fetched.
	require.Equal(t, 2, srcReg.FetchCount())
}

// flakyDestination fails the first few pushes with a transient error.
type flakyDestination struct {
	Storage
	failures atomic.Int32
	attempts atomic.Int32
	err      error
}

func (d *flakyDestination) Push(ctx context.Context, desc ocidist.Descriptor, content io.Reader) error {
	d.attempts.Add(1)
	if d.failures.Add(-1) >= 0 {
		return d.err
	}
	return d.Storage.Push(ctx, desc, content)
}

func TestCopyGraphRetriesTransient(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	root := b.manifest(b.blob(configType, `{}`+"\n"))

	dst := &flakyDestination{
		Storage: memregistry.New().Repository("dest"),
		err:     fmt.Errorf("PUT: %w", &ocidist.ServerError{StatusCode: 503}),
	}
	dst.failures.Store(3)

	_, err := CopyGraph(ctx, b.repo, dst, root, fastRetries)
	require.NoError(t, err)
	// Three failures, then one success each for the config and manifest.
	require.EqualValues(t, 5, dst.attempts.Load())
	requireComplete(t, b.repo, dst, root)
}

func TestCopyGraphRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	config := b.blob(configType, `{"a":1}`)
	root := b.manifest(config)

	dst := &flakyDestination{
		Storage: memregistry.New().Repository("dest"),
		err:     &ocidist.RequestError{Wrapped: errors.New("connection reset")},
	}
	dst.failures.Store(100)

	opts := fastRetries
	opts.MaxRetries = 2
	_, err := CopyGraph(ctx, b.repo, dst, root, opts)
	require.Error(t, err)
	require.True(t, ocidist.IsTransient(err))
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	require.Equal(t, config, nodeErr.Node)
	require.EqualValues(t, 3, dst.attempts.Load())
}

// failingSource fails every fetch with the given error.
type failingSource struct {
	ReadOnlyStorage
	err     error
	fetches atomic.Int32
}

func (s *failingSource) Fetch(ctx context.Context, desc ocidist.Descriptor) (io.ReadCloser, error) {
	s.fetches.Add(1)
	return nil, s.err
}

func TestCopyGraphPermanentErrors(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	root := b.manifest(b.blob(configType, `{"b":2}`))

	tests := map[string]error{
		"unauthorized": fmt.Errorf("GET: %w", ocidist.ErrUnauthorized),
		"forbidden":    fmt.Errorf("GET: %w", ocidist.ErrForbidden),
		"not found":    &ocidist.NotFoundError{What: "manifest"},
		"unsupported":  ocidist.ErrUnsupportedMediaType,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			src := &failingSource{ReadOnlyStorage: b.repo, err: want}
			dst := memregistry.New().Repository("dest")
			_, err := CopyGraph(ctx, src, dst, root, fastRetries)
			require.ErrorIs(t, err, want)
			require.EqualValues(t, 1, src.fetches.Load(), "error was retried")
			var nodeErr *NodeError
			require.ErrorAs(t, err, &nodeErr)
			require.Equal(t, root, nodeErr.Node)
		})
	}
}

// blockingSource blocks every fetch until its context is cancelled.
type blockingSource struct {
	ReadOnlyStorage
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) Fetch(ctx context.Context, desc ocidist.Descriptor) (io.ReadCloser, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCopyGraphCancel(t *testing.T) {
	_, b := newSource(t)
	root := b.manifest(b.blob(configType, `{"c":3}`), b.blob(layerType, "l1"), b.blob(layerType, "l2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &blockingSource{ReadOnlyStorage: b.repo, started: make(chan struct{})}
	dstReg := memregistry.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := CopyGraph(ctx, src, dstReg.Repository("dest"), root, Options{})
		errCh <- err
	}()
	<-src.started
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("copy did not stop after cancellation")
	}
	require.Equal(t, 0, dstReg.PushCount())
}

// countingDestination records the largest number of concurrent calls.
type countingDestination struct {
	Storage
	current atomic.Int32
	max     atomic.Int32
}

func (d *countingDestination) enter() func() {
	n := d.current.Add(1)
	for {
		old := d.max.Load()
		if n <= old || d.max.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { d.current.Add(-1) }
}

func (d *countingDestination) Exists(ctx context.Context, desc ocidist.Descriptor) (bool, error) {
	defer d.enter()()
	return d.Storage.Exists(ctx, desc)
}

func (d *countingDestination) Push(ctx context.Context, desc ocidist.Descriptor, content io.Reader) error {
	defer d.enter()()
	return d.Storage.Push(ctx, desc, content)
}

func TestCopyGraphConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	var layers []ocidist.Descriptor
	for i := 0; i < 20; i++ {
		layers = append(layers, b.blob(layerType, fmt.Sprintf("layer %d", i)))
	}
	root := b.manifest(b.blob(configType, `{"d":4}`), layers...)

	dst := &countingDestination{Storage: memregistry.New().Repository("dest")}
	_, err := CopyGraph(ctx, b.repo, dst, root, Options{Concurrency: 2})
	require.NoError(t, err)
	require.LessOrEqual(t, dst.max.Load(), int32(2))
	requireComplete(t, b.repo, dst, root)
}

func TestCopyGraphMount(t *testing.T) {
	ctx := context.Background()
	reg := memregistry.New()
	b := graphBuilder{t: t, repo: reg.Repository("source")}
	config := b.blob(configType, `{"e":5}`)
	layer := b.blob(layerType, "mountable")
	root := b.manifest(config, layer)
	reg.ResetCounts()

	var mounted []string
	var mu sync.Mutex
	dst := reg.Repository("dest")
	_, err := CopyGraph(ctx, b.repo, dst, root, Options{
		MountFrom: func(ocidist.Descriptor) []string { return []string{"elsewhere", "source"} },
		Observer: &Observer{
			OnMounted: func(desc ocidist.Descriptor, from string) {
				mu.Lock()
				mounted = append(mounted, from)
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"source", "source"}, mounted)
	// Only the manifest needed pushing, and no blob was fetched.
	require.Equal(t, 1, reg.PushCount())
	require.Equal(t, 1, reg.FetchCount())
	requireComplete(t, b.repo, dst, root)
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	root := b.manifest(b.blob(configType, `{"f":6}`), b.blob(layerType, "tagged"))
	require.NoError(t, b.repo.Tag(ctx, root, "v1"))

	t.Run("same tag", func(t *testing.T) {
		dst := memregistry.New().Repository("dest")
		got, err := Copy(ctx, b.repo, "v1", dst, "", Options{})
		require.NoError(t, err)
		require.Equal(t, root, got)
		resolved, err := dst.Resolve(ctx, "v1")
		require.NoError(t, err)
		require.Equal(t, root, resolved)
	})
	t.Run("new tag", func(t *testing.T) {
		dst := memregistry.New().Repository("dest")
		_, err := Copy(ctx, b.repo, "v1", dst, "stable", Options{})
		require.NoError(t, err)
		require.Equal(t, []string{"stable"}, dst.Tags())
	})
	t.Run("by digest", func(t *testing.T) {
		dst := memregistry.New().Repository("dest")
		got, err := Copy(ctx, b.repo, root.Digest.String(), dst, "", Options{})
		require.NoError(t, err)
		require.Equal(t, root, got)
		require.Empty(t, dst.Tags())
	})
	t.Run("missing tag", func(t *testing.T) {
		dst := memregistry.New().Repository("dest")
		_, err := Copy(ctx, b.repo, "nope", dst, "", fastRetries)
		require.ErrorIs(t, err, ocidist.ErrNotFound)
	})
}

func TestCopyGraphTokenRefused(t *testing.T) {
	ctx := context.Background()
	_, b := newSource(t)
	root := b.blob(layerType, "needs credentials")

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+srvURL+`/token",service="test",scope="repository:dest:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	creds := auth.StaticCredential(u.Host, auth.Credential{Username: "robot", Password: "wrong"})
	client := ocidist.NewClientWithRoundTripper(u, auth.NewTransport(http.DefaultTransport, creds))
	dst := client.Repository(ocidist.MustParseNamespace("dest"))

	_, err = CopyGraph(ctx, b.repo, dst, root, fastRetries)
	require.ErrorIs(t, err, ocidist.ErrUnauthorized)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	require.Equal(t, root, nodeErr.Node)
	require.EqualValues(t, 1, tokenCalls.Load(), "refused credentials were retried")
}
