package ocidist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
)

// DefaultMaxManifestSize is the largest manifest we're willing to buffer in
// memory, unless a caller chooses a different limit.
const DefaultMaxManifestSize = 4 << 20

// Repository is a [Client] bound to one namespace in the client's registry.
//
// Its methods are the primitives the copy engine uses: resolve, fetch,
// exists, push, and mount. Repository is safe for concurrent use as long
// as the underlying client is.
type Repository struct {
	client *Client
	ns     Namespace
}

// Namespace returns the namespace this repository belongs to.
func (r *Repository) Namespace() Namespace {
	return r.ns
}

func (r *Repository) String() string {
	return r.client.Host() + "/" + r.ns.String()
}

// Resolve finds the descriptor of the manifest that the given tag or digest
// currently refers to.
func (r *Repository) Resolve(ctx context.Context, reference string) (Descriptor, error) {
	ref, err := ParseReference(reference)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid reference %q: %w", reference, err)
	}

	req, err := r.client.newRequest(ctx, "HEAD", nil, "v2", r.ns.String(), "manifests", ref.String())
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", manifestAcceptHeader)
	resp, err := r.client.do(req)
	if err != nil {
		return Descriptor{}, err
	}
	resp.Body.Close()

	mediaType, err := responseMediaType(resp)
	if err != nil {
		return Descriptor{}, err
	}
	dgst := ref.Digest()
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		got, err := ParseDigest(hdr)
		if err != nil {
			return Descriptor{}, fmt.Errorf("registry returned invalid Docker-Content-Digest: %w", err)
		}
		if dgst != "" && got != dgst {
			return Descriptor{}, &DigestMismatchError{Expected: dgst, Actual: got}
		}
		dgst = got
	}
	if dgst != "" && resp.ContentLength >= 0 {
		return Descriptor{
			MediaType: mediaType,
			Digest:    dgst,
			Size:      resp.ContentLength,
		}, nil
	}

	// Some registries don't tell us the digest or the length in response to
	// HEAD, in which case we need to fetch the whole manifest and work it
	// out for ourselves.
	return r.resolveByGet(ctx, ref)
}

func (r *Repository) resolveByGet(ctx context.Context, ref Reference) (Descriptor, error) {
	req, err := r.client.newRequest(ctx, "GET", nil, "v2", r.ns.String(), "manifests", ref.String())
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", manifestAcceptHeader)
	resp, err := r.client.do(req)
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()

	mediaType, err := responseMediaType(resp)
	if err != nil {
		return Descriptor{}, err
	}
	raw, err := readLimited(resp.Body, DefaultMaxManifestSize)
	if err != nil {
		return Descriptor{}, err
	}
	desc := NewDescriptorFromBytes(raw, mediaType)
	if want := ref.Digest(); want != "" && want != desc.Digest {
		return Descriptor{}, &DigestMismatchError{Expected: want, Actual: desc.Digest, ExpectedSize: desc.Size, ActualSize: desc.Size}
	}
	return desc, nil
}

// Fetch returns a reader for the content the given descriptor refers to.
//
// The content is not verified. Callers must check it against the
// descriptor, for example using [NewVerifyingReader].
func (r *Repository) Fetch(ctx context.Context, desc Descriptor) (io.ReadCloser, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	req, err := r.client.newRequest(ctx, "GET", nil, r.pathFor(desc)...)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	if IsManifestType(desc) {
		req.Header.Set("Accept", desc.MediaType)
	}
	resp, err := r.client.do(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 && resp.ContentLength != desc.Size {
		resp.Body.Close()
		return nil, &DigestMismatchError{
			Expected:     desc.Digest,
			ExpectedSize: desc.Size,
			ActualSize:   resp.ContentLength,
		}
	}
	return resp.Body, nil
}

// Exists checks whether the registry already has the content the given
// descriptor refers to, without transferring it.
func (r *Repository) Exists(ctx context.Context, desc Descriptor) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}
	req, err := r.client.newRequest(ctx, "HEAD", nil, r.pathFor(desc)...)
	if err != nil {
		return false, fmt.Errorf("failed to prepare request: %s", err)
	}
	if IsManifestType(desc) {
		req.Header.Set("Accept", desc.MediaType)
	}
	resp, err := r.client.do(req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	if resp.ContentLength >= 0 && resp.ContentLength != desc.Size {
		// Same digest at a different size is not the content we described.
		return false, nil
	}
	return true, nil
}

// Push uploads the given content, which must match the given descriptor.
//
// Manifests are pushed by digest. Use [Repository.Tag] to also associate a
// manifest with a tag.
func (r *Repository) Push(ctx context.Context, desc Descriptor, content io.Reader) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if IsManifestType(desc) {
		return r.pushManifest(ctx, desc, desc.Digest.String(), content)
	}
	return r.pushBlob(ctx, desc, content)
}

func (r *Repository) pushManifest(ctx context.Context, desc Descriptor, ref string, content io.Reader) error {
	req, err := r.client.newRequest(ctx, "PUT", content, "v2", r.ns.String(), "manifests", ref)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	req.ContentLength = desc.Size
	req.Header.Set("Content-Type", desc.MediaType)
	resp, err := r.client.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// pushBlob uses the two-step monolithic upload: a POST to open an upload
// session, then a single PUT with the whole content. That's more widely
// supported than the single-POST variant, and a credential problem fails
// the POST before we've started streaming any content.
func (r *Repository) pushBlob(ctx context.Context, desc Descriptor, content io.Reader) error {
	req, err := r.client.newRequest(ctx, "POST", nil, "v2", r.ns.String(), "blobs", "uploads/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := r.client.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	location, err := resp.Location()
	if err != nil {
		return fmt.Errorf("registry did not return an upload location: %w", err)
	}

	q := location.Query()
	q.Set("digest", desc.Digest.String())
	location.RawQuery = q.Encode()
	req, err = r.client.newRequestURL(ctx, "PUT", location, content)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	req.ContentLength = desc.Size
	req.Header.Set("Content-Type", MediaTypeOctetStream)
	resp, err = r.client.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Mount asks the registry to make a blob that it already stores in the
// given other namespace available in this repository too, without
// uploading it again.
//
// The result is false if the registry declined, in which case the caller
// should push the content in the usual way.
func (r *Repository) Mount(ctx context.Context, desc Descriptor, from string) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}
	fromNS, err := ParseNamespace(from)
	if err != nil {
		return false, fmt.Errorf("invalid namespace to mount from: %w", err)
	}
	req, err := r.client.newRequest(ctx, "POST", nil, "v2", r.ns.String(), "blobs", "uploads/")
	if err != nil {
		return false, fmt.Errorf("failed to prepare request: %s", err)
	}
	q := req.URL.Query()
	q.Set("mount", desc.Digest.String())
	q.Set("from", fromNS.String())
	req.URL.RawQuery = q.Encode()
	resp, err := r.client.do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusCreated {
		return true, nil
	}

	// The registry started an ordinary upload session instead. We'll abandon
	// it, because the caller will start a new one to push the content.
	if location, err := resp.Location(); err == nil {
		if req, err := r.client.newRequestURL(ctx, "DELETE", location, nil); err == nil {
			if resp, err := r.client.do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	return false, nil
}

// Tag associates the given tag with a manifest that is already present in
// the repository.
func (r *Repository) Tag(ctx context.Context, desc Descriptor, tag string) error {
	if !IsManifestType(desc) {
		return fmt.Errorf("%w: cannot tag %s", ErrUnsupportedMediaType, desc.MediaType)
	}
	ref, err := ParseReference(tag)
	if err != nil {
		return fmt.Errorf("invalid tag %q: %w", tag, err)
	}
	if ref.IsDigest() {
		return fmt.Errorf("invalid tag %q: must not be a digest", tag)
	}

	rc, err := r.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	raw, err := readLimited(NewVerifyingReader(rc, desc), DefaultMaxManifestSize)
	rc.Close()
	if err != nil {
		return err
	}
	return r.pushManifest(ctx, desc, ref.String(), bytes.NewReader(raw))
}

func (r *Repository) pathFor(desc Descriptor) []string {
	kind := "blobs"
	if IsManifestType(desc) {
		kind = "manifests"
	}
	return []string{"v2", r.ns.String(), kind, desc.Digest.String()}
}

func responseMediaType(resp *http.Response) (string, error) {
	raw := resp.Header.Get("Content-Type")
	if raw == "" {
		return "", fmt.Errorf("registry did not report the manifest media type")
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", fmt.Errorf("registry returned invalid Content-Type %q: %w", raw, err)
	}
	return mediaType, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("content exceeds the limit of %s bytes", strconv.FormatInt(limit, 10))
	}
	return raw, nil
}
