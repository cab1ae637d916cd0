package ocidist

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is a content-addressable pointer to some content in a
// registry: the content's media type, digest, and size, along with some
// optional extra metadata.
//
// Descriptors are values. Two descriptors describe the same content when
// their [DescriptorKey] values are equal, regardless of the optional fields.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`

	URLs         []string          `json:"urls,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Data         []byte            `json:"data,omitempty"`
	Platform     *ocispec.Platform `json:"platform,omitempty"`
	ArtifactType string            `json:"artifactType,omitempty"`
}

// DescriptorKey is the identity of a [Descriptor] for the purpose of
// deciding whether two references point to the same content.
type DescriptorKey struct {
	MediaType string
	Digest    digest.Digest
	Size      int64
}

func (k DescriptorKey) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", k.Digest, k.MediaType, k.Size)
}

// NewDescriptorFromBytes returns a descriptor for the given content, with
// the digest and size calculated from the content itself.
func NewDescriptorFromBytes(b []byte, mediaType string) Descriptor {
	return Descriptor{
		MediaType: mediaType,
		Digest:    ComputeDigest(b),
		Size:      int64(len(b)),
	}
}

// emptyJSON is the content of the well-known "empty" descriptor.
var emptyJSON = []byte(`{}`)

// EmptyDescriptor returns the well-known descriptor for an empty JSON
// object, which artifacts use as a placeholder config blob.
//
// The result always includes the content inline in its Data field. Each
// call returns a fresh value so that callers can't modify the shared
// constant.
func EmptyDescriptor() Descriptor {
	data := make([]byte, len(emptyJSON))
	copy(data, emptyJSON)
	return Descriptor{
		MediaType: MediaTypeEmptyJSON,
		Digest:    "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
		Size:      2,
		Data:      data,
	}
}

// Key returns the identity of the descriptor.
func (d Descriptor) Key() DescriptorKey {
	return DescriptorKey{
		MediaType: d.MediaType,
		Digest:    d.Digest,
		Size:      d.Size,
	}
}

// Validate returns an error wrapping [ErrInvalidDescriptor] if the
// descriptor cannot be used to address content.
//
// This is stricter than [IsNullOrInvalid], because it also requires the
// digest to be syntactically valid and use a supported algorithm, and the
// size to be non-negative.
func (d *Descriptor) Validate() error {
	if IsNullOrInvalid(d) {
		return fmt.Errorf("%w: media type and digest are required", ErrInvalidDescriptor)
	}
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: digest %q: %s", ErrInvalidDescriptor, d.Digest, err)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: negative size %d for %s", ErrInvalidDescriptor, d.Size, d.Digest)
	}
	return nil
}

// InlineData returns the content embedded in the descriptor, if it has some
// and that content actually matches the digest and size. Otherwise it
// returns nil and the caller must fetch the content from a registry.
func (d *Descriptor) InlineData() []byte {
	if d.Data == nil || int64(len(d.Data)) != d.Size {
		return nil
	}
	if !VerifyDigest(d.Data, d.Digest) {
		return nil
	}
	return d.Data
}

// IsNullOrInvalid returns true if the given descriptor is nil, or if either
// its digest or media type is empty or consists only of whitespace.
func IsNullOrInvalid(d *Descriptor) bool {
	return d == nil || strings.TrimSpace(string(d.Digest)) == "" || strings.TrimSpace(d.MediaType) == ""
}

// IsManifestType returns true if the given descriptor refers to a manifest
// or index that we know how to decode and walk.
func IsManifestType(d Descriptor) bool {
	for _, mt := range manifestMediaTypes {
		if d.MediaType == mt {
			return true
		}
	}
	return false
}
